package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestCollectorRecordsTurns(t *testing.T) {
	c := NewCollector("test", zap.NewNop())

	c.RecordTurn("claude", "ok", 120*time.Millisecond)
	c.RecordTurn("claude", "provider_timeout", time.Second)
	c.RecordTurn("claude", "ok", 80*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.turnsTotal.WithLabelValues("claude", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.turnsTotal.WithLabelValues("claude", "provider_timeout")))
}

func TestCollectorSessionsAndPhases(t *testing.T) {
	c := NewCollector("test", zap.NewNop())

	c.SessionOpened()
	c.SessionOpened()
	c.SessionClosed()
	c.RecordPhaseTransition("listening", "transcribed")
	c.RecordBusyRejection()
	c.RecordProtocolError()

	assert.Equal(t, 1.0, testutil.ToFloat64(c.activeSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.phaseTransitions.WithLabelValues("listening", "transcribed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.busyRejections))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.protocolErrors))
}

func TestCollectorHandlerExposesMetrics(t *testing.T) {
	c := NewCollector("bridge", zap.NewNop())
	c.RecordHTTPRequest(http.MethodGet, "/api/status", http.StatusOK, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `bridge_http_requests_total{method="GET",path="/api/status",status="200"} 1`)
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordTurn("openai", "ok", time.Second)
		c.RecordPhaseTransition("a", "b")
		c.SessionOpened()
		c.SessionClosed()
		c.RecordHTTPRequest("GET", "/", 200, time.Millisecond)
	})
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
