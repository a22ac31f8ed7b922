package session_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	analysis "github.com/zhouzirui/clm-bridge/backend/internal/analysis/emotion"
	"github.com/zhouzirui/clm-bridge/backend/internal/model/chat"
	"github.com/zhouzirui/clm-bridge/backend/internal/service/ai"
	"github.com/zhouzirui/clm-bridge/backend/internal/service/emotion"
	"github.com/zhouzirui/clm-bridge/backend/internal/service/orchestrator"
	"github.com/zhouzirui/clm-bridge/backend/internal/service/session"
)

type echoAdapter struct{}

func (echoAdapter) Kind() chat.Provider { return chat.ProviderClaude }
func (echoAdapter) Model() string       { return "echo" }
func (echoAdapter) Generate(_ context.Context, req ai.Request) (string, error) {
	return "echo: " + req.History[len(req.History)-1].Text, nil
}

func newRegistry(t *testing.T) *session.Registry {
	t.Helper()
	factory := orchestrator.NewFactory(orchestrator.Config{
		DefaultProvider: chat.ProviderClaude,
		Retry:           ai.RetryPolicy{Timeout: time.Second},
	}, orchestrator.Deps{
		Providers: ai.NewSet(echoAdapter{}),
		Emotions:  emotion.NewService(emotion.Config{Options: analysis.DefaultOptions()}, zap.NewNop()),
		Logger:    zap.NewNop(),
	})
	reg := session.NewRegistry(factory, zap.NewNop())
	t.Cleanup(reg.CloseAll)
	return reg
}

func TestRegistryCreateAndGet(t *testing.T) {
	reg := newRegistry(t)

	o, err := reg.Create("abc-123", nil)
	require.NoError(t, err)
	assert.Equal(t, "abc-123", o.ID())

	snap, err := reg.Get("abc-123")
	require.NoError(t, err)
	assert.Equal(t, chat.PhaseIdle, snap.Phase)
	assert.Equal(t, chat.ProviderClaude, snap.ActiveProvider)

	phase, err := reg.CurrentPhase("abc-123")
	require.NoError(t, err)
	assert.Equal(t, chat.PhaseIdle, phase)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistryGeneratesIDs(t *testing.T) {
	reg := newRegistry(t)
	a, err := reg.Create("", nil)
	require.NoError(t, err)
	b, err := reg.Create("", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.True(t, session.ValidID(a.ID()))
}

func TestRegistryRejectsDuplicatesAndInvalidIDs(t *testing.T) {
	reg := newRegistry(t)
	_, err := reg.Create("dup", nil)
	require.NoError(t, err)

	_, err = reg.Create("dup", nil)
	assert.ErrorIs(t, err, chat.ErrSessionExists)

	_, err = reg.Create("has spaces", nil)
	assert.True(t, chat.IsProtocolError(err))
	assert.Equal(t, 1, reg.Len())
}

func TestRegistryUnknownSession(t *testing.T) {
	reg := newRegistry(t)

	history, err := reg.ListHistory("missing")
	assert.ErrorIs(t, err, chat.ErrSessionNotFound)
	assert.Nil(t, history)

	_, err = reg.CurrentPhase("missing")
	assert.ErrorIs(t, err, chat.ErrSessionNotFound)
	_, err = reg.Lookup("missing")
	assert.ErrorIs(t, err, chat.ErrSessionNotFound)

	assert.Equal(t, 0, reg.Len())
	assert.Empty(t, reg.List())
}

func TestRegistryHistoryIsACopy(t *testing.T) {
	reg := newRegistry(t)
	o, err := reg.Create("hist", nil)
	require.NoError(t, err)

	_, err = o.Ask(context.Background(), "hello", nil)
	require.NoError(t, err)

	first, err := reg.ListHistory("hist")
	require.NoError(t, err)
	require.Len(t, first, 2)
	first[0].Text = "mutated"

	second, err := reg.ListHistory("hist")
	require.NoError(t, err)
	assert.Equal(t, "hello", second[0].Text)
	assert.Equal(t, "echo: hello", second[1].Text)
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	reg := newRegistry(t)
	o, err := reg.Create("bye", nil)
	require.NoError(t, err)

	reg.Remove("bye")
	reg.Remove("bye")
	reg.Remove("never-existed")

	<-o.Done()
	_, err = reg.Get("bye")
	assert.ErrorIs(t, err, chat.ErrSessionNotFound)

	_, err = reg.Create("bye", nil)
	assert.NoError(t, err, "id is reusable after removal")
}

func TestClosingOrchestratorDeregisters(t *testing.T) {
	reg := newRegistry(t)
	o, err := reg.Create("self-close", nil)
	require.NoError(t, err)

	o.Close()
	assert.Equal(t, 0, reg.Len())
}

func TestRegistryListOrdersByCreation(t *testing.T) {
	reg := newRegistry(t)
	for i := range 3 {
		_, err := reg.Create(fmt.Sprintf("s%d", i), nil)
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
	list := reg.List()
	require.Len(t, list, 3)
	assert.Equal(t, []string{"s0", "s1", "s2"}, []string{list[0].ID, list[1].ID, list[2].ID})
}

func TestConcurrentReadsDuringTurns(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 4 {
		id := fmt.Sprintf("c%d", i)
		o, err := reg.Create(id, nil)
		require.NoError(t, err)

		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := range 5 {
				_, err := o.Ask(ctx, fmt.Sprintf("msg %d", j), nil)
				assert.NoError(t, err)
			}
		}()
		go func() {
			defer wg.Done()
			last := 0
			for range 50 {
				history, err := reg.ListHistory(id)
				if !assert.NoError(t, err) {
					return
				}
				assert.GreaterOrEqual(t, len(history), last)
				last = len(history)
				_ = reg.List()
			}
		}()
	}
	wg.Wait()

	for i := range 4 {
		history, err := reg.ListHistory(fmt.Sprintf("c%d", i))
		require.NoError(t, err)
		assert.Len(t, history, 10)
	}
}

func TestCloseAll(t *testing.T) {
	reg := newRegistry(t)
	var sessions []*orchestrator.Orchestrator
	for i := range 3 {
		o, err := reg.Create(fmt.Sprintf("x%d", i), nil)
		require.NoError(t, err)
		sessions = append(sessions, o)
	}

	reg.CloseAll()
	assert.Equal(t, 0, reg.Len())
	for _, o := range sessions {
		select {
		case <-o.Done():
		default:
			t.Fatalf("session %s still running", o.ID())
		}
	}
}
