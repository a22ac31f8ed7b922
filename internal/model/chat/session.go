package chat

import (
	"slices"
	"time"
)

// Session captures the state of one live voice interaction. The orchestrator owns the
// only mutable copy; everyone else sees values produced by Freeze.
type Session struct {
	ID             string             `json:"sessionId"`
	Phase          Phase              `json:"phase"`
	ActiveProvider Provider           `json:"activeProvider"`
	LastEmotions   map[string]float64 `json:"lastEmotions,omitempty"`
	History        []Turn             `json:"history,omitempty"`
	Pending        bool               `json:"pending"`
	LastError      string             `json:"lastError,omitempty"`
	LastLatency    time.Duration      `json:"-"`
	CreatedAt      time.Time          `json:"createdAt"`
	UpdatedAt      time.Time          `json:"updatedAt"`
}

// NewSession returns an Idle session bound to the given provider.
func NewSession(id string, provider Provider, now time.Time) Session {
	return Session{
		ID:             id,
		Phase:          PhaseIdle,
		ActiveProvider: provider,
		History:        make([]Turn, 0, 16),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Freeze returns a read-only view. The history slice is capped so later appends by the
// owner never become visible through it.
func (s Session) Freeze() Session {
	n := len(s.History)
	s.History = s.History[:n:n]
	return s
}

// HistoryCopy returns an independent copy of the history.
func (s Session) HistoryCopy() []Turn {
	return slices.Clone(s.History)
}

// Status is the compact view served by status queries.
type Status struct {
	SessionID      string   `json:"sessionId"`
	Phase          Phase    `json:"phase"`
	ActiveProvider Provider `json:"activeProvider"`
	Turns          int      `json:"turns"`
	Pending        bool     `json:"pending"`
	LastError      string   `json:"lastError,omitempty"`
	LatencyMs      int64    `json:"latencyMs"`
	// LastTranscript and LastResponse mirror the latest user and assistant turns.
	LastTranscript string             `json:"lastTranscript,omitempty"`
	LastResponse   string             `json:"lastResponse,omitempty"`
	Emotions       map[string]float64 `json:"emotions,omitempty"`
	UpdatedAt      time.Time          `json:"updatedAt"`
}

// Status summarises the session.
func (s Session) Status() Status {
	st := Status{
		SessionID:      s.ID,
		Phase:          s.Phase,
		ActiveProvider: s.ActiveProvider,
		Turns:          len(s.History),
		Pending:        s.Pending,
		LastError:      s.LastError,
		LatencyMs:      s.LastLatency.Milliseconds(),
		Emotions:       s.LastEmotions,
		UpdatedAt:      s.UpdatedAt,
	}
	for i := len(s.History) - 1; i >= 0; i-- {
		turn := s.History[i]
		if turn.Role == RoleAssistant && st.LastResponse == "" {
			st.LastResponse = turn.Text
		}
		if turn.Role == RoleUser && st.LastTranscript == "" {
			st.LastTranscript = turn.Text
		}
		if st.LastResponse != "" && st.LastTranscript != "" {
			break
		}
	}
	return st
}
