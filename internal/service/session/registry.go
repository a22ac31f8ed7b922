// Package session keeps the live sessions of the bridge.
package session

import (
	"cmp"
	"fmt"
	"regexp"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/clm-bridge/backend/internal/model/chat"
	"github.com/zhouzirui/clm-bridge/backend/internal/service/orchestrator"
)

var validID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Registry maps session ids to their orchestrators. It never mutates session
// state; every read goes through an orchestrator snapshot.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*orchestrator.Orchestrator

	factory *orchestrator.Factory
	logger  *zap.Logger
}

// NewRegistry 创建会话注册表。
func NewRegistry(factory *orchestrator.Factory, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		sessions: make(map[string]*orchestrator.Orchestrator),
		factory:  factory,
		logger:   logger.With(zap.String("component", "registry")),
	}
}

// ValidID reports whether id can name a session.
func ValidID(id string) bool {
	return validID.MatchString(id)
}

// Create starts a new session. An empty id is replaced by a UUID.
func (r *Registry) Create(id string, sink orchestrator.Sink, opts ...orchestrator.Option) (*orchestrator.Orchestrator, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if !ValidID(id) {
		return nil, chat.NewProtocolError("invalid session id %q", id)
	}

	var o *orchestrator.Orchestrator
	opts = append(opts, orchestrator.WithOnClose(func(id string) { r.forget(id, o) }))

	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("create %s: %w", id, chat.ErrSessionExists)
	}
	o = r.factory.New(id, sink, opts...)
	r.sessions[id] = o
	total := len(r.sessions)
	r.mu.Unlock()

	o.Start()
	r.logger.Info("session created", zap.String("session_id", id), zap.Int("active", total))
	return o, nil
}

// Lookup returns the orchestrator for id.
func (r *Registry) Lookup(id string) (*orchestrator.Orchestrator, error) {
	r.mu.RLock()
	o, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, chat.ErrSessionNotFound)
	}
	return o, nil
}

// Get returns an immutable snapshot of the session.
func (r *Registry) Get(id string) (chat.Session, error) {
	o, err := r.Lookup(id)
	if err != nil {
		return chat.Session{}, err
	}
	return o.Snapshot(), nil
}

// ListHistory returns a copy of the session's ordered turns.
func (r *Registry) ListHistory(id string) ([]chat.Turn, error) {
	snap, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return snap.HistoryCopy(), nil
}

// CurrentPhase returns the session's phase.
func (r *Registry) CurrentPhase(id string) (chat.Phase, error) {
	snap, err := r.Get(id)
	if err != nil {
		return "", err
	}
	return snap.Phase, nil
}

// List returns snapshots of all live sessions ordered by creation time.
func (r *Registry) List() []chat.Session {
	r.mu.RLock()
	out := make([]chat.Session, 0, len(r.sessions))
	for _, o := range r.sessions {
		out = append(out, o.Snapshot())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b chat.Session) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Remove closes and forgets the session. Unknown ids are ignored.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	o, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if !ok {
		return
	}
	o.Close()
	r.logger.Info("session removed", zap.String("session_id", id))
}

// CloseAll closes every session, used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*orchestrator.Orchestrator)
	r.mu.Unlock()

	var g errgroup.Group
	for _, o := range sessions {
		g.Go(func() error {
			o.Close()
			return nil
		})
	}
	_ = g.Wait()
	r.logger.Info("all sessions closed", zap.Int("count", len(sessions)))
}

// forget drops id only if it still maps to o.
func (r *Registry) forget(id string, o *orchestrator.Orchestrator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[id]; ok && current == o {
		delete(r.sessions, id)
	}
}
