// Package session owns per-user conversational state: one Session per user
// id, created on first contact, with a bounded recent-turn buffer.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"mnemo/internal/logger"
	"mnemo/internal/memory"
	"mnemo/internal/observability"
)

// Backend is what the registry needs from the memory stores. Provision is
// only ever called by the registry.
type Backend interface {
	Provision(ctx context.Context, userID string) error
	// Introduce records who the user is: their identity utterance and any
	// seed facts.
	Introduce(ctx context.Context, userID, name string, facts []string) error
}

type Registry struct {
	backend  Backend
	capacity int
	metrics  *observability.Metrics
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	// Turn slots outlive Clear so a turn still running on a dropped session
	// keeps excluding new turns for the same user.
	turns map[string]chan struct{}
}

type Option func(*Registry)

func WithCapacity(n int) Option {
	return func(r *Registry) { r.capacity = n }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(backend Backend, opts ...Option) *Registry {
	r := &Registry{
		backend:  backend,
		capacity: DefaultCapacity,
		now:      time.Now,
		sessions: make(map[string]*Session),
		turns:    make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the user's session, creating it on first contact. It
// never fails: when provisioning the user's backend resources fails the
// error is logged and retried on the next call.
func (r *Registry) GetOrCreate(ctx context.Context, userID string) *Session {
	r.mu.Lock()
	s, ok := r.sessions[userID]
	if !ok {
		slot, ok := r.turns[userID]
		if !ok {
			slot = make(chan struct{}, 1)
			r.turns[userID] = slot
		}
		s = newSession(userID, r.capacity, r.now().UTC(), slot)
		r.sessions[userID] = s
		r.metrics.SetActiveSessions(len(r.sessions))
	}
	r.mu.Unlock()

	if err := s.provision(ctx, r.backend); err != nil {
		logger.From(ctx).Warn("failed to provision user memory",
			slog.String("user_id", userID),
			slog.Any("error", err),
		)
		r.metrics.BackendError("semantic", "provision")
	}
	return s
}

// Get returns an existing session without creating one.
func (r *Registry) Get(userID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID]
	return s, ok
}

// Initialize registers the user, records their identity in the stores and
// appends a system turn describing them. Any store failure is returned.
func (r *Registry) Initialize(ctx context.Context, userID, name string, facts []string) (*Session, error) {
	s := r.GetOrCreate(ctx, userID)
	if err := s.provision(ctx, r.backend); err != nil {
		return nil, goerr.Wrap(err, "failed to provision user memory", goerr.V("user_id", userID))
	}
	if err := r.backend.Introduce(ctx, userID, name, facts); err != nil {
		return nil, goerr.Wrap(err, "failed to initialize user memory", goerr.V("user_id", userID))
	}

	s.Append(Turn{
		Role:      memory.RoleSystem,
		Content:   fmt.Sprintf("The user is %s (id %s).", name, userID),
		Timestamp: r.now().UTC(),
	})
	logger.From(ctx).Info("session initialized", slog.String("user_id", userID), slog.String("name", name))
	return s, nil
}

// Recent returns the newest turns for userID, or nil for an unknown user.
func (r *Registry) Recent(userID string, limit int) []Turn {
	s, ok := r.Get(userID)
	if !ok {
		return nil
	}
	return s.Recent(limit)
}

// Clear drops every session. Turns already in flight keep their user's turn
// slot until they finish.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = make(map[string]*Session)
	r.metrics.SetActiveSessions(0)
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
