package session

import (
	"context"
	"sync"
	"time"

	"mnemo/internal/memory"
)

const (
	DefaultRecentLimit = 5
	DefaultCapacity    = 50
)

// Turn is immutable once appended.
type Turn struct {
	Role      memory.Role `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// Session is one user's state: the recent-turn buffer and the lock that
// keeps that user's turns strictly sequential.
type Session struct {
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`

	capacity int

	mu    sync.RWMutex
	turns []Turn

	// Capacity 1, shared by every session the registry creates for this
	// user: holding the token means owning the user's in-flight turn.
	turn chan struct{}

	provMu      sync.Mutex
	provisioned bool
}

func newSession(userID string, capacity int, now time.Time, turn chan struct{}) *Session {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Session{
		UserID:    userID,
		CreatedAt: now,
		capacity:  capacity,
		turn:      turn,
	}
}

// Append adds turns as one unit, evicting the oldest entries beyond capacity.
// Readers see either none or all of the given turns.
func (s *Session) Append(turns ...Turn) {
	if len(turns) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, turns...)
	if over := len(s.turns) - s.capacity; over > 0 {
		s.turns = append([]Turn(nil), s.turns[over:]...)
	}
}

// Recent returns up to limit of the newest turns in chronological order.
// limit <= 0 means DefaultRecentLimit.
func (s *Session) Recent(limit int) []Turn {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := len(s.turns) - limit
	if start < 0 {
		start = 0
	}
	out := make([]Turn, len(s.turns)-start)
	copy(out, s.turns[start:])
	return out
}

func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// Lock waits for the user's turn slot. The returned func releases it.
func (s *Session) Lock(ctx context.Context) (func(), error) {
	select {
	case s.turn <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-s.turn }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Provisioned reports whether the user's backend resources exist.
func (s *Session) Provisioned() bool {
	s.provMu.Lock()
	defer s.provMu.Unlock()
	return s.provisioned
}

func (s *Session) provision(ctx context.Context, b Backend) error {
	s.provMu.Lock()
	defer s.provMu.Unlock()
	if s.provisioned {
		return nil
	}
	if err := b.Provision(ctx, s.UserID); err != nil {
		return err
	}
	s.provisioned = true
	return nil
}
