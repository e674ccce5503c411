// Package history keeps a durable transcript of completed turns in SQLite.
// The recent-turn buffer is in memory; the transcript survives restarts.
package history

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"mnemo/internal/db"
)

type Entry struct {
	TurnID      string    `json:"turn_id"`
	UserID      string    `json:"user_id"`
	Utterance   string    `json:"utterance"`
	Reply       string    `json:"reply"`
	Intent      string    `json:"intent"`
	Persistence string    `json:"persistence"`
	CreatedAt   time.Time `json:"created_at"`
}

type Store struct {
	q   *db.Queries
	now func() time.Time
}

func NewStore(database *db.DB) *Store {
	return &Store{q: db.New(database.Conn()), now: time.Now}
}

// SaveTurn records one completed turn. CreatedAt defaults to now.
func (s *Store) SaveTurn(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	err := s.q.InsertTurn(ctx, db.InsertTurnParams{
		ID:          e.TurnID,
		UserID:      e.UserID,
		Utterance:   e.Utterance,
		Reply:       e.Reply,
		Intent:      e.Intent,
		Persistence: e.Persistence,
		CreatedAt:   e.CreatedAt.UnixNano(),
	})
	if err != nil {
		return goerr.Wrap(err, "failed to save turn", goerr.V("user_id", e.UserID), goerr.V("turn_id", e.TurnID))
	}
	return nil
}

// Transcript returns the user's latest limit turns, oldest first.
func (s *Store) Transcript(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.q.GetTurnsByUser(ctx, userID, int64(limit))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load transcript", goerr.V("user_id", userID))
	}

	entries := make([]Entry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, Entry{
			TurnID:      r.ID,
			UserID:      r.UserID,
			Utterance:   r.Utterance,
			Reply:       r.Reply,
			Intent:      r.Intent,
			Persistence: r.Persistence,
			CreatedAt:   time.Unix(0, r.CreatedAt).UTC(),
		})
	}
	return entries, nil
}
