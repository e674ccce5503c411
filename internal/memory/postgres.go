package memory

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/m-mizutani/goerr/v2"
)

// PostgresFacts keeps facts in PostgreSQL and ranks them with the built-in
// full-text search.
type PostgresFacts struct {
	pool *pgxpool.Pool
}

func NewPostgresFacts(ctx context.Context, dsn string) (*PostgresFacts, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to connect postgres")
	}

	if err := initFactSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresFacts{pool: pool}, nil
}

func initFactSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS user_facts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (user_id, content)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_user_facts_fts ON user_facts USING GIN (to_tsvector('english', content));`,
		`CREATE INDEX IF NOT EXISTS idx_user_facts_user ON user_facts (user_id, created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return goerr.Wrap(err, "failed to init fact schema", goerr.V("stmt", stmt))
		}
	}
	return nil
}

func (s *PostgresFacts) Add(ctx context.Context, userID string, messages []Message) error {
	for _, msg := range messages {
		if msg.Role == RoleAssistant {
			continue
		}
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		_, err := s.pool.Exec(ctx,
			`INSERT INTO user_facts (id, user_id, role, content, created_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (user_id, content) DO NOTHING`,
			uuid.NewString(),
			userID,
			string(msg.Role),
			content,
			time.Now().UTC(),
		)
		if err != nil {
			return goerr.Wrap(err, "failed to insert fact", goerr.V("user_id", userID))
		}
	}
	return nil
}

func (s *PostgresFacts) Search(ctx context.Context, userID, query string, limit int) ([]Fact, error) {
	if limit <= 0 {
		limit = 5
	}

	// websearch_to_tsquery tolerates arbitrary user text; OR-ing the lexemes
	// keeps partial matches.
	rows, err := s.pool.Query(ctx,
		`WITH q AS (
			SELECT replace(websearch_to_tsquery('english', $2)::text, '&', '|')::tsquery AS query
		)
		SELECT f.id, f.content, f.role, ts_rank(to_tsvector('english', f.content), q.query) AS rank
		FROM user_facts f, q
		WHERE f.user_id = $1 AND to_tsvector('english', f.content) @@ q.query
		ORDER BY rank DESC, f.created_at DESC
		LIMIT $3`,
		userID,
		query,
		limit,
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to search facts", goerr.V("user_id", userID))
	}
	defer rows.Close()

	facts := make([]Fact, 0, limit)
	for rows.Next() {
		var (
			f    Fact
			role string
			rank float32
		)
		if err := rows.Scan(&f.ID, &f.Memory, &role, &rank); err != nil {
			return nil, goerr.Wrap(err, "failed to scan fact row")
		}
		f.Metadata = map[string]any{"role": role}
		f.Score = score(float64(rank))
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate fact rows")
	}
	return facts, nil
}

func (s *PostgresFacts) Close() error {
	s.pool.Close()
	return nil
}
