package db

import (
	"context"
	"database/sql"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

type EmbeddingCache struct {
	ContentHash string
	EmbedModel  string
	Embedding   []byte
}

const getEmbeddingCache = `
UPDATE embedding_cache SET accessed_at = CURRENT_TIMESTAMP
WHERE content_hash = ?
RETURNING content_hash, embed_model, embedding
`

func (q *Queries) GetEmbeddingCache(ctx context.Context, contentHash string) (EmbeddingCache, error) {
	row := q.db.QueryRowContext(ctx, getEmbeddingCache, contentHash)
	var i EmbeddingCache
	err := row.Scan(&i.ContentHash, &i.EmbedModel, &i.Embedding)
	return i, err
}

const upsertEmbeddingCache = `
INSERT INTO embedding_cache (content_hash, embed_model, embedding)
VALUES (?, ?, ?)
ON CONFLICT (content_hash) DO UPDATE SET
    embed_model = excluded.embed_model,
    embedding = excluded.embedding,
    accessed_at = CURRENT_TIMESTAMP
`

type UpsertEmbeddingCacheParams struct {
	ContentHash string
	EmbedModel  string
	Embedding   []byte
}

func (q *Queries) UpsertEmbeddingCache(ctx context.Context, arg UpsertEmbeddingCacheParams) error {
	_, err := q.db.ExecContext(ctx, upsertEmbeddingCache, arg.ContentHash, arg.EmbedModel, arg.Embedding)
	return err
}

const pruneEmbeddingCache = `
DELETE FROM embedding_cache
WHERE content_hash NOT IN (
    SELECT content_hash FROM embedding_cache ORDER BY accessed_at DESC LIMIT ?
)
`

func (q *Queries) PruneEmbeddingCache(ctx context.Context, limit int64) error {
	_, err := q.db.ExecContext(ctx, pruneEmbeddingCache, limit)
	return err
}

const countEmbeddingCache = `SELECT COUNT(*) FROM embedding_cache`

func (q *Queries) CountEmbeddingCache(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, countEmbeddingCache).Scan(&n)
	return n, err
}

type Fact struct {
	ID          int64
	UserID      string
	Content     string
	ContentHash string
	Embedding   []byte
}

const insertFact = `
INSERT INTO facts (user_id, content, content_hash, embedding)
VALUES (?, ?, ?, ?)
ON CONFLICT (user_id, content_hash) DO NOTHING
`

type InsertFactParams struct {
	UserID      string
	Content     string
	ContentHash string
	Embedding   []byte
}

// InsertFact stores a fact. Duplicate content for the same user is ignored and
// reported as (0, nil).
func (q *Queries) InsertFact(ctx context.Context, arg InsertFactParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, insertFact, arg.UserID, arg.Content, arg.ContentHash, arg.Embedding)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return 0, err
	}
	return res.LastInsertId()
}

const getFactsWithEmbedding = `
SELECT id, user_id, content, content_hash, embedding
FROM facts
WHERE user_id = ? AND embedding IS NOT NULL
`

func (q *Queries) GetFactsWithEmbedding(ctx context.Context, userID string) ([]Fact, error) {
	rows, err := q.db.QueryContext(ctx, getFactsWithEmbedding, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Fact
	for rows.Next() {
		var i Fact
		if err := rows.Scan(&i.ID, &i.UserID, &i.Content, &i.ContentHash, &i.Embedding); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const countFacts = `SELECT COUNT(*) FROM facts WHERE user_id = ?`

func (q *Queries) CountFacts(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, countFacts, userID).Scan(&n)
	return n, err
}

type Turn struct {
	ID          string
	UserID      string
	Utterance   string
	Reply       string
	Intent      string
	Persistence string
	CreatedAt   int64
}

const insertTurn = `
INSERT INTO turns (id, user_id, utterance, reply, intent, persistence, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`

type InsertTurnParams struct {
	ID          string
	UserID      string
	Utterance   string
	Reply       string
	Intent      string
	Persistence string
	CreatedAt   int64
}

func (q *Queries) InsertTurn(ctx context.Context, arg InsertTurnParams) error {
	_, err := q.db.ExecContext(ctx, insertTurn,
		arg.ID, arg.UserID, arg.Utterance, arg.Reply, arg.Intent, arg.Persistence, arg.CreatedAt,
	)
	return err
}

const getTurnsByUser = `
SELECT id, user_id, utterance, reply, intent, persistence, created_at FROM (
    SELECT * FROM turns WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?
) ORDER BY created_at ASC
`

// GetTurnsByUser returns the user's latest turns, oldest first.
func (q *Queries) GetTurnsByUser(ctx context.Context, userID string, limit int64) ([]Turn, error) {
	rows, err := q.db.QueryContext(ctx, getTurnsByUser, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Turn
	for rows.Next() {
		var i Turn
		if err := rows.Scan(&i.ID, &i.UserID, &i.Utterance, &i.Reply, &i.Intent, &i.Persistence, &i.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
