package memory

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/m-mizutani/goerr/v2"

	"mnemo/internal/db"
	"mnemo/internal/embedding"
)

// SQLiteFacts is the local fact backend. User and system messages are kept
// verbatim as facts and searched with a weighted blend of FTS5 BM25 and
// embedding cosine similarity.
type SQLiteFacts struct {
	conn         *sql.DB
	queries      *db.Queries
	embedder     embedding.Provider // nil = FTS5-only
	vectorWeight float64
	ftsWeight    float64
}

func NewSQLiteFacts(database *db.DB, embedder embedding.Provider) *SQLiteFacts {
	vectorWeight, ftsWeight := 0.7, 0.3
	if embedder == nil {
		vectorWeight, ftsWeight = 0, 1
	}
	return &SQLiteFacts{
		conn:         database.Conn(),
		queries:      db.New(database.Conn()),
		embedder:     embedder,
		vectorWeight: vectorWeight,
		ftsWeight:    ftsWeight,
	}
}

func (s *SQLiteFacts) Add(ctx context.Context, userID string, messages []Message) error {
	for _, msg := range messages {
		if msg.Role == RoleAssistant {
			continue
		}
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}

		var embBytes []byte
		if s.embedder != nil {
			vecs, err := s.embedder.Embed(ctx, []string{content})
			if err != nil {
				slog.Debug("fact embedding failed, storing without vector", "user_id", userID, "error", err)
			} else if len(vecs) > 0 {
				embBytes = embedding.Float32sToBytes(vecs[0])
			}
		}

		if _, err := s.queries.InsertFact(ctx, db.InsertFactParams{
			UserID:      userID,
			Content:     content,
			ContentHash: fmt.Sprintf("%x", sha256.Sum256([]byte(content))),
			Embedding:   embBytes,
		}); err != nil {
			return goerr.Wrap(err, "failed to insert fact", goerr.V("user_id", userID))
		}
	}
	return nil
}

func (s *SQLiteFacts) Search(ctx context.Context, userID, query string, limit int) ([]Fact, error) {
	if limit <= 0 {
		limit = 5
	}

	type scored struct {
		id      int64
		content string
		fts     float64
		vec     float64
	}
	merged := make(map[int64]*scored)

	ftsHits, err := s.ftsSearch(ctx, userID, query)
	if err != nil {
		return nil, goerr.Wrap(err, "fact keyword search failed", goerr.V("user_id", userID))
	}
	for _, h := range ftsHits {
		merged[h.id] = &scored{id: h.id, content: h.content, fts: h.score}
	}

	if s.embedder != nil {
		vecHits, err := s.vectorSearch(ctx, userID, query)
		if err != nil {
			return nil, goerr.Wrap(err, "fact vector search failed", goerr.V("user_id", userID))
		}
		for _, h := range vecHits {
			if m, ok := merged[h.id]; ok {
				m.vec = h.score
			} else {
				merged[h.id] = &scored{id: h.id, content: h.content, vec: h.score}
			}
		}
	}

	all := make([]*scored, 0, len(merged))
	for _, m := range merged {
		all = append(all, m)
	}
	final := func(m *scored) float64 { return s.vectorWeight*m.vec + s.ftsWeight*m.fts }
	sort.Slice(all, func(i, j int) bool {
		si, sj := final(all[i]), final(all[j])
		if si != sj {
			return si > sj
		}
		return all[i].id > all[j].id
	})
	if len(all) > limit {
		all = all[:limit]
	}

	facts := make([]Fact, 0, len(all))
	for _, m := range all {
		facts = append(facts, Fact{
			ID:     fmt.Sprintf("%d", m.id),
			Memory: m.content,
			Score:  score(final(m)),
		})
	}
	return facts, nil
}

type hit struct {
	id      int64
	content string
	score   float64
}

// ftsSearch ORs the query terms and normalizes BM25 into [0, 1].
func (s *SQLiteFacts) ftsSearch(ctx context.Context, userID, query string) ([]hit, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}

	const q = `
		SELECT f.id, f.content, bm25(facts_fts) AS rank
		FROM facts_fts
		JOIN facts f ON f.id = facts_fts.rowid
		WHERE facts_fts MATCH ? AND f.user_id = ?
		ORDER BY rank
		LIMIT 50
	`
	rows, err := s.conn.QueryContext(ctx, q, match, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []hit
	var minRank, maxRank float64
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.id, &h.content, &h.score); err != nil {
			return nil, err
		}
		// BM25 is negative, more negative is better.
		h.score = -h.score
		if len(hits) == 0 || h.score < minRank {
			minRank = h.score
		}
		if len(hits) == 0 || h.score > maxRank {
			maxRank = h.score
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	span := maxRank - minRank
	for i := range hits {
		if span > 0 {
			hits[i].score = (hits[i].score - minRank) / span
		} else {
			hits[i].score = 1
		}
	}
	return hits, nil
}

func (s *SQLiteFacts) vectorSearch(ctx context.Context, userID, query string) ([]hit, error) {
	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, nil
	}

	facts, err := s.queries.GetFactsWithEmbedding(ctx, userID)
	if err != nil {
		return nil, err
	}

	var hits []hit
	for _, f := range facts {
		sim := embedding.CosineSimilarity(vecs[0], embedding.BytesToFloat32s(f.Embedding))
		if sim > 0 {
			hits = append(hits, hit{id: f.ID, content: f.Content, score: float64(sim)})
		}
	}
	return hits, nil
}

// ftsQuery quotes each term so FTS5 operators and punctuation in user text
// are matched literally, and ORs them together.
func ftsQuery(query string) string {
	terms := strings.Fields(query)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(terms, " OR ")
}
