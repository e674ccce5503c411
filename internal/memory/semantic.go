package memory

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"mnemo/internal/embedding"
	"mnemo/internal/vectorstore"
)

// SemanticMemory stores raw utterances in one vector collection per user and
// recalls the closest ones for a query.
type SemanticMemory struct {
	store    vectorstore.Store
	embedder embedding.Provider

	mu     sync.Mutex
	lastID int64
	now    func() time.Time
}

func NewSemanticMemory(store vectorstore.Store, embedder embedding.Provider) *SemanticMemory {
	return &SemanticMemory{store: store, embedder: embedder, now: time.Now}
}

// Provision creates the user's collection if it does not exist yet.
func (m *SemanticMemory) Provision(ctx context.Context, userID string) error {
	if err := m.store.EnsureCollection(ctx, vectorstore.CollectionName(userID)); err != nil {
		return goerr.Wrap(err, "failed to provision semantic collection", goerr.V("user_id", userID))
	}
	return nil
}

// Remember embeds text and stores it under a timestamp-derived id with the
// user id and timestamp as metadata. It returns the id.
func (m *SemanticMemory) Remember(ctx context.Context, userID, text string) (string, error) {
	vecs, err := m.embedder.Embed(ctx, []string{text})
	if err != nil {
		return "", goerr.Wrap(err, "failed to embed utterance", goerr.V("user_id", userID))
	}
	if len(vecs) == 0 || embedding.IsZero(vecs[0]) {
		return "", goerr.New("embedding provider returned no vector", goerr.V("user_id", userID))
	}

	ts := m.nextID()
	id := strconv.FormatInt(ts, 10)
	doc := vectorstore.Document{
		ID:        id,
		Content:   text,
		Embedding: vecs[0],
		Metadata: map[string]string{
			"userId":    userID,
			"timestamp": strconv.FormatInt(ts/int64(time.Millisecond), 10),
		},
	}
	if err := m.store.Upsert(ctx, vectorstore.CollectionName(userID), doc); err != nil {
		return "", goerr.Wrap(err, "failed to store utterance", goerr.V("user_id", userID))
	}
	return id, nil
}

// Similar returns up to k stored utterances closest to query, closest first.
func (m *SemanticMemory) Similar(ctx context.Context, userID, query string, k int) ([]Record, error) {
	vecs, err := m.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed query", goerr.V("user_id", userID))
	}
	if len(vecs) == 0 || embedding.IsZero(vecs[0]) {
		return nil, nil
	}

	matches, err := m.store.Query(ctx, vectorstore.CollectionName(userID), vecs[0], k)
	if err != nil {
		return nil, goerr.Wrap(err, "semantic query failed", goerr.V("user_id", userID))
	}

	records := make([]Record, 0, len(matches))
	for _, match := range matches {
		sim := float64(match.Similarity)
		if match.Content == "" || math.IsNaN(sim) || math.IsInf(sim, 0) {
			continue
		}
		records = append(records, Record{
			Source: SourceSemantic,
			Text:   match.Content,
			Score:  score(sim),
		})
	}
	return records, nil
}

// nextID yields strictly increasing nanosecond timestamps so two writes in
// the same clock tick never collide.
func (m *SemanticMemory) nextID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.now().UnixNano()
	if ts <= m.lastID {
		ts = m.lastID + 1
	}
	m.lastID = ts
	return ts
}
