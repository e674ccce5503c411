package embedding

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/ristretto"
	"github.com/m-mizutani/goerr/v2"

	"mnemo/internal/db"
)

// CachedProvider fronts a Provider with an in-process ristretto cache and,
// when a database is given, a content-addressed SQLite cache that survives
// restarts. Keys are the SHA-256 of model and text.
type CachedProvider struct {
	inner     Provider
	hot       *ristretto.Cache
	queries   *db.Queries
	cacheSize int
}

func NewCachedProvider(inner Provider, database *db.DB, cacheSize int) (*CachedProvider, error) {
	if cacheSize <= 0 {
		cacheSize = 10000
	}
	hot, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(cacheSize) * 10,
		MaxCost:     int64(cacheSize),
		BufferItems: 64,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create embedding cache")
	}

	c := &CachedProvider{
		inner:     inner,
		hot:       hot,
		cacheSize: cacheSize,
	}
	if database != nil {
		c.queries = db.New(database.Conn())
	}
	return c, nil
}

func (c *CachedProvider) Model() string   { return c.inner.Model() }
func (c *CachedProvider) Dimensions() int { return c.inner.Dimensions() }

func (c *CachedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	model := c.inner.Model()
	results := make([][]float32, len(texts))
	var misses []int

	for i, text := range texts {
		key := contentHash(model, text)
		if v, ok := c.hot.Get(key); ok {
			results[i] = v.([]float32)
			continue
		}
		if vec, ok := c.lookup(ctx, key); ok {
			c.hot.Set(key, vec, 1)
			results[i] = vec
			continue
		}
		misses = append(misses, i)
	}

	if len(misses) == 0 {
		return results, nil
	}

	missTexts := make([]string, len(misses))
	for i, idx := range misses {
		missTexts[i] = texts[idx]
	}

	embeddings, err := c.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(embeddings) != len(misses) {
		return nil, goerr.New("embedding provider returned wrong count", goerr.V("want", len(misses)), goerr.V("got", len(embeddings)))
	}

	for i, idx := range misses {
		results[idx] = embeddings[i]
		key := contentHash(model, texts[idx])
		c.hot.Set(key, embeddings[i], 1)
		c.store(ctx, key, model, embeddings[i])
	}
	c.hot.Wait()

	if c.queries != nil {
		if err := c.queries.PruneEmbeddingCache(ctx, int64(c.cacheSize)); err != nil {
			slog.Debug("embedding cache prune error", "error", err)
		}
	}

	return results, nil
}

// Close releases the in-process cache.
func (c *CachedProvider) Close() {
	c.hot.Close()
}

func (c *CachedProvider) lookup(ctx context.Context, key string) ([]float32, bool) {
	if c.queries == nil {
		return nil, false
	}
	cached, err := c.queries.GetEmbeddingCache(ctx, key)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			slog.Debug("embedding cache lookup error", "error", err)
		}
		return nil, false
	}
	return BytesToFloat32s(cached.Embedding), true
}

func (c *CachedProvider) store(ctx context.Context, key, model string, vec []float32) {
	if c.queries == nil {
		return
	}
	if err := c.queries.UpsertEmbeddingCache(ctx, db.UpsertEmbeddingCacheParams{
		ContentHash: key,
		EmbedModel:  model,
		Embedding:   Float32sToBytes(vec),
	}); err != nil {
		slog.Debug("embedding cache store error", "error", err)
	}
}

func contentHash(model, text string) string {
	h := sha256.Sum256([]byte(model + "\x00" + text))
	return fmt.Sprintf("%x", h)
}
