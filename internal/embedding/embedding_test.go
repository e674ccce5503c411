package embedding_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/m-mizutani/gt"

	"mnemo/internal/db"
	"mnemo/internal/embedding"
)

type countingProvider struct {
	mu    sync.Mutex
	calls [][]string
	inner embedding.Provider
}

func (p *countingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	p.calls = append(p.calls, append([]string(nil), texts...))
	p.mu.Unlock()
	return p.inner.Embed(ctx, texts)
}

func (p *countingProvider) Model() string   { return p.inner.Model() }
func (p *countingProvider) Dimensions() int { return p.inner.Dimensions() }

func TestCosineSimilarity(t *testing.T) {
	gt.Equal(t, embedding.CosineSimilarity([]float32{1, 0}, []float32{1, 0}), float32(1))
	gt.Equal(t, embedding.CosineSimilarity([]float32{1, 0}, []float32{0, 1}), float32(0))
	gt.Equal(t, embedding.CosineSimilarity([]float32{1, 0}, []float32{1}), float32(0))
	gt.Equal(t, embedding.CosineSimilarity([]float32{0, 0}, []float32{1, 0}), float32(0))
}

func TestBytesRoundTrip(t *testing.T) {
	v := []float32{0.25, -1.5, 3}
	gt.Equal(t, embedding.BytesToFloat32s(embedding.Float32sToBytes(v)), v)
}

func TestHashEmbedder(t *testing.T) {
	ctx := context.Background()
	h := embedding.NewHash(256)
	gt.Equal(t, h.Dimensions(), 256)

	vecs, err := h.Embed(ctx, []string{
		"I love hiking in the mountains",
		"hiking in the mountains is what I love",
		"quarterly tax filing deadline",
	})
	gt.NoError(t, err)
	gt.A(t, vecs).Length(3)

	same := embedding.CosineSimilarity(vecs[0], vecs[1])
	other := embedding.CosineSimilarity(vecs[0], vecs[2])
	gt.True(t, same > 0.75)
	gt.True(t, same > other)

	again, err := h.Embed(ctx, []string{"I love hiking in the mountains"})
	gt.NoError(t, err)
	gt.Equal(t, again[0], vecs[0])
}

func TestHashEmbedderPunctuationOnly(t *testing.T) {
	vecs, err := embedding.NewHash(64).Embed(context.Background(), []string{"???", ""})
	gt.NoError(t, err)
	gt.False(t, embedding.IsZero(vecs[0]))
	gt.True(t, embedding.IsZero(vecs[1]))
}

func TestCachedProviderPersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	database, err := db.Open(filepath.Join(t.TempDir(), "cache.db"))
	gt.NoError(t, err)
	gt.NoError(t, database.Migrate())
	t.Cleanup(func() { database.Close() })

	inner := &countingProvider{inner: embedding.NewHash(32)}
	cached, err := embedding.NewCachedProvider(inner, database, 100)
	gt.NoError(t, err)
	defer cached.Close()

	first, err := cached.Embed(ctx, []string{"alpha", "beta"})
	gt.NoError(t, err)
	gt.A(t, first).Length(2)
	gt.A(t, inner.calls).Length(1)

	second, err := cached.Embed(ctx, []string{"beta", "gamma", "alpha"})
	gt.NoError(t, err)
	gt.Equal(t, second[0], first[1])
	gt.Equal(t, second[2], first[0])
	gt.A(t, inner.calls).Length(2)
	gt.Equal(t, inner.calls[1], []string{"gamma"})

	fresh := &countingProvider{inner: embedding.NewHash(32)}
	reopened, err := embedding.NewCachedProvider(fresh, database, 100)
	gt.NoError(t, err)
	defer reopened.Close()

	third, err := reopened.Embed(ctx, []string{"alpha"})
	gt.NoError(t, err)
	gt.Equal(t, third[0], first[0])
	gt.A(t, fresh.calls).Length(0)
}

func TestCachedProviderWithoutDatabase(t *testing.T) {
	ctx := context.Background()
	inner := &countingProvider{inner: embedding.NewHash(32)}
	cached, err := embedding.NewCachedProvider(inner, nil, 10)
	gt.NoError(t, err)
	defer cached.Close()

	a, err := cached.Embed(ctx, []string{"delta"})
	gt.NoError(t, err)
	b, err := cached.Embed(ctx, []string{"delta"})
	gt.NoError(t, err)
	gt.Equal(t, a, b)
}

func TestOpenAIEmbed(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gt.Equal(t, r.URL.Path, "/embeddings")
		gt.Equal(t, r.Header.Get("Authorization"), "Bearer sk-test")
		gt.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"object": "list",
			"model": "text-embedding-ada-002",
			"data": [
				{"object": "embedding", "index": 1, "embedding": [0.0, 1.0]},
				{"object": "embedding", "index": 0, "embedding": [1.0, 0.0]}
			],
			"usage": {"prompt_tokens": 2, "total_tokens": 2}
		}`))
	}))
	defer srv.Close()

	p := embedding.NewOpenAI(srv.URL+"/", "sk-test", "text-embedding-ada-002", 0)
	vecs, err := p.Embed(context.Background(), []string{"first", "second"})
	gt.NoError(t, err)
	gt.A(t, vecs).Length(2)
	gt.Equal(t, vecs[0], []float32{1, 0})
	gt.Equal(t, vecs[1], []float32{0, 1})
	gt.Equal(t, gotBody["model"], any("text-embedding-ada-002"))
	gt.Equal(t, p.Dimensions(), 1536)
}

func TestOpenAIEmbedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"message": "bad input", "type": "invalid_request_error"}}`))
	}))
	defer srv.Close()

	p := embedding.NewOpenAI(srv.URL+"/", "sk-test", "text-embedding-ada-002", 0)
	_, err := p.Embed(context.Background(), []string{"x"})
	gt.Error(t, err)
}
