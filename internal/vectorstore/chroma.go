package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Chroma talks to a Chroma server over its v1 REST API.
type Chroma struct {
	baseURL string
	client  *http.Client

	mu  sync.RWMutex
	ids map[string]string // collection name -> server id
}

type ChromaOption func(*Chroma)

func WithHTTPClient(c *http.Client) ChromaOption {
	return func(ch *Chroma) { ch.client = c }
}

func NewChroma(baseURL string, opts ...ChromaOption) *Chroma {
	c := &Chroma{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		ids: make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chromaCollection struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (c *Chroma) EnsureCollection(ctx context.Context, name string) error {
	_, err := c.collectionID(ctx, name)
	return err
}

var errNotFoundStatus = errors.New("not found")

// lookupID resolves an existing collection without creating it.
func (c *Chroma) lookupID(ctx context.Context, name string) (string, error) {
	c.mu.RLock()
	id, ok := c.ids[name]
	c.mu.RUnlock()
	if ok {
		return id, nil
	}

	var col chromaCollection
	if err := c.do(ctx, http.MethodGet, "/api/v1/collections/"+url.PathEscape(name), nil, &col); err != nil {
		if errors.Is(err, errNotFoundStatus) {
			return "", goerr.Wrap(ErrCollectionNotFound, "collection lookup failed", goerr.V("collection", name))
		}
		return "", goerr.Wrap(err, "collection lookup failed", goerr.V("collection", name))
	}
	if col.ID == "" {
		return "", goerr.New("collection response has no id", goerr.V("collection", name))
	}

	c.mu.Lock()
	c.ids[name] = col.ID
	c.mu.Unlock()
	return col.ID, nil
}

func (c *Chroma) collectionID(ctx context.Context, name string) (string, error) {
	c.mu.RLock()
	id, ok := c.ids[name]
	c.mu.RUnlock()
	if ok {
		return id, nil
	}

	var col chromaCollection
	if err := c.post(ctx, "/api/v1/collections", map[string]any{
		"name":          name,
		"get_or_create": true,
	}, &col); err != nil {
		return "", goerr.Wrap(err, "failed to get or create collection", goerr.V("collection", name))
	}
	if col.ID == "" {
		return "", goerr.New("collection response has no id", goerr.V("collection", name))
	}

	c.mu.Lock()
	c.ids[name] = col.ID
	c.mu.Unlock()
	return col.ID, nil
}

func (c *Chroma) Upsert(ctx context.Context, collection string, doc Document) error {
	id, err := c.lookupID(ctx, collection)
	if err != nil {
		return err
	}

	metadata := make(map[string]any, len(doc.Metadata))
	for k, v := range doc.Metadata {
		metadata[k] = v
	}
	body := map[string]any{
		"ids":        []string{doc.ID},
		"embeddings": [][]float32{doc.Embedding},
		"documents":  []string{doc.Content},
		"metadatas":  []map[string]any{metadata},
	}
	if err := c.post(ctx, "/api/v1/collections/"+id+"/upsert", body, nil); err != nil {
		return goerr.Wrap(err, "failed to upsert document", goerr.V("collection", collection), goerr.V("id", doc.ID))
	}
	return nil
}

type chromaQueryResponse struct {
	IDs       [][]string         `json:"ids"`
	Documents [][]*string        `json:"documents"`
	Distances [][]float32        `json:"distances"`
	Metadatas [][]map[string]any `json:"metadatas"`
}

func (c *Chroma) Query(ctx context.Context, collection string, embedding []float32, n int) ([]Match, error) {
	if n <= 0 {
		return nil, nil
	}
	id, err := c.lookupID(ctx, collection)
	if errors.Is(err, ErrCollectionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var resp chromaQueryResponse
	if err := c.post(ctx, "/api/v1/collections/"+id+"/query", map[string]any{
		"query_embeddings": [][]float32{embedding},
		"n_results":        n,
		"include":          []string{"documents", "distances", "metadatas"},
	}, &resp); err != nil {
		return nil, goerr.Wrap(err, "vector query failed", goerr.V("collection", collection))
	}

	if len(resp.IDs) == 0 {
		return nil, nil
	}
	matches := make([]Match, 0, len(resp.IDs[0]))
	for i, docID := range resp.IDs[0] {
		m := Match{ID: docID}
		if len(resp.Documents) > 0 && i < len(resp.Documents[0]) && resp.Documents[0][i] != nil {
			m.Content = *resp.Documents[0][i]
		}
		if len(resp.Distances) > 0 && i < len(resp.Distances[0]) {
			// Chroma's default space is squared L2 over unit vectors: d = 2 - 2cos.
			m.Similarity = 1 - resp.Distances[0][i]/2
		}
		if len(resp.Metadatas) > 0 && i < len(resp.Metadatas[0]) {
			m.Metadata = stringify(resp.Metadatas[0][i])
		}
		if m.Content == "" {
			continue
		}
		matches = append(matches, m)
	}
	return matches, nil
}

func (c *Chroma) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *Chroma) post(ctx context.Context, path string, in, out any) error {
	return c.do(ctx, http.MethodPost, path, in, out)
}

func (c *Chroma) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return goerr.Wrap(err, "failed to marshal request")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return goerr.Wrap(err, "failed to build request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return goerr.Wrap(err, "vector store request failed", goerr.V("path", path))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return goerr.Wrap(err, "failed to read response", goerr.V("path", path))
	}
	if resp.StatusCode == http.StatusNotFound {
		return goerr.Wrap(errNotFoundStatus, "vector store returned not found", goerr.V("path", path))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return goerr.New("vector store returned error status",
			goerr.V("path", path),
			goerr.V("status", resp.StatusCode),
			goerr.V("body", truncate(string(data), 512)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return goerr.Wrap(err, "failed to decode response", goerr.V("path", path))
	}
	return nil
}

func stringify(m map[string]any) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case string:
			out[k] = t
		default:
			out[k] = fmt.Sprint(t)
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
