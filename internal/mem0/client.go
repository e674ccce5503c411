// Package mem0 is a client for the Mem0 hosted fact-memory API.
package mem0

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"mnemo/internal/memory"
)

const DefaultBaseURL = "https://api.mem0.ai"

type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.client = h }
}

func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		apiKey:  apiKey,
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type addRequest struct {
	Messages []memory.Message `json:"messages"`
	UserID   string           `json:"user_id"`
}

// Add hands messages to Mem0, which extracts and stores facts from them.
func (c *Client) Add(ctx context.Context, userID string, messages []memory.Message) error {
	if len(messages) == 0 {
		return nil
	}
	if err := c.post(ctx, "/v1/memories/", addRequest{Messages: messages, UserID: userID}, nil); err != nil {
		return goerr.Wrap(err, "failed to add memories", goerr.V("user_id", userID))
	}
	return nil
}

type searchRequest struct {
	Query  string `json:"query"`
	UserID string `json:"user_id"`
	Limit  int    `json:"limit,omitempty"`
}

// searchResponse accepts both the bare array and the {"results": [...]}
// shapes the API has returned across versions.
type searchResponse []memory.Fact

func (r *searchResponse) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var facts []memory.Fact
		if err := json.Unmarshal(trimmed, &facts); err != nil {
			return err
		}
		*r = facts
		return nil
	}
	var wrapped struct {
		Results []memory.Fact `json:"results"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return err
	}
	*r = wrapped.Results
	return nil
}

func (c *Client) Search(ctx context.Context, userID, query string, limit int) ([]memory.Fact, error) {
	var resp searchResponse
	if err := c.post(ctx, "/v1/memories/search/", searchRequest{Query: query, UserID: userID, Limit: limit}, &resp); err != nil {
		return nil, goerr.Wrap(err, "failed to search memories", goerr.V("user_id", userID))
	}
	facts := []memory.Fact(resp)
	if limit > 0 && len(facts) > limit {
		facts = facts[:limit]
	}
	return facts, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return goerr.Wrap(err, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Token "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return goerr.Wrap(err, "fact memory request failed", goerr.V("path", path))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return goerr.Wrap(err, "failed to read response", goerr.V("path", path))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(data)
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return goerr.New("fact memory returned error status",
			goerr.V("path", path),
			goerr.V("status", resp.StatusCode),
			goerr.V("body", msg))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return goerr.Wrap(err, "failed to decode response", goerr.V("path", path))
	}
	return nil
}
