// Package memory holds the two long-term memory backends a turn reads from
// and writes to: per-user semantic recall over raw utterances, and durable
// facts about a user.
package memory

import (
	"context"
	"math"
)

type Source string

const (
	SourceSemantic Source = "semantic"
	SourceFact     Source = "fact"
)

// Record is one retrieved context item. Score is nil when the backend does
// not report one.
type Record struct {
	Source Source   `json:"source"`
	Text   string   `json:"text"`
	Score  *float64 `json:"score,omitempty"`
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is the unit handed to a fact store for extraction.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Fact is one fact store search hit.
type Fact struct {
	ID       string         `json:"id,omitempty"`
	Memory   string         `json:"memory"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Score    *float64       `json:"score,omitempty"`
}

// FactStore is the contract every fact backend satisfies. Search returns hits
// in the backend's own ranking order.
type FactStore interface {
	Add(ctx context.Context, userID string, messages []Message) error
	Search(ctx context.Context, userID, query string, limit int) ([]Fact, error)
}

// Records converts fact hits into context records, dropping empty ones.
func Records(facts []Fact) []Record {
	out := make([]Record, 0, len(facts))
	for _, f := range facts {
		if f.Memory == "" {
			continue
		}
		out = append(out, Record{Source: SourceFact, Text: f.Memory, Score: f.Score})
	}
	return out
}

// score returns nil for values JSON cannot encode.
func score(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
