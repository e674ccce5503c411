// Package vectorstore holds the per-user semantic collections. Two backends
// exist: an embedded chromem-go database and a remote Chroma server.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
)

// ErrCollectionNotFound is returned by Upsert for a collection that
// EnsureCollection never created.
var ErrCollectionNotFound = errors.New("collection not found")

// Document is one stored utterance with its embedding.
type Document struct {
	ID        string
	Content   string
	Embedding []float32
	Metadata  map[string]string
}

// Match is a query hit. Similarity is in [-1, 1], higher is closer.
type Match struct {
	ID         string
	Content    string
	Similarity float32
	Metadata   map[string]string
}

// Store only creates collections in EnsureCollection. Upsert and Query look
// collections up and never create them.
type Store interface {
	// EnsureCollection is idempotent.
	EnsureCollection(ctx context.Context, name string) error
	Upsert(ctx context.Context, collection string, doc Document) error
	// Query returns at most n matches, closest first. An empty or missing
	// collection yields no matches and no error.
	Query(ctx context.Context, collection string, embedding []float32, n int) ([]Match, error)
	Close() error
}

// CollectionName is the per-user collection naming scheme.
func CollectionName(userID string) string {
	return fmt.Sprintf("user_%s_inputs", userID)
}
