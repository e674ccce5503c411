package vectorstore

import (
	"context"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	chromem "github.com/philippgille/chromem-go"
)

// Chromem is the embedded backend. With a path it persists to disk.
type Chromem struct {
	db          *chromem.DB
	collections map[string]*chromem.Collection
	mu          sync.RWMutex
}

func NewChromem(path string, compress bool) (*Chromem, error) {
	var (
		db  *chromem.DB
		err error
	)
	if path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(path, compress)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to open vector database", goerr.V("path", path))
		}
	}
	return &Chromem{
		db:          db,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func (s *Chromem) EnsureCollection(_ context.Context, name string) error {
	_, err := s.collection(name)
	return err
}

// lookup returns nil when the collection does not exist.
func (s *Chromem) lookup(name string) *chromem.Collection {
	s.mu.RLock()
	col, ok := s.collections[name]
	s.mu.RUnlock()
	if ok {
		return col
	}

	col = s.db.GetCollection(name, nil)
	if col == nil {
		return nil
	}
	s.mu.Lock()
	s.collections[name] = col
	s.mu.Unlock()
	return col
}

func (s *Chromem) collection(name string) (*chromem.Collection, error) {
	s.mu.RLock()
	col, ok := s.collections[name]
	s.mu.RUnlock()
	if ok {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[name]; ok {
		return col, nil
	}

	// Embeddings are always supplied by the caller, so no embedding func.
	col, err := s.db.GetOrCreateCollection(name, nil, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create collection", goerr.V("collection", name))
	}
	s.collections[name] = col
	return col, nil
}

func (s *Chromem) Upsert(ctx context.Context, collection string, doc Document) error {
	col := s.lookup(collection)
	if col == nil {
		return goerr.Wrap(ErrCollectionNotFound, "failed to add document", goerr.V("collection", collection))
	}
	if err := col.AddDocument(ctx, chromem.Document{
		ID:        doc.ID,
		Content:   doc.Content,
		Embedding: doc.Embedding,
		Metadata:  doc.Metadata,
	}); err != nil {
		return goerr.Wrap(err, "failed to add document", goerr.V("collection", collection), goerr.V("id", doc.ID))
	}
	return nil
}

func (s *Chromem) Query(ctx context.Context, collection string, embedding []float32, n int) ([]Match, error) {
	col := s.lookup(collection)
	if col == nil {
		return nil, nil
	}

	// chromem rejects nResults larger than the collection.
	if count := col.Count(); n > count {
		n = count
	}
	if n <= 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, embedding, n, nil, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "vector query failed", goerr.V("collection", collection))
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, Match{
			ID:         r.ID,
			Content:    r.Content,
			Similarity: r.Similarity,
			Metadata:   r.Metadata,
		})
	}
	return matches, nil
}

func (s *Chromem) Close() error {
	return nil
}
