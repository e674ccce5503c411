package agent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"mnemo/internal/logger"
	"mnemo/internal/memory"
	"mnemo/internal/observability"
	"mnemo/internal/trace"
)

const (
	DefaultTopK      = 5
	DefaultFactLimit = 10
)

// SemanticMemory is the per-user utterance store the pipeline reads and
// writes. memory.SemanticMemory implements it.
type SemanticMemory interface {
	Similar(ctx context.Context, userID, query string, k int) ([]memory.Record, error)
	Remember(ctx context.Context, userID, text string) (string, error)
}

// RetrievalResult holds semantic records first, then fact records, each in
// its backend's order. Records is never nil.
type RetrievalResult struct {
	Query   string          `json:"query"`
	Records []memory.Record `json:"records"`
}

// Retriever queries both backends concurrently. A failing or slow backend
// contributes nothing; the other's records are still returned.
type Retriever struct {
	semantic  SemanticMemory
	facts     memory.FactStore
	topK      int
	factLimit int
	timeout   time.Duration
	metrics   *observability.Metrics
}

func NewRetriever(semantic SemanticMemory, facts memory.FactStore, topK, factLimit int, timeout time.Duration, metrics *observability.Metrics) *Retriever {
	if topK <= 0 {
		topK = DefaultTopK
	}
	if factLimit <= 0 {
		factLimit = DefaultFactLimit
	}
	return &Retriever{
		semantic:  semantic,
		facts:     facts,
		topK:      topK,
		factLimit: factLimit,
		timeout:   timeout,
		metrics:   metrics,
	}
}

func (r *Retriever) Retrieve(ctx context.Context, userID, query string) RetrievalResult {
	result := RetrievalResult{Query: query, Records: []memory.Record{}}
	if strings.TrimSpace(query) == "" {
		return result
	}

	ctx, span := trace.Start(ctx, "agent."+stageRetrieve, attribute.String("mnemo.query", query))
	defer span.End()
	start := time.Now()

	var semantic, facts []memory.Record
	var g errgroup.Group
	g.Go(func() error {
		semantic = r.searchSemantic(ctx, userID, query)
		return nil
	})
	g.Go(func() error {
		facts = r.searchFacts(ctx, userID, query)
		return nil
	})
	_ = g.Wait()

	result.Records = append(result.Records, semantic...)
	result.Records = append(result.Records, facts...)

	r.metrics.ObserveStage(stageRetrieve, time.Since(start))
	span.SetAttributes(
		attribute.Int("mnemo.records.semantic", len(semantic)),
		attribute.Int("mnemo.records.fact", len(facts)),
	)
	logger.From(ctx).Debug("retrieval complete",
		slog.String("query", query),
		slog.Int("semantic", len(semantic)),
		slog.Int("facts", len(facts)),
	)
	return result
}

func (r *Retriever) searchSemantic(ctx context.Context, userID, query string) []memory.Record {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	records, err := r.semantic.Similar(ctx, userID, query, r.topK)
	if err != nil {
		logger.From(ctx).Warn("semantic search failed",
			slog.String("op", "semantic.query"),
			slog.String("user_id", userID),
			slog.Any("error", err),
		)
		r.metrics.BackendError("semantic", "query")
		return nil
	}
	if len(records) > r.topK {
		records = records[:r.topK]
	}
	return records
}

func (r *Retriever) searchFacts(ctx context.Context, userID, query string) []memory.Record {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	facts, err := r.facts.Search(ctx, userID, query, r.factLimit)
	if err != nil {
		logger.From(ctx).Warn("fact search failed",
			slog.String("op", "fact.search"),
			slog.String("user_id", userID),
			slog.Any("error", err),
		)
		r.metrics.BackendError("fact", "search")
		return nil
	}
	return memory.Records(facts)
}
