package agent

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"mnemo/internal/llm"
	"mnemo/internal/observability"
	"mnemo/internal/trace"
)

const (
	stageIntent      = "intent"
	stageQuery       = "query"
	stageRetrieve    = "retrieve"
	stageRespond     = "respond"
	stagePersistence = "persistence"
	stagePersist     = "persist"
)

// completion is the bounded, traced, timed completion call every stage
// makes.
type completion struct {
	completer llm.Completer
	timeout   time.Duration
	metrics   *observability.Metrics
}

func (c completion) complete(ctx context.Context, stage, prompt string) (string, error) {
	ctx, span := trace.Start(ctx, "agent."+stage,
		attribute.String("mnemo.stage", stage),
		attribute.String("mnemo.user_id", UserIDFromContext(ctx)),
		attribute.String("mnemo.turn_id", TurnIDFromContext(ctx)),
	)
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	out, err := c.completer.Complete(ctx, prompt)
	c.metrics.ObserveStage(stage, time.Since(start))
	trace.End(span, err)
	return out, err
}

// withTimeout leaves ctx unchanged when d is not positive.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
