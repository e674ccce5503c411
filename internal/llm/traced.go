package llm

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"mnemo/internal/trace"
)

type traced struct {
	inner Completer
	name  string
	model string
}

// WithTrace wraps c so each call opens a span tagged with the model.
func WithTrace(c Completer, name, model string) Completer {
	return &traced{inner: c, name: name, model: model}
}

func (t *traced) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, span := trace.Start(ctx, "llm.complete",
		attribute.String("gen_ai.system", t.name),
		attribute.String("gen_ai.request.model", t.model),
		attribute.Int("gen_ai.prompt.length", len(prompt)),
	)
	out, err := t.inner.Complete(ctx, prompt)
	if err == nil {
		span.SetAttributes(attribute.Int("gen_ai.completion.length", len(out)))
	}
	trace.End(span, err)
	return out, err
}
