package agent

import (
	"context"
	"log/slog"

	"mnemo/internal/logger"
)

// Classifier decides whether a turn needs retrieval. It never fails: any
// error or unrecognized output means DirectResponse.
type Classifier struct {
	completion
	policy *Policy
}

func NewClassifier(c completion, policy *Policy) *Classifier {
	return &Classifier{completion: c, policy: policy}
}

func (c *Classifier) Classify(ctx context.Context, utterance string) RetrievalDecision {
	log := logger.From(ctx)

	prompt, err := c.policy.IntentPrompt(utterance)
	if err != nil {
		log.Warn("intent prompt failed", slog.Any("error", err))
		return c.record(DirectResponse)
	}

	raw, err := c.complete(ctx, stageIntent, prompt)
	if err != nil {
		log.Warn("intent classification failed, answering directly", slog.Any("error", err))
		c.metrics.BackendError("completion", stageIntent)
		return c.record(DirectResponse)
	}

	decision, ok := DecodeRetrieval(raw)
	if !ok {
		log.Info("unrecognized intent output, answering directly", slog.String("raw", raw))
	} else {
		log.Debug("intent classified", slog.String("decision", string(decision)), slog.String("raw", raw))
	}
	return c.record(decision)
}

func (c *Classifier) record(d RetrievalDecision) RetrievalDecision {
	c.metrics.Decision(stageIntent, string(d))
	return d
}
