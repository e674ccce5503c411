package agent

import (
	"context"
	"log/slog"
	"strings"

	"github.com/m-mizutani/goerr/v2"

	"mnemo/internal/logger"
	"mnemo/internal/session"
)

// Responder composes the reply. Unlike the other stages its failure is
// returned; the handler turns it into the apology.
type Responder struct {
	completion
	policy *Policy
}

func NewResponder(c completion, policy *Policy) *Responder {
	return &Responder{completion: c, policy: policy}
}

func (r *Responder) Respond(ctx context.Context, utterance string, result RetrievalResult, recent []session.Turn) (string, error) {
	prompt, err := r.policy.ResponsePrompt(recent, utterance, result.Records)
	if err != nil {
		return "", err
	}

	logger.From(ctx).Debug("composing reply",
		slog.Int("recent_turns", len(recent)),
		slog.Int("records", len(result.Records)),
	)

	reply, err := r.complete(ctx, stageRespond, prompt)
	if err != nil {
		r.metrics.BackendError("completion", stageRespond)
		return "", goerr.Wrap(err, "failed to compose reply")
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", goerr.New("completion returned an empty reply")
	}
	return reply, nil
}
