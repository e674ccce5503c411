package agent

import (
	"context"
	"log/slog"
	"strings"

	"mnemo/internal/logger"
)

// QuerySynthesizer rewrites an utterance into a retrieval query. An empty
// result means there is nothing to retrieve.
type QuerySynthesizer struct {
	completion
	policy *Policy
}

func NewQuerySynthesizer(c completion, policy *Policy) *QuerySynthesizer {
	return &QuerySynthesizer{completion: c, policy: policy}
}

func (q *QuerySynthesizer) Synthesize(ctx context.Context, utterance string) string {
	log := logger.From(ctx)

	prompt, err := q.policy.QueryPrompt(utterance)
	if err != nil {
		log.Warn("query prompt failed", slog.Any("error", err))
		return ""
	}

	raw, err := q.complete(ctx, stageQuery, prompt)
	if err != nil {
		log.Warn("query synthesis failed, skipping retrieval", slog.Any("error", err))
		q.metrics.BackendError("completion", stageQuery)
		return ""
	}

	query := cleanQuery(raw)
	log.Debug("query synthesized", slog.String("query", query))
	return query
}

// cleanQuery trims whitespace and one layer of matching surrounding quotes.
func cleanQuery(raw string) string {
	s := strings.TrimSpace(raw)
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') || (first == '`' && last == '`') {
			s = strings.TrimSpace(s[1 : len(s)-1])
		}
	}
	return s
}
