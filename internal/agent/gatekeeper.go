package agent

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"mnemo/internal/logger"
	"mnemo/internal/memory"
	"mnemo/internal/session"
)

type PersistenceOutcome struct {
	Decision      PersistenceDecision `json:"decision"`
	SemanticID    string              `json:"semantic_id,omitempty"`
	SemanticError string              `json:"semantic_error,omitempty"`
	FactError     string              `json:"fact_error,omitempty"`
}

// Gatekeeper decides after the fact whether a turn is worth remembering and
// performs the writes. It also records the exchange in the recent-turn
// buffer, whatever the decision.
type Gatekeeper struct {
	completion
	policy   *Policy
	semantic SemanticMemory
	facts    memory.FactStore
	now      func() time.Time
}

func NewGatekeeper(c completion, policy *Policy, semantic SemanticMemory, facts memory.FactStore) *Gatekeeper {
	return &Gatekeeper{completion: c, policy: policy, semantic: semantic, facts: facts, now: time.Now}
}

// Decide never fails: any error or unrecognized output means Skip.
func (g *Gatekeeper) Decide(ctx context.Context, utterance, reply string) PersistenceDecision {
	log := logger.From(ctx)

	prompt, err := g.policy.PersistencePrompt(utterance, reply)
	if err != nil {
		log.Warn("persistence prompt failed", slog.Any("error", err))
		return g.record(Skip)
	}

	raw, err := g.complete(ctx, stagePersistence, prompt)
	if err != nil {
		log.Warn("persistence classification failed, skipping", slog.Any("error", err))
		g.metrics.BackendError("completion", stagePersistence)
		return g.record(Skip)
	}

	decision, ok := DecodePersistence(raw)
	if !ok {
		log.Info("unrecognized persistence output, skipping", slog.String("raw", raw))
	} else {
		log.Debug("persistence classified", slog.String("decision", string(decision)), slog.String("raw", raw))
	}
	return g.record(decision)
}

// Commit classifies the exchange, writes it to both stores on Store, then
// appends the user/assistant pair to the session buffer. Store failures are
// logged and reported in the outcome, never returned.
func (g *Gatekeeper) Commit(ctx context.Context, s *session.Session, utterance, reply string) PersistenceOutcome {
	out := PersistenceOutcome{Decision: g.Decide(ctx, utterance, reply)}

	if out.Decision == Store {
		g.persist(ctx, s.UserID, utterance, reply, &out)
	}

	now := g.now().UTC()
	s.Append(
		session.Turn{Role: memory.RoleUser, Content: utterance, Timestamp: now},
		session.Turn{Role: memory.RoleAssistant, Content: reply, Timestamp: now},
	)
	return out
}

func (g *Gatekeeper) persist(ctx context.Context, userID, utterance, reply string, out *PersistenceOutcome) {
	log := logger.From(ctx)
	start := time.Now()

	var eg errgroup.Group
	eg.Go(func() error {
		wctx, cancel := withTimeout(ctx, g.timeout)
		defer cancel()
		id, err := g.semantic.Remember(wctx, userID, utterance)
		if err != nil {
			log.Warn("semantic write failed",
				slog.String("op", "semantic.upsert"),
				slog.String("user_id", userID),
				slog.Any("error", err),
			)
			g.metrics.BackendError("semantic", "upsert")
			out.SemanticError = err.Error()
			return nil
		}
		out.SemanticID = id
		return nil
	})
	eg.Go(func() error {
		wctx, cancel := withTimeout(ctx, g.timeout)
		defer cancel()
		err := g.facts.Add(wctx, userID, []memory.Message{
			{Role: memory.RoleUser, Content: utterance},
			{Role: memory.RoleAssistant, Content: reply},
		})
		if err != nil {
			log.Warn("fact write failed",
				slog.String("op", "fact.add"),
				slog.String("user_id", userID),
				slog.Any("error", err),
			)
			g.metrics.BackendError("fact", "add")
			out.FactError = err.Error()
		}
		return nil
	})
	_ = eg.Wait()

	g.metrics.ObserveStage(stagePersist, time.Since(start))
	log.Info("turn persisted",
		slog.Bool("semantic_ok", out.SemanticError == ""),
		slog.Bool("fact_ok", out.FactError == ""),
	)
}

func (g *Gatekeeper) record(d PersistenceDecision) PersistenceDecision {
	g.metrics.Decision(stagePersistence, string(d))
	return d
}
