package agent

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"go.opentelemetry.io/otel/attribute"

	"mnemo/internal/config"
	"mnemo/internal/history"
	"mnemo/internal/llm"
	"mnemo/internal/logger"
	"mnemo/internal/memory"
	"mnemo/internal/observability"
	"mnemo/internal/session"
	"mnemo/internal/trace"
)

// ApologyReply is returned in place of a reply when composing one fails.
const ApologyReply = "I apologize, but I encountered an error processing your message."

var (
	ErrEmptyUtterance = errors.New("utterance is empty")
	ErrInvalidUserID  = errors.New("user id must be 1-48 characters of letters, digits, '-' or '_'")
	ErrUnknownUser    = errors.New("user is not in the roster")
)

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,48}$`)

// Settings are the pipeline's tunables.
type Settings struct {
	RecentLimit      int
	TopK             int
	FactLimit        int
	CallTimeout      time.Duration
	RetrievalTimeout time.Duration
}

func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		RecentLimit:      cfg.Memory.RecentLimit,
		TopK:             cfg.Memory.TopK,
		FactLimit:        cfg.Memory.FactLimit,
		CallTimeout:      cfg.Agent.CallTimeout,
		RetrievalTimeout: cfg.Agent.RetrievalTimeout,
	}
}

// Handler is the turn handler. It is the only place a failed reply becomes
// the apology.
type Handler struct {
	registry   *session.Registry
	classifier *Classifier
	query      *QuerySynthesizer
	retriever  *Retriever
	responder  *Responder
	gatekeeper *Gatekeeper
	metrics    *observability.Metrics
	transcript Transcript

	recentLimit int
	roster      map[string]config.UserConfig
}

// Transcript durably records completed turns.
type Transcript interface {
	SaveTurn(ctx context.Context, e history.Entry) error
	Transcript(ctx context.Context, userID string, limit int) ([]history.Entry, error)
}

type HandlerOption func(*Handler)

func WithRoster(users []config.UserConfig) HandlerOption {
	return func(h *Handler) {
		for _, u := range users {
			h.roster[u.ID] = u
		}
	}
}

func WithMetrics(m *observability.Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

func WithTranscript(t Transcript) HandlerOption {
	return func(h *Handler) { h.transcript = t }
}

func NewHandler(registry *session.Registry, completer llm.Completer, semantic SemanticMemory, facts memory.FactStore, policy *Policy, settings Settings, opts ...HandlerOption) *Handler {
	h := &Handler{
		registry:    registry,
		recentLimit: settings.RecentLimit,
		roster:      make(map[string]config.UserConfig),
	}
	for _, opt := range opts {
		opt(h)
	}
	if policy == nil {
		policy = DefaultPolicy()
	}
	if h.recentLimit <= 0 {
		h.recentLimit = session.DefaultRecentLimit
	}

	retrievalTimeout := settings.RetrievalTimeout
	if retrievalTimeout <= 0 {
		retrievalTimeout = settings.CallTimeout
	}

	c := completion{completer: completer, timeout: settings.CallTimeout, metrics: h.metrics}
	h.classifier = NewClassifier(c, policy)
	h.query = NewQuerySynthesizer(c, policy)
	h.retriever = NewRetriever(semantic, facts, settings.TopK, settings.FactLimit, retrievalTimeout, h.metrics)
	h.responder = NewResponder(c, policy)
	h.gatekeeper = NewGatekeeper(c, policy, semantic, facts)
	return h
}

// Run executes one turn. Only validation errors and cancellation while
// waiting for the user's previous turn are returned; every backend failure
// degrades to a fallback and the turn still ends with a done event.
func (h *Handler) Run(ctx context.Context, userID string, message string, emit func(Event)) error {
	if emit == nil {
		emit = func(Event) {}
	}

	utterance := strings.TrimSpace(message)
	if err := validate(userID, utterance); err != nil {
		emit(Event{Type: EventError, Data: err.Error()})
		return err
	}

	s := h.registry.GetOrCreate(ctx, userID)
	unlock, err := s.Lock(ctx)
	if err != nil {
		return goerr.Wrap(err, "turn cancelled while waiting for previous turn", goerr.V("user_id", userID))
	}
	defer unlock()

	turnID := uuid.NewString()
	log := logger.From(ctx).With(slog.String("user_id", userID), slog.String("turn_id", turnID))
	ctx = logger.With(ctx, log)
	ctx = ContextWithUserID(ctx, userID)
	ctx = ContextWithTurnID(ctx, turnID)

	ctx, span := trace.Start(ctx, "agent.turn",
		attribute.String("mnemo.user_id", userID),
		attribute.String("mnemo.turn_id", turnID),
	)
	defer span.End()
	start := time.Now()

	recent := s.Recent(h.recentLimit)

	decision := h.classifier.Classify(ctx, utterance)
	emit(Event{Type: EventDecision, Data: decision})

	result := RetrievalResult{Records: []memory.Record{}}
	if decision == NeedsFacts {
		query := h.query.Synthesize(ctx, utterance)
		emit(Event{Type: EventQuery, Data: query})
		result = h.retriever.Retrieve(ctx, userID, query)
		emit(Event{Type: EventContext, Data: result})
	}

	reply, err := h.responder.Respond(ctx, utterance, result, recent)
	if err != nil {
		log.Error("reply failed, returning apology", slog.Any("error", err))
		span.RecordError(err)
		h.metrics.Turn("apology")
		emit(Event{Type: EventReply, Data: ApologyReply})
		emit(Event{Type: EventDone, Data: ApologyReply})
		return nil
	}
	emit(Event{Type: EventReply, Data: reply})

	outcome := h.gatekeeper.Commit(ctx, s, utterance, reply)
	emit(Event{Type: EventPersistence, Data: outcome})

	if h.transcript != nil {
		err := h.transcript.SaveTurn(ctx, history.Entry{
			TurnID:      turnID,
			UserID:      userID,
			Utterance:   utterance,
			Reply:       reply,
			Intent:      string(decision),
			Persistence: string(outcome.Decision),
		})
		if err != nil {
			log.Warn("failed to save transcript", slog.Any("error", err))
		}
	}

	h.metrics.Turn("ok")
	h.metrics.ObserveStage("turn", time.Since(start))
	log.Info("turn complete",
		slog.String("intent", string(decision)),
		slog.String("persistence", string(outcome.Decision)),
		slog.Duration("duration", time.Since(start)),
	)
	emit(Event{Type: EventDone, Data: reply})
	return nil
}

// Reply runs a turn and returns the final reply text.
func (h *Handler) Reply(ctx context.Context, userID, message string) (string, error) {
	var reply string
	err := h.Run(ctx, userID, message, func(ev Event) {
		if ev.Type == EventDone {
			reply, _ = ev.Data.(string)
		}
	})
	if err != nil {
		return "", err
	}
	return reply, nil
}

// Initialize registers a user. An empty name is looked up in the roster,
// along with the user's seed facts. Store failures are returned.
func (h *Handler) Initialize(ctx context.Context, userID, name string) (*session.Session, error) {
	if !userIDPattern.MatchString(userID) {
		return nil, goerr.Wrap(ErrInvalidUserID, "rejected session", goerr.V("user_id", userID))
	}

	var facts []string
	if u, ok := h.roster[userID]; ok {
		if name == "" {
			name = u.Name
		}
		facts = u.Facts
	}
	if name == "" {
		return nil, goerr.Wrap(ErrUnknownUser, "rejected session", goerr.V("user_id", userID))
	}

	return h.registry.Initialize(ctx, userID, name, facts)
}

// History returns the user's most recent turns in chronological order.
func (h *Handler) History(userID string, limit int) []session.Turn {
	return h.registry.Recent(userID, limit)
}

// Transcript returns the user's durable turn log, oldest first. It is empty
// when no transcript store is configured.
func (h *Handler) Transcript(ctx context.Context, userID string, limit int) ([]history.Entry, error) {
	if h.transcript == nil {
		return []history.Entry{}, nil
	}
	return h.transcript.Transcript(ctx, userID, limit)
}

// Reset drops every session.
func (h *Handler) Reset() {
	h.registry.Clear()
}

func validate(userID, utterance string) error {
	if !userIDPattern.MatchString(userID) {
		return goerr.Wrap(ErrInvalidUserID, "rejected turn", goerr.V("user_id", userID))
	}
	if utterance == "" {
		return goerr.Wrap(ErrEmptyUtterance, "rejected turn", goerr.V("user_id", userID))
	}
	return nil
}
