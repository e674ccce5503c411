package agent

import (
	"context"
	"errors"
	"log/slog"

	"github.com/m-mizutani/goerr/v2"

	"mnemo/internal/config"
	"mnemo/internal/db"
	"mnemo/internal/embedding"
	"mnemo/internal/history"
	"mnemo/internal/llm"
	"mnemo/internal/mem0"
	"mnemo/internal/memory"
	"mnemo/internal/observability"
	"mnemo/internal/session"
	"mnemo/internal/vectorstore"
)

// Services owns every long-lived dependency of the pipeline. Build it once
// with Init and release it with Shutdown.
type Services struct {
	Config     *config.Config
	Metrics    *observability.Metrics
	DB         *db.DB
	Completer  llm.Completer
	Embedder   embedding.Provider
	Vectors    vectorstore.Store
	Semantic   *memory.SemanticMemory
	Facts      memory.FactStore
	Registry   *session.Registry
	Transcript *history.Store
	Handler    *Handler

	closers []func() error
}

// Init validates cfg and connects every backend it names.
func Init(ctx context.Context, cfg *config.Config) (_ *Services, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Services{Config: cfg, Metrics: observability.NewMetrics("mnemo")}
	defer func() {
		if err != nil {
			_ = s.Shutdown(ctx)
		}
	}()

	s.DB, err = db.Open(cfg.DB.Path)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, s.DB.Close)
	if err := s.DB.Migrate(); err != nil {
		return nil, err
	}

	llmCfg := cfg.LLMs[cfg.DefaultLLM]
	completer, err := llm.FromConfig(llmCfg)
	if err != nil {
		return nil, err
	}
	s.Completer = llm.WithTrace(completer, llmCfg.Provider, llmCfg.Model)

	if s.Embedder, err = newEmbedder(cfg, s.DB); err != nil {
		return nil, err
	}
	if c, ok := s.Embedder.(*embedding.CachedProvider); ok {
		s.closers = append(s.closers, func() error { c.Close(); return nil })
	}

	if s.Vectors, err = newVectorStore(cfg); err != nil {
		return nil, err
	}
	s.closers = append(s.closers, s.Vectors.Close)
	s.Semantic = memory.NewSemanticMemory(s.Vectors, s.Embedder)

	if s.Facts, err = s.newFactStore(ctx); err != nil {
		return nil, err
	}

	policy, err := NewPolicy(cfg.Agent.Prompts)
	if err != nil {
		return nil, err
	}

	s.Registry = session.NewRegistry(NewMemoryBackend(s.Semantic, s.Facts),
		session.WithCapacity(cfg.Memory.BufferCapacity),
		session.WithMetrics(s.Metrics),
	)
	s.Transcript = history.NewStore(s.DB)
	s.Handler = NewHandler(s.Registry, s.Completer, s.Semantic, s.Facts, policy, SettingsFromConfig(cfg),
		WithRoster(cfg.Users),
		WithMetrics(s.Metrics),
		WithTranscript(s.Transcript),
	)

	slog.Info("services ready",
		slog.String("llm", cfg.DefaultLLM),
		slog.String("embedding", s.Embedder.Model()),
		slog.String("semantic", cfg.Memory.Semantic.Backend),
		slog.String("facts", cfg.Memory.Facts.Backend),
	)
	return s, nil
}

// Shutdown closes backends in reverse order of creation.
func (s *Services) Shutdown(_ context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func newEmbedder(cfg *config.Config, database *db.DB) (embedding.Provider, error) {
	ec := cfg.Memory.Embedding
	var inner embedding.Provider
	switch ec.Provider {
	case config.ProviderHash:
		inner = embedding.NewHash(ec.Dimensions)
	case config.ProviderOpenAI, "":
		l := cfg.LLMs[ec.LLM]
		inner = embedding.NewOpenAI(l.BaseURL, l.APIKey, ec.Model, ec.Dimensions)
	default:
		return nil, goerr.New("unknown embedding provider", goerr.V("provider", ec.Provider))
	}
	return embedding.NewCachedProvider(inner, database, ec.CacheSize)
}

func newVectorStore(cfg *config.Config) (vectorstore.Store, error) {
	sc := cfg.Memory.Semantic
	switch sc.Backend {
	case config.SemanticChroma:
		return vectorstore.NewChroma(sc.Endpoint), nil
	case config.SemanticChromem, "":
		return vectorstore.NewChromem(sc.Path, sc.Compress)
	default:
		return nil, goerr.New("unknown semantic backend", goerr.V("backend", sc.Backend))
	}
}

func (s *Services) newFactStore(ctx context.Context) (memory.FactStore, error) {
	fc := s.Config.Memory.Facts
	switch fc.Backend {
	case config.FactsMem0:
		return mem0.New(fc.APIKey, mem0.WithBaseURL(fc.BaseURL)), nil
	case config.FactsSQLite:
		return memory.NewSQLiteFacts(s.DB, s.Embedder), nil
	case config.FactsPostgres:
		pg, err := memory.NewPostgresFacts(ctx, fc.DSN)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, pg.Close)
		return pg, nil
	default:
		return nil, goerr.New("unknown fact backend", goerr.V("backend", fc.Backend))
	}
}

// Provisioner creates a user's semantic collection.
type Provisioner interface {
	Provision(ctx context.Context, userID string) error
}

// MemoryBackend adapts the two stores to what the session registry needs.
type MemoryBackend struct {
	semantic interface {
		SemanticMemory
		Provisioner
	}
	facts memory.FactStore
}

func NewMemoryBackend(semantic interface {
	SemanticMemory
	Provisioner
}, facts memory.FactStore) *MemoryBackend {
	return &MemoryBackend{semantic: semantic, facts: facts}
}

func (b *MemoryBackend) Provision(ctx context.Context, userID string) error {
	return b.semantic.Provision(ctx, userID)
}

// Introduce stores "I am <name>" as a semantic utterance and the seed facts
// as system messages in the fact store.
func (b *MemoryBackend) Introduce(ctx context.Context, userID, name string, facts []string) error {
	if _, err := b.semantic.Remember(ctx, userID, "I am "+name); err != nil {
		return err
	}
	if len(facts) == 0 {
		return nil
	}
	msgs := make([]memory.Message, 0, len(facts))
	for _, f := range facts {
		msgs = append(msgs, memory.Message{Role: memory.RoleSystem, Content: f})
	}
	if err := b.facts.Add(ctx, userID, msgs); err != nil {
		return goerr.Wrap(err, "failed to seed facts", goerr.V("user_id", userID))
	}
	return nil
}
