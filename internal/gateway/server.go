// Package gateway exposes the turn handler over HTTP.
package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/m-mizutani/goerr/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"mnemo/internal/agent"
	"mnemo/internal/channels"
	"mnemo/internal/history"
	"mnemo/internal/observability"
	"mnemo/internal/session"
)

// Agent is the part of agent.Handler the gateway serves.
type Agent interface {
	agent.Runner
	Initialize(ctx context.Context, userID, name string) (*session.Session, error)
	History(userID string, limit int) []session.Turn
	Transcript(ctx context.Context, userID string, limit int) ([]history.Entry, error)
	Reset()
}

type Server struct {
	agent    Agent
	metrics  *observability.Metrics
	token    string
	channels []channels.Channel
}

type Option func(*Server)

// WithToken requires "Authorization: Bearer <token>" on every /v1 route.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithChannels(chs ...channels.Channel) Option {
	return func(s *Server) { s.channels = append(s.channels, chs...) }
}

func NewServer(a Agent, opts ...Option) *Server {
	s := &Server{agent: a}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/sessions", s.handleCreateSession)
		r.Delete("/sessions", s.handleClearSessions)
		r.Get("/sessions/{id}/turns", s.handleListTurns)
		r.Get("/sessions/{id}/transcript", s.handleTranscript)
		r.Post("/chat", s.handleChat)
	})

	for _, ch := range s.channels {
		ch.RegisterRoutes(r)
		slog.Info("channel registered", slog.String("channel", ch.Name()))
	}
	return r
}

// ListenAndServe serves until ctx is cancelled, then drains in-flight
// requests for up to five seconds.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(s.Router(), "mnemo.gateway"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return goerr.Wrap(err, "gateway stopped", goerr.V("addr", addr))
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return goerr.Wrap(err, "failed to shut down gateway")
	}
	return nil
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			respondError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
