package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"mnemo/internal/agent"
	"mnemo/internal/history"
	"mnemo/internal/logger"
	"mnemo/internal/session"
)

type createSessionRequest struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

type sessionResponse struct {
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

type chatRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
	Stream  bool   `json:"stream"`
}

type chatResponse struct {
	Reply       string                    `json:"reply"`
	Decision    agent.RetrievalDecision   `json:"decision,omitempty"`
	Query       string                    `json:"query,omitempty"`
	Context     *agent.RetrievalResult    `json:"context,omitempty"`
	Persistence *agent.PersistenceOutcome `json:"persistence,omitempty"`
}

type turnsResponse struct {
	UserID string         `json:"user_id"`
	Turns  []session.Turn `json:"turns"`
}

type transcriptResponse struct {
	UserID  string          `json:"user_id"`
	Entries []history.Entry `json:"entries"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sess, err := s.agent.Initialize(r.Context(), strings.TrimSpace(req.UserID), strings.TrimSpace(req.Name))
	switch {
	case errors.Is(err, agent.ErrInvalidUserID):
		respondError(w, http.StatusBadRequest, "invalid_user_id", err.Error())
		return
	case errors.Is(err, agent.ErrUnknownUser):
		respondError(w, http.StatusNotFound, "unknown_user", err.Error())
		return
	case err != nil:
		logger.From(r.Context()).Error("session initialization failed", slog.Any("error", err))
		respondError(w, http.StatusBadGateway, "initialization_failed", err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, sessionResponse{UserID: sess.UserID, CreatedAt: sess.CreatedAt})
}

func (s *Server) handleClearSessions(w http.ResponseWriter, _ *http.Request) {
	s.agent.Reset()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTurns(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	limit, ok := parseLimit(w, r, session.DefaultRecentLimit)
	if !ok {
		return
	}

	turns := s.agent.History(userID, limit)
	if turns == nil {
		turns = []session.Turn{}
	}
	respondJSON(w, http.StatusOK, turnsResponse{UserID: userID, Turns: turns})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	limit, ok := parseLimit(w, r, 20)
	if !ok {
		return
	}

	entries, err := s.agent.Transcript(r.Context(), userID, limit)
	if err != nil {
		logger.From(r.Context()).Error("transcript failed", slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "transcript_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, transcriptResponse{UserID: userID, Entries: entries})
}

func parseLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
		return 0, false
	}
	return n, true
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if req.Stream || strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.streamChat(w, r, req)
		return
	}

	var resp chatResponse
	err := s.agent.Run(r.Context(), req.UserID, req.Message, func(ev agent.Event) {
		switch ev.Type {
		case agent.EventDecision:
			resp.Decision, _ = ev.Data.(agent.RetrievalDecision)
		case agent.EventQuery:
			resp.Query, _ = ev.Data.(string)
		case agent.EventContext:
			if res, ok := ev.Data.(agent.RetrievalResult); ok {
				resp.Context = &res
			}
		case agent.EventPersistence:
			if out, ok := ev.Data.(agent.PersistenceOutcome); ok {
				resp.Persistence = &out
			}
		case agent.EventDone:
			resp.Reply, _ = ev.Data.(string)
		}
	})
	if err != nil {
		status, code := classify(err)
		respondError(w, status, code, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, req chatRequest) {
	sse := NewSSEWriter(w)
	var sentError bool

	err := s.agent.Run(r.Context(), req.UserID, req.Message, func(ev agent.Event) {
		var err error
		switch ev.Type {
		case agent.EventReply, agent.EventQuery:
			err = sse.Send(string(ev.Type), map[string]any{"content": ev.Data})
		case agent.EventDecision:
			err = sse.Send(string(ev.Type), map[string]any{"decision": ev.Data})
		case agent.EventError:
			sentError = true
			err = sse.Send("error", map[string]any{"error": ev.Data})
		case agent.EventDone:
			err = sse.Send("done", map[string]any{"reply": ev.Data})
		default:
			err = sse.Send(string(ev.Type), ev.Data)
		}
		if err != nil {
			logger.From(r.Context()).Debug("sse write failed", slog.Any("error", err))
		}
	})

	if err != nil && !sentError {
		_ = sse.Send("error", map[string]string{"error": err.Error()})
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, agent.ErrInvalidUserID):
		return http.StatusBadRequest, "invalid_user_id"
	case errors.Is(err, agent.ErrEmptyUtterance):
		return http.StatusBadRequest, "empty_message"
	default:
		return http.StatusServiceUnavailable, "turn_failed"
	}
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
