// Package httpapi exposes the chat client's session over HTTP JSON and
// pushes state snapshots to websocket subscribers.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"LocalChat/internal/auth"
	"LocalChat/internal/cache"
	"LocalChat/internal/chatbot"
	"LocalChat/internal/session"
)

// Server serves one chatbot.App.
type Server struct {
	app    *chatbot.App
	logger *slog.Logger
	hub    *Hub
}

// New creates a Server and subscribes its hub to app changes.
func New(app *chatbot.App, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{app: app, logger: logger, hub: NewHub(logger)}
	app.OnChange(func() {
		s.hub.Broadcast(stateEvent(app.Snapshot()))
	})
	return s
}

// Hub returns the websocket fan-out of this server
func (s *Server) Hub() *Hub {
	return s.hub
}

// Router wires the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(api chi.Router) {
		api.Get("/state", s.handleState)
		api.Post("/login", s.handleLogin)
		api.Post("/register", s.handleRegister)
		api.Post("/logout", s.handleLogout)

		api.Get("/chats", s.handleListChats)
		api.Post("/chats", s.handleNewChat)
		api.Post("/chats/{id}/select", s.handleSelectChat)
		api.Get("/chats/{id}/messages", s.handleHistory)

		api.Post("/messages", s.handleSend)
		api.Get("/cache", s.handleListCache)
		api.Delete("/cache", s.handleClearCache)

		api.Get("/events", s.hub.ServeWS(func() any {
			return stateEvent(s.app.Snapshot())
		}))
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.app.Snapshot())
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var payload credentials
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.app.Login(r.Context(), payload.Email, payload.Password); err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.app.Snapshot())
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var payload credentials
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if s.app.State() == chatbot.StateLogin {
		_ = s.app.ShowRegister()
	}
	if err := s.app.Register(r.Context(), payload.Email, payload.Password); err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, s.app.Snapshot())
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Logout(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.app.Snapshot())
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	v := s.app.Snapshot()
	if v.State != chatbot.StateChat {
		s.fail(w, chatbot.ErrInvalidTransition)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"conversations": v.Conversations,
		"activeId":      v.ActiveID,
	})
}

func (s *Server) handleNewChat(w http.ResponseWriter, r *http.Request) {
	conv, err := s.app.NewChat(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleSelectChat(w http.ResponseWriter, r *http.Request) {
	if err := s.app.SelectChat(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.app.Snapshot())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	messages, err := s.app.History(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, messages)
}

type sendResponse struct {
	Message   session.Message   `json:"message"`
	Telemetry chatbot.Telemetry `json:"telemetry"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, err := s.app.Send(r.Context(), payload.Text)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sendResponse{Message: msg, Telemetry: s.app.Snapshot().Telemetry})
}

func (s *Server) handleListCache(w http.ResponseWriter, r *http.Request) {
	entries, err := s.app.CacheEntries(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if entries == nil {
		entries = []cache.Entry{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if err := s.app.ClearCache(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail maps App errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, err error) {
	var failure *auth.Failure
	switch {
	case errors.As(err, &failure):
		status := failure.Status
		if status < 400 {
			status = http.StatusUnauthorized
		}
		respondError(w, status, failure.Message)
	case errors.Is(err, auth.ErrMissingFields), errors.Is(err, chatbot.ErrEmptyPrompt),
		errors.Is(err, chatbot.ErrInvalidPrompt):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chatbot.ErrUnknownConversation):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, chatbot.ErrInvalidTransition),
		errors.Is(err, chatbot.ErrNoActiveChat),
		errors.Is(err, chatbot.ErrSendInFlight),
		errors.Is(err, chatbot.ErrAuthInFlight):
		respondError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
