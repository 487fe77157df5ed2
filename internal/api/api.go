// Package api provides the HTTP surface of remixd: the REST session
// endpoints, the WebSocket upgrade route, health checks and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mixmate/remixd/internal/registry"
	"github.com/mixmate/remixd/internal/session"
	"github.com/mixmate/remixd/internal/store"
)

// Server bundles the HTTP router with its dependencies.
type Server struct {
	reg    *registry.Registry
	store  store.Store
	logger zerolog.Logger

	httpSrv *http.Server
}

// Config for the HTTP server.
type Config struct {
	ListenAddr   string
	APIRateLimit int // requests per minute per IP on /api
}

// New assembles the server. wsHandler serves the coordinator protocol on /ws.
func New(cfg Config, reg *registry.Registry, st store.Store, wsHandler http.Handler, logger zerolog.Logger) *Server {
	s := &Server{
		reg:    reg,
		store:  st,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Handle("/ws", wsHandler)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	r.Route("/api", func(r chi.Router) {
		r.Use(apiRateLimit(cfg.APIRateLimit))
		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions/{code}", s.handleGetSession)
	})

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.httpSrv.Addr).Msg("http server listening")
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz pings the session store; the coordinator cannot accept
// durable mutations without it.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleCreateSession creates a session with a fresh collision-checked code
// and the caller as sole participant. When the request names a sessionCode the
// call is an idempotent create-or-get of that code instead; with a userId it
// also joins the caller.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID      string `json:"userId"`
		SessionCode string `json:"sessionCode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStatus(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var (
		snap session.Snapshot
		err  error
	)
	switch {
	case req.SessionCode != "" && req.UserID != "":
		snap, err = s.reg.Join(r.Context(), req.SessionCode, req.UserID)
	case req.SessionCode != "":
		snap, err = s.reg.CreateOrGet(r.Context(), req.SessionCode)
	default:
		snap, err = s.reg.Create(r.Context(), req.UserID)
	}
	if err != nil {
		s.writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionCode": snap.Code})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	snap, err := s.reg.Get(r.Context(), code)
	if err != nil {
		s.writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// writeTaxonomyError maps the coordinator error taxonomy onto HTTP statuses.
func (s *Server) writeTaxonomyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeErrorStatus(w, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrSessionFull):
		writeErrorStatus(w, http.StatusConflict, "session full")
	case errors.Is(err, session.ErrInvalidArgument):
		writeErrorStatus(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrPersistence):
		s.logger.Error().Err(err).Msg("session store failure")
		writeErrorStatus(w, http.StatusServiceUnavailable, "session store unavailable")
	default:
		s.logger.Error().Err(err).Msg("unexpected error")
		writeErrorStatus(w, http.StatusInternalServerError, "internal error")
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorStatus(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
