// Package api provides the authenticated HTTP surface for the engine and
// the server-sent event feed behind the operator console.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/antigravity-dev/pulz/internal/broadcast"
	"github.com/antigravity-dev/pulz/internal/config"
	"github.com/antigravity-dev/pulz/internal/metrics"
	"github.com/antigravity-dev/pulz/internal/mission"
	"github.com/antigravity-dev/pulz/internal/runner"
	"github.com/antigravity-dev/pulz/internal/store"
	"github.com/antigravity-dev/pulz/internal/telemetry"
)

// Server is the HTTP API server.
type Server struct {
	cfg         *config.Config
	store       *store.Store
	engine      *mission.Engine
	state       *mission.State
	runner      *runner.Runner
	broadcaster *broadcast.Broadcaster
	recorder    *telemetry.Recorder
	logger      *slog.Logger
	httpServer  *http.Server
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, s *store.Store, engine *mission.Engine, r *runner.Runner, b *broadcast.Broadcaster, recorder *telemetry.Recorder, logger *slog.Logger) *Server {
	return &Server{
		cfg:         cfg,
		store:       s,
		engine:      engine,
		state:       engine.State(),
		runner:      r,
		broadcaster: b,
		recorder:    recorder,
		logger:      logger,
	}
}

// Router assembles the route tree. All /api/pulz routes sit behind the
// verified-user gate when auth is enabled.
func (s *Server) Router() http.Handler {
	router := chi.NewRouter()
	router.Handle("/metrics", metrics.Handler())

	router.Route("/api/pulz", func(r chi.Router) {
		r.Use(s.requireVerifiedUser)

		r.Get("/status", s.handleStatus)
		r.Post("/mission/start", s.handleMissionStart)
		r.Post("/mission/stop", s.handleMissionStop)
		r.Get("/feed", s.handleFeed)
		r.Get("/queue", s.handleQueue)
		r.Get("/proposals", s.handleProposals)
		r.Post("/queue/{id}/approve", s.handleApprove)
		r.Post("/queue/{id}/reject", s.handleReject)
		r.Post("/proposals/{id}/execute", s.handleExecute)
		r.Post("/executions/{id}/cancel", s.handleExecutionCancel)
		r.Get("/executions", s.handleExecutions)
		r.Get("/executions/{id}", s.handleExecutionDetail)
		r.Get("/telemetry/summary", s.handleTelemetrySummary)
		r.Get("/missions/{id}/authority", s.handleGetAuthority)
		r.Post("/missions/{id}/authority", s.handleSetAuthority)
		r.Get("/artifacts", s.handleArtifacts)
		r.Get("/artifacts/{id}", s.handleArtifactDetail)
	})
	return router
}

// Start begins listening on the configured bind address. Blocks until the
// context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:        s.cfg.API.Bind,
		Handler:     s.Router(),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "bind", s.cfg.API.Bind)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"detail": msg})
}
