// Package api implements the operator HTTP API consumed by the external CLI
// and admin UI. It wires the tracking, reconciler, and admission services
// behind a chi router with request-ID propagation, structured request
// logging, panic recovery, and bcrypt-verified admin-key authentication.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"mailtrail/internal/config"
	"mailtrail/internal/ratelimit"
	"mailtrail/internal/tracking"
	"mailtrail/internal/types"
)

// TrackingService is the log-management surface the API exposes.
// Implemented by tracking.Service.
type TrackingService interface {
	CreateLog(ctx context.Context, in tracking.CreateLogInput) (*types.MessageLog, error)
	GetLog(ctx context.Context, id string) (*types.MessageLog, error)
	GetLogEvents(ctx context.Context, id string) ([]*types.EventRecord, error)
	ListLogs(ctx context.Context, filter types.MessageLogFilter) ([]*types.MessageLog, string, error)
	CountLogs(ctx context.Context, filter types.MessageLogFilter) (int, error)
	DeleteLog(ctx context.Context, id string) error
	Retry(ctx context.Context, id string) (*types.MessageLog, error)
	MarkSent(ctx context.Context, id, providerMessageID string) (*types.MessageLog, error)
	MarkFailed(ctx context.Context, id, reason string) (*types.MessageLog, error)
}

// Syncer performs manual provider-history synchronization.
// Implemented by reconciler.Service.
type Syncer interface {
	SyncStatus(ctx context.Context, correlationID string) (*types.SyncResult, error)
}

// Admitter runs the send-time admission pipeline.
// Implemented by ratelimit.Limiter.
type Admitter interface {
	Admit(ctx context.Context, recipient, sender string) (ratelimit.Decision, error)
}

// BlocklistAdmin is the blocklist management surface.
// Implemented by ratelimit.BlocklistService.
type BlocklistAdmin interface {
	Add(ctx context.Context, in ratelimit.AddInput) (*types.BlocklistEntry, error)
	Remove(ctx context.Context, email string) error
	List(ctx context.Context, filter types.BlocklistFilter) ([]*types.BlocklistEntry, error)
	Count(ctx context.Context, filter types.BlocklistFilter) (int, error)
	Stats(ctx context.Context) (*types.BlocklistStats, error)
}

// Pinger reports storage reachability for the health endpoint.
// Implemented by pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps bundles the services the API serves.
type Deps struct {
	Tracking  TrackingService
	Syncer    Syncer
	Admitter  Admitter
	Blocklist BlocklistAdmin
	DB        Pinger
}

// Server is the operator API server.
type Server struct {
	cfg    config.ServerConfig
	logger *slog.Logger
	router *chi.Mux

	tracking  TrackingService
	syncer    Syncer
	admitter  Admitter
	blocklist BlocklistAdmin
	db        Pinger
}

// NewServer creates the API server and mounts all routes.
func NewServer(cfg config.ServerConfig, deps Deps, logger *slog.Logger) (*Server, error) {
	if cfg.AdminKeyHash == "" {
		return nil, errors.New("api: admin key hash must be configured")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		router:    chi.NewRouter(),
		tracking:  deps.Tracking,
		syncer:    deps.Syncer,
		admitter:  deps.Admitter,
		blocklist: deps.Blocklist,
		db:        deps.DB,
	}
	s.mountRoutes()
	return s, nil
}

// Handler returns the router for http.Server and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) mountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(RequestLogger(s.logger))

	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(s.AdminAuthMiddleware)

		r.Route("/logs", func(r chi.Router) {
			r.Post("/", s.handleCreateLog)
			r.Get("/", s.handleListLogs)
			r.Get("/count", s.handleCountLogs)
			r.Get("/{id}", s.handleGetLog)
			r.Delete("/{id}", s.handleDeleteLog)
			r.Post("/{id}/retry", s.handleRetryLog)
			r.Post("/{id}/sent", s.handleMarkSent)
			r.Post("/{id}/failed", s.handleMarkFailed)
			r.Get("/{id}/events", s.handleLogEvents)
		})

		r.Post("/sync/{messageID}", s.handleSync)
		r.Post("/admission", s.handleAdmit)

		r.Route("/blocklist", func(r chi.Router) {
			r.Post("/", s.handleBlocklistAdd)
			r.Get("/", s.handleBlocklistList)
			r.Get("/count", s.handleBlocklistCount)
			r.Get("/stats", s.handleBlocklistStats)
			r.Delete("/{email}", s.handleBlocklistRemove)
		})
	})
}

// Run serves HTTP until ctx is cancelled, then drains in-flight requests
// within the configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", slog.String("port", s.cfg.Port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("api server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return ctx.Err()
}

// handleHealth reports process and storage health without authentication.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK

	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			s.logger.WarnContext(r.Context(), "health check database ping failed",
				slog.Any("error", err))
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	JSON(w, r, code, map[string]string{"status": status})
}
