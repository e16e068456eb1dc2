// Package api exposes the upload, query and clip operations over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/dharsanguruparan/clippedset/internal/auth"
	"github.com/dharsanguruparan/clippedset/internal/clips"
	"github.com/dharsanguruparan/clippedset/internal/jobs"
	"github.com/dharsanguruparan/clippedset/internal/model"
	"github.com/dharsanguruparan/clippedset/internal/query"
	"github.com/dharsanguruparan/clippedset/internal/signing"
	"github.com/dharsanguruparan/clippedset/internal/upload"
)

// UserStore records users seen on authenticated requests.
type UserStore interface {
	EnsureUser(ctx context.Context, u *model.User) error
}

// ServerConfig carries the services the routes call into.
type ServerConfig struct {
	Address      string
	Auth         *auth.Provider
	Users        UserStore
	Uploads      *upload.Coordinator
	Orchestrator *jobs.Orchestrator
	Query        *query.Service
	Clips        *clips.Service
	// Trigger validates signatures on the processing trigger.
	Trigger *signing.Signer
	// Objects serves signed object URLs in memory mode; nil otherwise.
	Objects   http.Handler
	Logger    *slog.Logger
	StartTime time.Time
}

// Server exposes HTTP endpoints for uploads, results and clips.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer constructs a Server.
func NewServer(cfg ServerConfig) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Address,
			Handler:           NewRouter(cfg),
			ReadHeaderTimeout: 15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info("shutting down HTTP server")
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()
	s.logger.Info("api listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
