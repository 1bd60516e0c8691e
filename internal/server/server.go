// Package server exposes the bot's operational HTTP surface: liveness,
// runtime status and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/updownbot/internal/server/handler"
	"github.com/alanyoungcy/updownbot/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Addr string
}

// Server is the ops HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers the routes and middleware. status and feed may be nil.
func NewServer(cfg Config, status handler.StatusSource, feed handler.Check, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http_server"))
	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           Routes(status, feed, logger),
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Routes builds the handler tree; split out so tests can drive it with
// httptest.
func Routes(status handler.StatusSource, feed handler.Check, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", handler.NewHealthHandler(feed).HealthCheck)
	mux.Handle("GET /metrics", promhttp.Handler())
	if status != nil {
		mux.HandleFunc("GET /api/status", handler.NewStatusHandler(status).GetStatus)
	}

	return middleware.Logging(logger, "/metrics", "/healthz")(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.InfoContext(ctx, "HTTP server listening", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: listen: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.logger.Info("HTTP server shutting down")
	if err := s.httpServer.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return <-errCh
}
