// File: internal/web/server.go

// Package web hosts the HTTP API and the websocket push channel in front of
// the import engine.
package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/nullmap-sec/riskgraph/internal/config"
	"github.com/nullmap-sec/riskgraph/internal/engine"
	"github.com/nullmap-sec/riskgraph/internal/store"
)

// Server owns the HTTP listener, the router, and the websocket hub lifecycle.
type Server struct {
	cfg        config.ServerConfig
	logger     *zap.Logger
	handlers   *Handlers
	hub        *Hub
	httpServer *http.Server
}

// NewServer assembles the server around an already-wired repository,
// importer, and hub. The hub is passed in because the importer broadcasts
// through it, so it must exist before either side.
func NewServer(cfg config.ServerConfig, repo store.Repository, importer *engine.Importer, hub *Hub, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		logger:   logger.Named("web"),
		handlers: NewHandlers(repo, importer, logger),
		hub:      hub,
	}
}

// Router builds the full route tree. Exposed so tests can serve it without a
// listener.
func (s *Server) Router() http.Handler {
	requestTimeout := s.cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 60 * time.Second
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(corsMiddleware(s.cfg.AllowedOrigins))

	// The websocket route stays outside the logged group; the request logger
	// would report every long-lived connection as a slow request.
	r.Get("/ws", s.hub.ServeWS)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Logger)
		s.handlers.RegisterRoutes(r)
	})

	return r
}

// Start runs the hub and the HTTP listener until ctx is cancelled, then
// drains connections within the configured shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr(),
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()
	go s.hub.Run(hubCtx)

	idleConnsClosed := make(chan struct{})
	go func() {
		<-ctx.Done()
		s.logger.Info("Shutdown signal received, stopping HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}

		// Stopping the hub closes every websocket client.
		hubCancel()
		close(idleConnsClosed)
	}()

	s.logger.Info("HTTP server starting", zap.String("address", s.cfg.Addr()))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	<-idleConnsClosed
	s.logger.Info("HTTP server stopped.")
	return nil
}

// corsMiddleware answers preflights and stamps the allow-origin headers for
// the configured origins. A "*" entry or an empty list allows everything.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	wildcard := len(allowedOrigins) == 0
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			wildcard = true
			continue
		}
		origins[o] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case wildcard:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "":
				if _, ok := origins[origin]; ok {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Add("Vary", "Origin")
				}
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
