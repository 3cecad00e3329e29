// Package server exposes the dispatcher over HTTP and streams dispatch
// events to operators over a websocket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rustyeddy/esentrader/dispatch"
)

// ServiceName is reported by the health check.
const ServiceName = "esentrader-api"

// Config holds the HTTP server configuration.
type Config struct {
	Addr string
	// WebhookSecret, when set, must be sent with every signal either as the
	// X-Webhook-Secret header or as a "passphrase" field.
	WebhookSecret string
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewRouter registers every route on a chi router.
func NewRouter(cfg Config, d *dispatch.Dispatcher, hub *Hub, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{d: d, secret: cfg.WebhookSecret, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.health)
		r.Post("/test", h.echo)

		r.Route("/broker", func(r chi.Router) {
			r.Get("/status", h.status)
			r.Post("/connect", h.connect)
			r.Get("/account", h.account)
			r.Get("/positions", h.positions)
			r.Post("/orders", h.placeOrder)
		})

		r.Post("/signals", h.signal)

		if hub != nil {
			r.Get("/feed", hub.HandleWS)
		}
	})
	return r
}

func New(cfg Config, d *dispatch.Dispatcher, hub *Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewRouter(cfg, d, hub, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// Start blocks until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
