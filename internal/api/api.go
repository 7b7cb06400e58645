// Package api provides the HTTP server of the wealth score bot.
//
// It mounts the messaging provider webhooks and serves health checks,
// rendered reports and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ravenloper/score-de-riqueza-bot/internal/messaging"
	"github.com/ravenloper/score-de-riqueza-bot/internal/models"
	"github.com/ravenloper/score-de-riqueza-bot/internal/report"
)

const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = ":8080"
	// DefaultWebhookRatePerMinute caps webhook requests per client IP.
	DefaultWebhookRatePerMinute = 600
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second

	healthMessage = "Wealth Score bot running"
)

// Opts holds configuration for the HTTP server.
type Opts struct {
	Addr                 string
	ReportsDir           string
	WebhookRatePerMinute int
}

// Option configures the server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithReportsDir sets the directory /reports serves from.
func WithReportsDir(dir string) Option {
	return func(o *Opts) {
		o.ReportsDir = dir
	}
}

// WithWebhookRatePerMinute sets the per-IP webhook limit. Zero disables limiting.
func WithWebhookRatePerMinute(n int) Option {
	return func(o *Opts) {
		o.WebhookRatePerMinute = n
	}
}

// Server is the HTTP surface of the bot.
type Server struct {
	addr       string
	reportsDir string
	router     chi.Router
}

// NewServer builds the router. webhooks may be nil when the provider receives
// messages without HTTP (whatsmeow).
func NewServer(webhooks messaging.WebhookRoutes, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, WebhookRatePerMinute: DefaultWebhookRatePerMinute}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Server{addr: cfg.Addr, reportsDir: cfg.ReportsDir}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.healthHandler)
	r.Get("/reports/{name}", s.reportHandler)
	r.Handle("/metrics", promhttp.Handler())

	if webhooks != nil {
		r.Group(func(r chi.Router) {
			if cfg.WebhookRatePerMinute > 0 {
				r.Use(rateLimit(RateLimitConfig{
					RequestsPerWindow: cfg.WebhookRatePerMinute,
					Window:            time.Minute,
					Burst:             cfg.WebhookRatePerMinute,
				}))
			}
			webhooks.RegisterWebhooks(r)
		})
	}

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage(healthMessage, nil))
}

// reportHandler serves rendered PDFs by file name. Twilio fetches media from here.
func (s *Server) reportHandler(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if s.reportsDir == "" || !report.FileNamePattern.MatchString(name) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("report not found"))
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	http.ServeFile(w, r, filepath.Join(s.reportsDir, name))
}
