// Package hostapi exposes the listening-session controller to host
// applications over HTTP and WebSocket.
//
// Every operation is available both as a REST route under /v1 and as a
// method on the /v1/events WebSocket, where the server also pushes gateway
// notifications as {event, data} frames.
package hostapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/earshot/internal/health"
	"github.com/MrWong99/earshot/internal/history"
	"github.com/MrWong99/earshot/internal/notify"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/recognition"
	"github.com/MrWong99/earshot/pkg/speech"
)

// shutdownTimeout bounds graceful shutdown in [Server.ListenAndServe].
const shutdownTimeout = 10 * time.Second

// Recognizer is the controller surface the API serves.
// *recognition.Controller satisfies it.
type Recognizer interface {
	Available(ctx context.Context) bool
	Start(ctx context.Context, opts recognition.UtteranceOptions) (recognition.Result, error)
	Stop(ctx context.Context) error
	IsListening() bool
	SupportedLanguages(ctx context.Context) ([]string, error)
	CheckPermissions(ctx context.Context) (speech.PermissionState, error)
	RequestPermissions(ctx context.Context) (speech.PermissionState, error)
}

var _ Recognizer = (*recognition.Controller)(nil)

// Server is the host API. Create it with [New] and mount [Server.Handler] or
// run [Server.ListenAndServe].
type Server struct {
	rec     Recognizer
	gw      *notify.Gateway
	store   history.Store
	health  *health.Handler
	metrics *observe.Metrics
	promh   http.Handler
}

// Option configures a [Server].
type Option func(*Server)

// WithHistory serves /v1/sessions from store.
func WithHistory(store history.Store) Option {
	return func(s *Server) { s.store = store }
}

// WithHealth serves /healthz and /readyz from h.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics replaces [observe.DefaultMetrics] for request instrumentation.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsHandler replaces the default promhttp handler on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.promh = h }
}

// New creates a Server for rec that pushes events from gw.
func New(rec Recognizer, gw *notify.Gateway, opts ...Option) *Server {
	s := &Server{rec: rec, gw: gw}
	for _, o := range opts {
		o(s)
	}
	if s.health == nil {
		s.health = health.New(health.EngineChecker("engine", rec.Available))
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.promh == nil {
		s.promh = promhttp.Handler()
	}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(observe.Middleware(s.metrics))

	s.health.Register(r)
	r.Method(http.MethodGet, "/metrics", s.promh)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/available", s.handleAvailable)
		r.Post("/start", s.handleStart)
		r.Post("/stop", s.handleStop)
		r.Get("/listening", s.handleListening)
		r.Get("/languages", s.handleLanguages)
		r.Get("/permissions", s.handleCheckPermissions)
		r.Post("/permissions", s.handleRequestPermissions)
		r.Delete("/listeners", s.handleRemoveAllListeners)
		r.Get("/sessions", s.handleSessions)
		r.Get("/sessions/{id}", s.handleSession)
		r.Get("/events", s.handleEvents)
	})
	return r
}

// ListenAndServe serves the API on addr until ctx is cancelled, then shuts
// down gracefully. certFile and keyFile enable TLS when both are set.
func (s *Server) ListenAndServe(ctx context.Context, addr, certFile, keyFile string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("host api listening", "addr", addr, "tls", certFile != "")
		var err error
		if certFile != "" && keyFile != "" {
			err = srv.ListenAndServeTLS(certFile, keyFile)
		} else {
			err = srv.ListenAndServe()
		}
		errc <- err
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("host api shutdown", "err", err)
		return err
	}
	return nil
}
