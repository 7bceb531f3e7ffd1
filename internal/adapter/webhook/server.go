package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"slack-ircd/internal/infra/middleware"
)

// DefaultPath is where Slack is configured to POST events.
const DefaultPath = "/slack/events"

// Config controls the webhook HTTP server.
type Config struct {
	Addr         string
	Path         string
	MaxBodyBytes int64
	RateLimit    middleware.RateLimitConfig
}

// StatusFunc reports whatever /status should serve as JSON.
type StatusFunc func() any

// Server hosts the Dispatcher plus health and status endpoints.
type Server struct {
	cfg        Config
	dispatcher http.Handler
	status     StatusFunc
	logger     *slog.Logger

	server    *http.Server
	boundAddr string
	cancel    context.CancelFunc
}

// NewServer creates a Server. status may be nil.
func NewServer(cfg Config, dispatcher http.Handler, status StatusFunc, logger *slog.Logger) *Server {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		status:     status,
		logger:     logger,
	}
}

// Handler builds the routed, middleware-wrapped handler. ctx bounds the rate
// limiter's cleanup goroutine.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST "+s.cfg.Path, s.dispatcher)
	if s.cfg.Path != "/" {
		mux.Handle("POST /{$}", s.dispatcher)
	}
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)

	var h http.Handler = middleware.MaxBody(s.cfg.MaxBodyBytes)(mux)
	if s.cfg.RateLimit.RequestsPerMin > 0 {
		h = middleware.RateLimitWithConfig(ctx, s.cfg.RateLimit)(h)
	}
	h = middleware.SecurityHeaders(h)
	return middleware.Recover(s.logger)(h)
}

// Start listens and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.boundAddr = ln.Addr().String()

	go func() {
		s.logger.Info("webhook server started", "addr", s.boundAddr, "path", s.cfg.Path)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("webhook server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string { return s.boundAddr }

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		writeJSON(w, map[string]string{})
		return
	}
	writeJSON(w, s.status())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
