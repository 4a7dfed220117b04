// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package admin serves the daemon's HTTP admin surface: metrics, health and status.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/ManuGH/buildd/internal/log"
)

const rateLimitWindow = time.Minute

// Status is the daemon snapshot rendered by /status.
type Status struct {
	DaemonID       string    `json:"daemon_id"`
	Version        string    `json:"version"`
	Pid            int       `json:"pid"`
	ControlAddress string    `json:"control_address"`
	StartedAt      time.Time `json:"started_at"`
	ActiveSessions int       `json:"active_sessions"`
	Busy           int       `json:"busy"`
	IdleSince      time.Time `json:"idle_since"`
	Stopping       bool      `json:"stopping"`
}

// StatusSource provides the current daemon status.
type StatusSource interface {
	Status() Status
}

// StatusFunc adapts a function to StatusSource.
type StatusFunc func() Status

func (f StatusFunc) Status() Status { return f() }

// Config controls the admin server.
type Config struct {
	ListenAddr  string
	RateLimit   int // requests per minute per client IP; 0 disables limiting
	ServiceName string
}

// NewRouter builds the admin handler.
func NewRouter(cfg Config, src StatusSource) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	if cfg.RateLimit > 0 {
		r.Use(rateLimit(cfg.RateLimit))
	}

	r.Get("/healthz", handleHealth(src))
	r.Get("/status", handleStatus(src))
	r.Handle("/metrics", promhttp.Handler())

	service := cfg.ServiceName
	if service == "" {
		service = "buildd-admin"
	}
	return otelhttp.NewHandler(r, service,
		otelhttp.WithTracerProvider(otel.GetTracerProvider()),
		otelhttp.WithFilter(shouldTrace),
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return operation + " " + r.URL.Path
		}),
	)
}

func shouldTrace(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/metrics":
		return false
	}
	return true
}

func rateLimit(perMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(
		perMinute,
		rateLimitWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Retry-After", strconv.Itoa(int(rateLimitWindow.Seconds())))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error":  "rate_limit_exceeded",
				"detail": "Too many requests. Please try again later.",
			})
		}),
	)
}

func handleHealth(src StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if src.Status().Stopping {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "stopping"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func handleStatus(src StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, src.Status())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Server is a running admin HTTP server.
type Server struct {
	srv    *http.Server
	ln     net.Listener
	logger zerolog.Logger
}

// Listen binds the admin listener. Serve must be called to handle requests.
func Listen(cfg Config, src StatusSource) (*Server, error) {
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("admin listen on %s: %w", cfg.ListenAddr, err)
	}
	return &Server{
		srv: &http.Server{
			Handler:           NewRouter(cfg, src),
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       time.Minute,
		},
		ln:     ln,
		logger: log.WithComponent("admin"),
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve handles requests until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Serve() error {
	s.logger.Info().
		Str(log.FieldEvent, "admin.started").
		Str(log.FieldLocal, s.ln.Addr().String()).
		Msg("admin server listening")
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin serve: %w", err)
	}
	return nil
}

// Shutdown stops the server, waiting for in-flight requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Str(log.FieldEvent, "admin.stopping").Msg("stopping admin server")
	return s.srv.Shutdown(ctx)
}
