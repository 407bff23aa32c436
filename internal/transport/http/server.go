// Package http provides the HTTP transport layer for spillq.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	POST   /queue                  push the raw request body as one message
//	POST   /queue/pop?max_len=N    pop one message, truncated to N bytes
//	POST   /queue/control          {"op":1000|1001,"count":N}
//	GET    /queue/stats
//	GET    /queue/ws
//	GET    /metrics
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/snehjoshi/spillq/internal/config"
	"github.com/snehjoshi/spillq/internal/device"
	"github.com/snehjoshi/spillq/internal/metrics"
	transportws "github.com/snehjoshi/spillq/internal/transport/websocket"
)

// Server wraps the stdlib HTTP server with spillq route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server around dev. reg may be nil, in which case /metrics is
// not mounted and requests are not counted.
// The caller is responsible for calling ListenAndServe / Shutdown.
func New(dev *device.Device, cfg *config.Config, reg *metrics.Registry) *Server {
	h := &Handler{dev: dev, maxElem: cfg.Queue.MaxElemSize, dataDir: cfg.Node.DataDir}
	ws := &transportws.Handler{Device: dev, MaxElemSize: cfg.Queue.MaxElemSize}

	mux := http.NewServeMux()

	// Health
	mux.HandleFunc("GET /health", h.health)

	// Byte-stream device
	mux.HandleFunc("POST /queue", h.push)
	mux.HandleFunc("POST /queue/pop", h.pop)
	mux.HandleFunc("POST /queue/control", h.control)
	mux.HandleFunc("GET /queue/stats", h.stats)

	// WebSocket device session
	mux.Handle("GET /queue/ws", ws)

	// Metrics (Prometheus text format)
	if reg != nil {
		mux.Handle("GET /metrics", reg.Handler())
	}

	// Build middleware chain: cors → body limit → logging → metrics → auth → rate-limit
	var handler http.Handler = mux
	handler = chain(handler,
		CORSMiddleware,
		MaxBodyMiddleware,
		LoggingMiddleware,
		MetricsMiddleware(reg),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
		RateLimitMiddleware(cfg.HTTP.RateLimitRPS, cfg.HTTP.RateLimitBurst),
	)

	return &Server{
		inner: &http.Server{
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":8080").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
