package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChrisB0-2/extension-guard/internal/logger"
)

// Handler returns the /metrics handler for g. A nil gatherer serves the
// default registry. Collection errors are logged and the metrics that
// could be gathered are still served.
func Handler(g prometheus.Gatherer, log logger.Logger) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{
		ErrorLog:      errorLog{log: logger.OrNop(log)},
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// errorLog adapts the logger to promhttp.Logger.
type errorLog struct {
	log logger.Logger
}

func (e errorLog) Println(v ...interface{}) {
	e.log.Warn("metrics collection error", logger.F("detail", fmt.Sprint(v...)))
}

// Server serves Prometheus metrics on their own listener, apart from the
// API.
type Server struct {
	addr   string
	server *http.Server

	mu        sync.Mutex
	ln        net.Listener
	ready     chan struct{}
	readyOnce sync.Once
}

// NewServer creates a metrics server for addr, ":9090" when empty.
func NewServer(addr string, g prometheus.Gatherer, log logger.Logger) *Server {
	if addr == "" {
		addr = ":9090"
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", Handler(g, log))
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, "{\"status\":\"ok\"}\n")
	})

	return &Server{
		addr:  addr,
		ready: make(chan struct{}),
		server: &http.Server{
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start binds the listener and serves until Shutdown, after which it
// returns nil.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })

	if err := s.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Shutdown gracefully stops the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Addr returns the bound address once listening and the configured one
// before that.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}
