package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"gridkeeper/internal/core"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exports Prometheus metrics plus any extra handlers on one address
type Server struct {
	addr   string
	logger core.ILogger
	mux    *http.ServeMux

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
}

// NewServer creates a new metrics server listening on addr
func NewServer(addr string, logger core.ILogger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		addr:   addr,
		logger: core.OrNop(logger).WithField("component", "metrics_server"),
		mux:    mux,
	}
}

// Handle registers an additional handler; call before Start
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.mu.Lock()
	s.srv = srv
	s.listener = ln
	s.mu.Unlock()

	go func() {
		s.logger.Info("Starting metrics server", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop gracefully stops the metrics server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Info("Stopping metrics server")
	return srv.Shutdown(ctx)
}

// Run serves until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Stop(shutdownCtx)
}
