// Package health exposes book servability over the standard gRPC health
// checking protocol. Every symbol is its own service, named
// "<exchange>/<symbol>"; the empty service name reports whether all of them
// can be served.
package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/caesar-terminal/depthbook/internal/adapter"
)

// Gate decides whether a book may be served. *adapter.CircuitBreaker
// satisfies it.
type Gate interface {
	Status(exchange adapter.Exchange, symbol string) string
}

// ServiceName returns the health service name for one book.
func ServiceName(exchange adapter.Exchange, symbol string) string {
	return string(exchange) + "/" + symbol
}

// Server wraps the gRPC server, its listener and the health service.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	socketPath string

	gate     Gate
	exchange adapter.Exchange
	symbols  []string
	poll     time.Duration
	logger   zerolog.Logger

	last map[string]healthpb.HealthCheckResponse_ServingStatus
}

// New listens on addr, either host:port or unix:/path/to.sock, and prepares
// the health service for symbols.
func New(addr string, gate Gate, exchange adapter.Exchange, symbols []string, poll time.Duration, logger zerolog.Logger) (*Server, error) {
	lis, socketPath, err := listen(addr)
	if err != nil {
		return nil, err
	}
	s := NewWithListener(lis, gate, exchange, symbols, poll, logger)
	s.socketPath = socketPath
	return s, nil
}

// NewWithListener is New on an existing listener.
func NewWithListener(lis net.Listener, gate Gate, exchange adapter.Exchange, symbols []string, poll time.Duration, logger zerolog.Logger) *Server {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	hs := health.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	s := &Server{
		grpcServer: gs,
		health:     hs,
		listener:   lis,
		gate:       gate,
		exchange:   exchange,
		symbols:    append([]string(nil), symbols...),
		poll:       poll,
		logger:     logger.With().Str("component", "health").Logger(),
		last:       make(map[string]healthpb.HealthCheckResponse_ServingStatus),
	}
	s.refresh()
	return s
}

func listen(addr string) (net.Listener, string, error) {
	path, ok := strings.CutPrefix(addr, "unix:")
	if !ok {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, "", fmt.Errorf("health: listen on %s: %w", addr, err)
		}
		return lis, "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, "", fmt.Errorf("health: create socket directory: %w", err)
	}
	// Remove any stale socket file from a previous run.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, "", fmt.Errorf("health: remove stale socket: %w", err)
	}
	lis, err := net.Listen("unix", path)
	if err != nil {
		return nil, "", fmt.Errorf("health: listen on unix socket %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		lis.Close()
		return nil, "", fmt.Errorf("health: chmod socket: %w", err)
	}
	return lis, path, nil
}

// Addr returns the listener address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve starts accepting gRPC connections. It blocks until the server is
// stopped or an error occurs.
func (s *Server) Serve() error {
	return s.grpcServer.Serve(s.listener)
}

// Run re-evaluates every symbol each poll interval until ctx is cancelled,
// then marks everything NOT_SERVING.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
			s.refresh()
		}
	}
}

// GracefulStop drains in-flight RPCs and cleans up the socket file.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	s.listener.Close()
	if s.socketPath != "" {
		os.Remove(s.socketPath)
	}
}

func (s *Server) refresh() {
	all := healthpb.HealthCheckResponse_SERVING
	for _, sym := range s.symbols {
		reason := s.gate.Status(s.exchange, sym)
		st := healthpb.HealthCheckResponse_NOT_SERVING
		if reason == adapter.ReasonServing {
			st = healthpb.HealthCheckResponse_SERVING
		} else {
			all = healthpb.HealthCheckResponse_NOT_SERVING
		}
		s.set(ServiceName(s.exchange, sym), st, reason)
	}
	s.set("", all, "")
}

func (s *Server) set(service string, st healthpb.HealthCheckResponse_ServingStatus, reason string) {
	if prev, ok := s.last[service]; ok && prev == st {
		return
	}
	s.last[service] = st
	s.health.SetServingStatus(service, st)
	if service != "" {
		s.logger.Info().Str("service", service).Str("status", st.String()).Str("reason", reason).Msg("health changed")
	}
}
