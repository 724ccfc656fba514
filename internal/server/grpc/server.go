// Package grpcserver runs the gateway's gRPC health endpoint.
package grpcserver

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Check probes one dependency. A nil error means healthy.
type Check func(ctx context.Context) error

// Server serves grpc.health.v1 with a status derived from dependency checks.
// The overall ("") service is SERVING only while every check passes; each
// check is also reported under its own name.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	checks map[string]Check
	log    *zap.Logger

	mu   sync.Mutex
	last map[string]error
}

// New builds a server with recovery and logging interceptors.
func New(checks map[string]Check, log *zap.Logger, opts ...grpc.ServerOption) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	opts = append(opts,
		grpc.ChainUnaryInterceptor(RecoverUnary(log), LoggingUnary(log)),
		grpc.ChainStreamInterceptor(RecoverStream(log), LoggingStream(log)),
	)
	s := &Server{
		grpc:   grpc.NewServer(opts...),
		health: health.NewServer(),
		checks: checks,
		log:    log,
		last:   make(map[string]error),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Probe runs every check once and publishes the result.
func (s *Server) Probe(ctx context.Context, timeout time.Duration) bool {
	healthy := true
	for name, check := range s.checks {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		err := check(cctx)
		cancel()

		st := healthpb.HealthCheckResponse_SERVING
		if err != nil {
			st = healthpb.HealthCheckResponse_NOT_SERVING
			healthy = false
		}
		s.health.SetServingStatus(name, st)
		s.logTransition(name, err)
	}
	if healthy {
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	} else {
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return healthy
}

func (s *Server) logTransition(name string, err error) {
	s.mu.Lock()
	prev, seen := s.last[name]
	s.last[name] = err
	s.mu.Unlock()
	switch {
	case err != nil && (prev == nil || !seen):
		s.log.Warn("dependency unhealthy", zap.String("check", name), zap.Error(err))
	case err == nil && seen && prev != nil:
		s.log.Info("dependency recovered", zap.String("check", name))
	}
}

// Watch probes every interval until ctx is done.
func (s *Server) Watch(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		s.Probe(ctx, interval)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Serve listens on addr until ctx is done, then stops gracefully within grace.
func (s *Server) Serve(ctx context.Context, addr string, grace time.Duration) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, lis, grace)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(ctx context.Context, lis net.Listener, grace time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("health endpoint listening", zap.String("addr", lis.Addr().String()))
		errCh <- s.grpc.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		done := make(chan struct{})
		go func() {
			s.grpc.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(grace):
			s.grpc.Stop()
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}
