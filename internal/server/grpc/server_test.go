package grpcserver

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func startServer(t *testing.T, s *Server) healthpb.HealthClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ServeListener(ctx, lis, time.Second) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func check(t *testing.T, c healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := c.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestServer_ProbeDrivesHealth(t *testing.T) {
	t.Parallel()
	var dbDown atomic.Bool
	s := New(map[string]Check{
		"postgres": func(context.Context) error {
			if dbDown.Load() {
				return errors.New("connection refused")
			}
			return nil
		},
		"redis": func(context.Context) error { return nil },
	}, zaptest.NewLogger(t))
	c := startServer(t, s)

	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, c, ""), "not serving before the first probe")

	require.True(t, s.Probe(context.Background(), time.Second))
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, c, ""))
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, c, "postgres"))

	dbDown.Store(true)
	require.False(t, s.Probe(context.Background(), time.Second))
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, c, ""))
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, c, "postgres"))
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, c, "redis"))
}

func TestServer_ProbeTimeout(t *testing.T) {
	t.Parallel()
	s := New(map[string]Check{
		"slow": func(ctx context.Context) error { <-ctx.Done(); return ctx.Err() },
	}, nil)
	require.False(t, s.Probe(context.Background(), 10*time.Millisecond))
}
