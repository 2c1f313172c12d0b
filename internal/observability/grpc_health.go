package observability

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCHealth serves the standard grpc.health.v1 service, mirroring the
// readiness checks used by the HTTP /ready endpoint.
type GRPCHealth struct {
	server   *grpc.Server
	health   *health.Server
	checks   map[string]HealthCheckFunc
	interval time.Duration
	logger   zerolog.Logger
}

// NewGRPCHealth registers a health service on a fresh gRPC server.
func NewGRPCHealth(checks map[string]HealthCheckFunc, interval time.Duration) *GRPCHealth {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return &GRPCHealth{
		server:   srv,
		health:   hs,
		checks:   checks,
		interval: interval,
		logger:   ForComponent("grpc_health"),
	}
}

// Serve listens on addr and refreshes serving status until ctx is done.
func (g *GRPCHealth) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc health listen %s: %w", addr, err)
	}

	go g.refreshLoop(ctx)
	go func() {
		<-ctx.Done()
		g.health.Shutdown()
		g.server.GracefulStop()
	}()

	g.logger.Info().Str("addr", addr).Msg("gRPC health service listening")
	if err := g.server.Serve(lis); err != nil && ctx.Err() == nil {
		return fmt.Errorf("grpc health serve: %w", err)
	}
	return nil
}

func (g *GRPCHealth) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		g.refresh(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (g *GRPCHealth) refresh(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, g.interval)
	defer cancel()

	deps, allHealthy := RunChecks(checkCtx, g.checks)
	for name, dep := range deps {
		g.health.SetServingStatus(name, servingStatus(dep.Status == "healthy"))
	}
	// The empty service name reports overall health.
	g.health.SetServingStatus("", servingStatus(allHealthy))
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
