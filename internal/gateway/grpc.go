// ABOUTME: gRPC health service mirroring store readiness
// ABOUTME: Serves grpc.health.v1 so orchestrators can probe keygate without HTTP

package gateway

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// HealthServiceName is the per-service name reported alongside the overall status.
const HealthServiceName = "keygate.Auth"

const readinessInterval = 10 * time.Second

// readinessChecker is satisfied by the service layer.
type readinessChecker interface {
	Ready(ctx context.Context) error
}

// healthReporter keeps a grpc health server in sync with store readiness.
type healthReporter struct {
	checker readinessChecker
	health  *health.Server
	logger  *slog.Logger
}

// newGRPCServer creates a gRPC server carrying only the health service.
func newGRPCServer(checker readinessChecker, logger *slog.Logger) (*grpc.Server, *healthReporter) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			Time:              time.Minute,
			Timeout:           20 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)

	return server, &healthReporter{checker: checker, health: hs, logger: logger}
}

// check probes readiness once and publishes the result.
func (h *healthReporter) check(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if err := h.checker.Ready(ctx); err != nil {
		h.logger.Warn("store not ready", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(HealthServiceName, status)
}

// run re-checks readiness until ctx is done, then reports NOT_SERVING.
func (h *healthReporter) run(ctx context.Context) {
	h.check(ctx)

	ticker := time.NewTicker(readinessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.health.Shutdown()
			return
		case <-ticker.C:
			h.check(ctx)
		}
	}
}
