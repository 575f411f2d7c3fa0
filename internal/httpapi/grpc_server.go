package httpapi

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"granada.sch.id/backoffice/internal/obs"
)

// GRPCHealth publishes readiness over grpc.health.v1.Health, both for the
// whole server ("") and under obs.ServiceName.
type GRPCHealth struct {
	srv   *health.Server
	probe ReadyProbe
}

func NewGRPCHealth(probe ReadyProbe) *GRPCHealth {
	h := &GRPCHealth{srv: health.NewServer(), probe: probe}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Register attaches the health service to s.
func (h *GRPCHealth) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
}

// Refresh runs the probe once and publishes the result.
func (h *GRPCHealth) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if err := h.probe.Check(ctx); err != nil {
		obs.FromContext(ctx).Warn("grpc health: not serving", slog.Any("err", err))
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.set(status)
	return status
}

// Run refreshes every interval until ctx is done, then marks the server as
// shutting down so watchers see NOT_SERVING.
func (h *GRPCHealth) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	h.refreshWithTimeout(ctx, interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-ticker.C:
			h.refreshWithTimeout(ctx, interval)
		}
	}
}

func (h *GRPCHealth) refreshWithTimeout(ctx context.Context, d time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	h.Refresh(ctx)
}

func (h *GRPCHealth) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(obs.ServiceName, status)
}
