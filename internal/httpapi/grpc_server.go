package httpapi

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"medguard.org/internal/obs"
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// GRPCServer serves the standard gRPC health protocol. The status of both
// the overall server ("") and the medguard service follows the readiness
// probe.
type GRPCServer struct {
	health    *health.Server
	readiness readinessChecker
	log       logrus.FieldLogger
}

// NewGRPCServer creates the health service wrapper. It starts NOT_SERVING
// until the first Refresh.
func NewGRPCServer(r readinessChecker, log logrus.FieldLogger) *GRPCServer {
	if log == nil {
		log = obs.Component("grpc")
	}
	s := &GRPCServer{health: health.NewServer(), readiness: r, log: log}
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register attaches the health and reflection services to srv.
func (s *GRPCServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s.health)
	reflection.Register(srv)
}

// Refresh runs the readiness probe once and publishes the result.
func (s *GRPCServer) Refresh(ctx context.Context) bool {
	err := s.readiness.Check(ctx)
	if err != nil {
		s.log.WithError(err).Debug("not ready")
		s.set(healthpb.HealthCheckResponse_NOT_SERVING)
		obs.SetReady(false)
		return false
	}
	s.set(healthpb.HealthCheckResponse_SERVING)
	obs.SetReady(true)
	return true
}

// Run refreshes every interval until ctx ends, then marks the service as
// shutting down so clients drain.
func (s *GRPCServer) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s.Refresh(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return nil
		case <-t.C:
			s.Refresh(ctx)
		}
	}
}

func (s *GRPCServer) set(st healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(serviceName, st)
}
