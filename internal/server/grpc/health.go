package grpcserver

import (
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	relaydv1 "github.com/rzbill/relayd/api/relayd/v1"
)

// SetServing flips the health status reported for the replication service.
func (s *Server) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(relaydv1.ServiceName, st)
	s.health.SetServingStatus("", st)
}
