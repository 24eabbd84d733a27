package health

import (
	"net"

	"SignGate/logger"
	"SignGate/tools/safe"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported alongside "".
const ServiceName = "signgate.Gateway"

// Server exposes the standard gRPC health protocol for orchestrators.
type Server struct {
	gs  *grpc.Server
	hs  *health.Server
	lis net.Listener
	log *zap.Logger
}

// Start listens on addr and serves health checks in the background.
func Start(addr string, log *zap.Logger) (*Server, error) {
	log = logger.Or(log)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	s := &Server{gs: gs, hs: hs, lis: lis, log: log}
	safe.Go("health.grpc", func() {
		log.Info("gRPC health listening", zap.String("addr", lis.Addr().String()))
		if err := gs.Serve(lis); err != nil {
			log.Error("gRPC health server stopped", zap.Error(err))
		}
	})
	return s, nil
}

func (s *Server) Addr() string { return s.lis.Addr().String() }

// SetNotServing flips every service to NOT_SERVING; used first on shutdown.
func (s *Server) SetNotServing() {
	s.hs.Shutdown()
}

func (s *Server) Stop() {
	s.gs.GracefulStop()
}
