// Package grpcserver hosts the operational gRPC endpoint: health, reflection and interceptors.
package grpcserver

import (
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Ops is the operational gRPC server.
type Ops struct {
	srv    *grpc.Server
	health *health.Server
	log    *zap.Logger
}

// NewOps constructs the server. Reflection is only registered when dev is set.
func NewOps(log *zap.Logger, dev bool) *Ops {
	s := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			RecoverUnary(log),
			LoggingUnary(log),
		),
		grpc.ChainStreamInterceptor(
			RecoverStream(log),
			LoggingStream(log),
		),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	if dev {
		reflection.Register(s)
	}
	return &Ops{srv: s, health: hs, log: log}
}

// Health exposes the health server so jobs can report per-service status.
func (o *Ops) Health() *health.Server { return o.health }

// SetReady sets the overall serving status.
func (o *Ops) SetReady(ready bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		st = healthpb.HealthCheckResponse_SERVING
	}
	o.health.SetServingStatus("", st)
}

// Serve blocks serving lis.
func (o *Ops) Serve(lis net.Listener) error {
	o.log.Info("ops listening", zap.String("addr", lis.Addr().String()))
	return o.srv.Serve(lis)
}

// Shutdown stops gracefully, forcing the stop after timeout.
func (o *Ops) Shutdown(timeout time.Duration) {
	o.health.Shutdown()
	done := make(chan struct{})
	go func() {
		o.srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		o.srv.Stop()
	}
}
