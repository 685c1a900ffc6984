// Package grpcserver exposes worker liveness and readiness over the standard
// gRPC health protocol (grpc.health.v1).
//
// The overall service ("") and the named worker service report SERVING only
// while every dependency probe passes. Shutdown flips both to NOT_SERVING
// before the listener closes so load balancers drain first.
package grpcserver

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported for the worker.
const ServiceName = "ingest.Worker"

// Probe checks one dependency. A non-nil error marks the worker not ready.
type Probe func(ctx context.Context) error

// Server wraps a grpc.Server carrying only the health service.
type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	probes   map[string]Probe
	interval time.Duration

	mu       sync.Mutex
	stopping bool
}

// New constructs a Server. Probes run every interval once Watch starts;
// until then the status is NOT_SERVING.
func New(probes map[string]Probe, interval time.Duration) *Server {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{
		grpc:     gs,
		health:   hs,
		probes:   probes,
		interval: interval,
	}
}

// Serve blocks serving on lis until Shutdown.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Watch runs the probes immediately and then on every interval until ctx is
// done.
func (s *Server) Watch(ctx context.Context) {
	s.check(ctx)
	tick := time.NewTicker(s.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			s.check(ctx)
		}
	}
}

func (s *Server) check(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	for name, probe := range s.probes {
		pctx, cancel := context.WithTimeout(ctx, s.interval)
		err := probe(pctx)
		cancel()
		if err != nil {
			log.Printf("[grpc-health] %s probe failed: %v", name, err)
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Shutdown reports NOT_SERVING, then stops the server, waiting for in-flight
// RPCs up to timeout.
func (s *Server) Shutdown(timeout time.Duration) {
	s.mu.Lock()
	s.stopping = true
	s.health.Shutdown()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.grpc.Stop()
	}
}
