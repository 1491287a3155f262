package api

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/banshee-data/critterwatch/internal/monitoring"
)

// HealthService is the gRPC service name whose status tracks the pipeline.
const HealthService = "critterwatch.Pipeline"

// HealthServer serves the standard grpc.health.v1 service. The overall ("")
// and HealthService statuses are SERVING while frames are being consumed.
type HealthServer struct {
	listenAddr string
	health     *health.Server
	server     *grpc.Server
	listener   net.Listener
	running    atomic.Bool
	wg         sync.WaitGroup
}

// NewHealthServer creates a health server that reports NOT_SERVING until
// SetServing(true) is called.
func NewHealthServer(listenAddr string) *HealthServer {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthServer{listenAddr: listenAddr, health: hs}
}

// SetServing updates the reported status. It is safe to call before Start.
func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(HealthService, status)
}

// Start binds the listener and serves in the background.
func (h *HealthServer) Start() error {
	if h.running.Load() {
		return fmt.Errorf("health server already running")
	}

	lis, err := net.Listen("tcp", h.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	h.listener = lis

	h.server = grpc.NewServer()
	healthpb.RegisterHealthServer(h.server, h.health)
	reflection.Register(h.server)
	h.running.Store(true)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		monitoring.Logf("[grpc] health service listening on %s", lis.Addr())
		if err := h.server.Serve(lis); err != nil && h.running.Load() {
			monitoring.Logf("[grpc] server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (h *HealthServer) Addr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Stop marks every service NOT_SERVING and gracefully stops the server.
func (h *HealthServer) Stop() {
	if !h.running.Load() {
		return
	}
	h.running.Store(false)
	h.health.Shutdown()
	if h.server != nil {
		h.server.GracefulStop()
	}
	h.wg.Wait()
	monitoring.Logf("[grpc] server stopped")
}
