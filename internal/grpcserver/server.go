// Package grpcserver exposes the standard gRPC health service, with the
// "compute" service tracking reachability of the compute node.
package grpcserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"orthoforge/internal/odm"
)

// ComputeService is the health service name reporting the compute node.
const ComputeService = "compute"

// NodeInfoer is the compute node probe.
type NodeInfoer interface {
	Info(ctx context.Context) (odm.NodeInfo, error)
}

// NodeStatus is the last observed state of the compute node.
type NodeStatus struct {
	Reachable bool         `json:"reachable"`
	Info      odm.NodeInfo `json:"info"`
	LastSeen  time.Time    `json:"last_seen,omitempty"`
	LastCheck time.Time    `json:"last_check"`
	Error     string       `json:"error,omitempty"`
}

// Monitor polls the compute node and publishes its reachability through the
// health service.
type Monitor struct {
	node     NodeInfoer
	health   *health.Server
	interval time.Duration
	log      *slog.Logger

	mu     sync.RWMutex
	status NodeStatus
}

// NewMonitor returns a monitor checking node every interval.
func NewMonitor(node NodeInfoer, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	hs := health.NewServer()
	hs.SetServingStatus(ComputeService, healthpb.HealthCheckResponse_UNKNOWN)
	return &Monitor{node: node, health: hs, interval: interval, log: logger}
}

// Health returns the health server backing the monitor.
func (m *Monitor) Health() *health.Server {
	return m.health
}

// Status returns the last observed node state.
func (m *Monitor) Status() NodeStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Check probes the node once and updates the health status.
func (m *Monitor) Check(ctx context.Context) NodeStatus {
	info, err := m.node.Info(ctx)
	now := time.Now()

	m.mu.Lock()
	wasReachable := m.status.Reachable
	m.status.LastCheck = now
	if err != nil {
		m.status.Reachable = false
		m.status.Error = err.Error()
	} else {
		m.status = NodeStatus{Reachable: true, Info: info, LastSeen: now, LastCheck: now}
	}
	st := m.status
	m.mu.Unlock()

	if st.Reachable {
		m.health.SetServingStatus(ComputeService, healthpb.HealthCheckResponse_SERVING)
		if !wasReachable {
			m.log.Info("Compute node reachable", "version", info.Version, "queue", info.TaskQueueCount)
		}
	} else {
		m.health.SetServingStatus(ComputeService, healthpb.HealthCheckResponse_NOT_SERVING)
		if wasReachable {
			m.log.Warn("Compute node unreachable", "error", err)
		}
	}
	return st
}

// Run checks immediately and then every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.Check(ctx)
		select {
		case <-ctx.Done():
			m.health.Shutdown()
			return
		case <-ticker.C:
		}
	}
}

// Serve runs a gRPC server with the health service on addr until ctx ends.
func Serve(ctx context.Context, addr string, m *Monitor, logger *slog.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ServeListener(ctx, lis, m, logger)
}

// ServeListener is Serve on an existing listener.
func ServeListener(ctx context.Context, lis net.Listener, m *Monitor, logger *slog.Logger) error {
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, m.Health())

	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	logger.Info("gRPC health server starting", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}
