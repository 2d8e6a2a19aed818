// Package health exposes the standard gRPC health checking service so that
// orchestrators can check the chat server without going through HTTP.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// ServiceName is the service reported alongside the overall server status.
const ServiceName = "agentchat.Chat"

const defaultCheckInterval = 15 * time.Second

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server serves grpc.health.v1.Health and keeps its status in sync with the
// database.
type Server struct {
	grpc   *grpc.Server
	health *grpchealth.Server
	db     Pinger
	logger *slog.Logger
}

// NewServer creates a health server. Both the overall status and
// ServiceName start as NOT_SERVING until the first successful check.
func NewServer(db Pinger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gs := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	s := &Server{grpc: gs, health: hs, db: db, logger: logger}
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Check pings the database once and publishes the result.
func (s *Server) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if err := s.db.Ping(ctx); err != nil {
		s.logger.Warn("gRPC health check failed", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.set(status)
	return status
}

func (s *Server) set(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Watch runs Check immediately and then on every interval until ctx ends.
func (s *Server) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			checkCtx, cancel := context.WithTimeout(ctx, interval)
			s.Check(checkCtx)
			cancel()

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Serve blocks serving on ln.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("gRPC health server listening", "addr", ln.Addr().String())
	if err := s.grpc.Serve(ln); err != nil {
		return fmt.Errorf("grpc health server: %w", err)
	}
	return nil
}

// ListenAndServe listens on addr and serves in a goroutine. Serve errors are
// delivered on the returned channel.
func (s *Server) ListenAndServe(addr string) (<-chan error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	errCh := make(chan error, 1)
	go func() {
		if err := s.Serve(ln); err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh, nil
}

// Stop marks every service NOT_SERVING and stops the server gracefully.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
