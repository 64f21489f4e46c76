package grpcx

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name reported alongside the overall ("") status.
const ServiceName = "roomhub.RoomHub"

// Pinger reports whether the room registry store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Addr         string
	CallTimeout  time.Duration // guard for calls without a deadline, 10s
	PingInterval time.Duration // 5s
	PingTimeout  time.Duration // 2s
}

func (c *Config) setDefaults() {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 5 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 2 * time.Second
	}
}

type Server struct {
	cfg    Config
	srv    *grpc.Server
	health *health.Server
	store  Pinger
}

func NewServer(cfg Config, store Pinger) *Server {
	cfg.setDefaults()

	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(UnaryServerInterceptor(cfg.CallTimeout)),
		grpc.ChainStreamInterceptor(StreamServerInterceptor()),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	s := &Server{cfg: cfg, srv: srv, health: hs, store: store}
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

func (s *Server) setStatus(st healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// check pings the store once and publishes the result.
func (s *Server) check(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PingTimeout)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		slog.Warn("grpc health: store unreachable", slog.Any("err", err))
		s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
		return
	}
	s.setStatus(healthpb.HealthCheckResponse_SERVING)
}

func (s *Server) watch(ctx context.Context) {
	s.check(ctx)
	t := time.NewTicker(s.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.check(ctx)
		}
	}
}

// Run слушает cfg.Addr и блокирует до завершения ctx.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis)
}

func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.watch(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("grpc listen", slog.String("addr", lis.Addr().String()))
		if err := s.srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.srv.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}
