package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/duet-chat/duet-relay/internal/channel"
	"github.com/duet-chat/duet-relay/internal/config"
	"github.com/duet-chat/duet-relay/internal/directory"
	"github.com/duet-chat/duet-relay/internal/match"
	"github.com/duet-chat/duet-relay/internal/registry"
	"github.com/duet-chat/duet-relay/internal/relay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// RelayServer wires dependencies and hosts the client, admin and gRPC health listeners.
type RelayServer struct {
	cfg        config.Config
	log        *zap.Logger
	dir        directory.Directory
	registry   *registry.Registry
	channels   *channel.Manager
	metrics    *relayMetrics
	promReg    *prometheus.Registry
	httpServer *http.Server
	adminHTTP  *http.Server
	grpcServer *grpc.Server
	health     *health.Server
	ready      atomic.Bool

	httpLis net.Listener
	grpcLis net.Listener
}

// NewRelayServer constructs a server around a user directory.
func NewRelayServer(cfg config.Config, logger *zap.Logger, dir directory.Directory) *RelayServer {
	if dir == nil {
		dir = directory.NewMemory(true)
	}
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return &RelayServer{
		cfg:      cfg,
		log:      logger,
		dir:      dir,
		registry: registry.New(),
		metrics:  newRelayMetrics(promReg),
		promReg:  promReg,
	}
}

// Start listens and blocks until ctx is cancelled or a listener fails.
func (s *RelayServer) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Listen binds the client and gRPC listeners.
func (s *RelayServer) Listen() error {
	httpLis, err := net.Listen("tcp", s.cfg.HTTPAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.HTTPAddress, err)
	}
	grpcLis, err := net.Listen("tcp", s.cfg.GRPCAddress)
	if err != nil {
		_ = httpLis.Close()
		return fmt.Errorf("listen on %s: %w", s.cfg.GRPCAddress, err)
	}
	s.httpLis, s.grpcLis = httpLis, grpcLis
	return nil
}

// HTTPAddr is the bound client listener address, valid after Listen.
func (s *RelayServer) HTTPAddr() net.Addr {
	if s.httpLis == nil {
		return nil
	}
	return s.httpLis.Addr()
}

// GRPCAddr is the bound gRPC listener address, valid after Listen.
func (s *RelayServer) GRPCAddr() net.Addr {
	if s.grpcLis == nil {
		return nil
	}
	return s.grpcLis.Addr()
}

// Serve runs the listeners bound by Listen.
func (s *RelayServer) Serve(ctx context.Context) error {
	if s.httpLis == nil || s.grpcLis == nil {
		return errors.New("serve called before listen")
	}

	s.channels = channel.NewManager(s.registry, channel.Options{
		Log:           s.log.Named("channel"),
		Observer:      s.metrics,
		JoinTimeout:   s.cfg.Cleanup.JoinTimeout,
		IdleTimeout:   s.cfg.Cleanup.IdleTimeout,
		SweepInterval: s.cfg.Cleanup.SweepInterval,
	})
	s.channels.StartHousekeeping(ctx)

	matcher := match.New(s.registry, s.dir, s.channels, match.Options{
		Log:              s.log.Named("match"),
		Observer:         s.metrics,
		Picker:           match.NewUniformPicker(s.cfg.Match.Seed),
		MaxAttempts:      s.cfg.Match.MaxAttempts,
		DirectoryTimeout: s.cfg.Match.DirectoryTimeout,
	})
	dispatcher := relay.NewDispatcher(s.registry, s.channels, relay.Options{
		Log:         s.log.Named("relay"),
		Observer:    s.metrics,
		ValidateSDP: s.cfg.Relay.ValidateSDP,
	})
	router := NewRouter(s.log.Named("router"), s.registry, s.dir, s.channels, matcher, dispatcher, RouterOptions{
		Metrics:          s.metrics,
		IdentityParam:    s.cfg.Session.IdentityParam,
		AllowedOrigins:   s.cfg.Session.AllowedOrigins,
		DirectoryTimeout: s.cfg.Match.DirectoryTimeout,
		Session: sessionOptions{
			SendBuffer:      s.cfg.Session.SendBuffer,
			PongWait:        s.cfg.Session.PongWait,
			WriteWait:       s.cfg.Session.WriteWait,
			MaxMessageBytes: s.cfg.Session.MaxMessageBytes,
			EventsPerSecond: s.cfg.Session.EventsPerSecond,
			EventBurst:      s.cfg.Session.EventBurst,
		},
	})

	mux := http.NewServeMux()
	mux.Handle(s.cfg.WebSocketPath, router)
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: s.cfg.Admin.ReadHeaderTimeout,
		// hijacked sockets outlive Shutdown; tie them to ctx so they close with it
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	s.startAdminServer()

	grpcOpts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:              s.cfg.GRPCServer.KeepaliveTime,
			Timeout:           s.cfg.GRPCServer.KeepaliveTimeout,
			MaxConnectionIdle: s.cfg.GRPCServer.MaxConnectionIdle,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             s.cfg.GRPCServer.KeepaliveTime / 2,
			PermitWithoutStream: true,
		}),
	}
	s.grpcServer = grpc.NewServer(grpcOpts...)
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)

	errCh := make(chan error, 2)
	go func() {
		s.log.Info("client listener up", zap.String("address", s.httpLis.Addr().String()), zap.String("path", s.cfg.WebSocketPath))
		if err := s.httpServer.Serve(s.httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("serve http: %w", err)
		}
	}()
	go func() {
		s.log.Info("gRPC health listener up", zap.String("address", s.grpcLis.Addr().String()))
		if err := s.grpcServer.Serve(s.grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("serve gRPC: %w", err)
		}
	}()

	s.ready.Store(true)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
	defer cancel()
	s.Shutdown(stopCtx)
	return serveErr
}

func (s *RelayServer) startAdminServer() {
	if s.cfg.Admin.Address == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})

	s.adminHTTP = &http.Server{
		Addr:              s.cfg.Admin.Address,
		Handler:           mux,
		ReadHeaderTimeout: s.cfg.Admin.ReadHeaderTimeout,
	}

	go func() {
		if err := s.adminHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", s.cfg.Admin.Address))
}

// Shutdown attempts a graceful stop before forcing termination.
func (s *RelayServer) Shutdown(ctx context.Context) {
	s.ready.Store(false)
	if s.health != nil {
		s.health.Shutdown()
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("client listener shutdown", zap.Error(err))
		}
	}
	if s.adminHTTP != nil {
		if err := s.adminHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server shutdown", zap.Error(err))
		}
	}
	if s.grpcServer == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("gRPC server stopped")
	case <-ctx.Done():
		s.log.Warn("graceful shutdown timed out; forcing stop")
		s.grpcServer.Stop()
	}
}
