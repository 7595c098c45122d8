package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/openjobspec/ojs-imagepipe/internal/core"
	"github.com/openjobspec/ojs-imagepipe/internal/kv"
	natsbackend "github.com/openjobspec/ojs-imagepipe/internal/nats"
	"github.com/openjobspec/ojs-imagepipe/internal/server"
	"github.com/openjobspec/ojs-imagepipe/internal/status"
)

const healthService = "imagepipe.v1.Pipeline"

// connect opens the broker channel under the credentials of identity.
func connect(ctx context.Context, c *commandContext, identity string) (*natsbackend.Channel, error) {
	user, password := c.cfg.BrokerCredentials(identity)
	if password == "" {
		c.logger.Warn("no broker password configured, connecting unauthenticated", "stage", identity)
		user = ""
	}
	ch, err := natsbackend.New(ctx, natsbackend.Options{
		URL:            c.cfg.NatsURL,
		Name:           "imagepipe-" + identity,
		User:           user,
		Password:       password,
		ConfirmTimeout: c.cfg.ConfirmTimeout,
		Stream: natsbackend.StreamOptions{
			StatusTTL: c.cfg.SlidingTTL,
			MaxAge:    c.cfg.SweepAge,
		},
	}, c.logger)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	c.logger.Info("connected to NATS", "url", c.cfg.NatsURL, "stage", identity)
	return ch, nil
}

// openStore returns the configured status store and a release func.
func openStore(ctx context.Context, c *commandContext, ch *natsbackend.Channel) (core.StatusStore, func(), error) {
	switch c.cfg.StatusBackend {
	case server.StoreNATS:
		bucket, err := ch.StatusBucket(ctx)
		if err != nil {
			return nil, nil, err
		}
		return kv.NewStatusStore(bucket, c.cfg.SlidingTTL, c.cfg.AbsoluteTTL), func() {}, nil
	case server.StoreRedis:
		rdb, err := status.OpenRedis(ctx, c.cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return status.NewRedisStore(rdb, c.cfg.SlidingTTL, c.cfg.AbsoluteTTL), func() { _ = rdb.Close() }, nil
	case server.StoreMemory:
		c.logger.Warn("using in-memory status store, status is not shared between processes")
		return status.NewMemoryStore(c.cfg.SlidingTTL, c.cfg.AbsoluteTTL), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown status backend %q", c.cfg.StatusBackend)
	}
}

// serveHTTP runs srv until ctx is done, then shuts it down gracefully.
func serveHTTP(ctx context.Context, c *commandContext, name string, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		c.logger.Info(name+" listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s: %w", name, err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		c.logger.Error(name+" shutdown error", "error", err)
	}
	return nil
}

// startMetrics serves /metrics and /health for non-API roles.
func startMetrics(ctx context.Context, c *commandContext) {
	srv := &http.Server{
		Addr:              ":" + c.cfg.MetricsPort,
		Handler:           server.NewMetricsRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := serveHTTP(ctx, c, "metrics server", srv); err != nil {
			c.logger.Error("metrics server error", "error", err)
		}
	}()
}

// startHealth runs the gRPC health service. The returned func flips it to
// NOT_SERVING and stops the server.
func startHealth(c *commandContext) func() {
	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	go func() {
		lis, err := net.Listen("tcp", ":"+c.cfg.GRPCPort)
		if err != nil {
			c.logger.Error("failed to listen for gRPC", "port", c.cfg.GRPCPort, "error", err)
			return
		}
		c.logger.Info("gRPC health server listening", "port", c.cfg.GRPCPort)
		if err := grpcServer.Serve(lis); err != nil {
			c.logger.Error("gRPC server error", "error", err)
		}
	}()

	return func() {
		healthSrv.Shutdown()
		grpcServer.GracefulStop()
	}
}
