package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/taskreplay/internal/archive"
	"github.com/austindbirch/taskreplay/internal/auth"
	"github.com/austindbirch/taskreplay/internal/bridge"
	"github.com/austindbirch/taskreplay/internal/config"
	"github.com/austindbirch/taskreplay/internal/db"
	"github.com/austindbirch/taskreplay/internal/emulator"
	"github.com/austindbirch/taskreplay/internal/envelope"
	"github.com/austindbirch/taskreplay/internal/health"
	"github.com/austindbirch/taskreplay/internal/logging"
	"github.com/austindbirch/taskreplay/internal/metrics"
	"github.com/austindbirch/taskreplay/internal/policy"
	"github.com/austindbirch/taskreplay/internal/replay"
	"github.com/austindbirch/taskreplay/internal/tracing"
)

const serviceName = "taskreplay-emulator"

// baselinePolicy is the termination policy restored after every reset.
func baselinePolicy(cfg config.Config) policy.Config {
	return policy.Config{
		SkipSequences: cfg.Replay.SkipSequences,
		MaxRunsForKey: cfg.Replay.MaxRunsForKey,
	}
}

// tokenSource signs push tokens with the shared secret, or falls back to the static test token.
func tokenSource(cfg config.Config) (envelope.TokenSource, error) {
	if cfg.Auth.Secret == "" {
		return auth.StaticToken(auth.DefaultStaticToken), nil
	}
	return auth.NewSigner(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.Audience, serviceName, time.Hour)
}

func engineOptions(cfg config.Config, tokens envelope.TokenSource) []replay.Option {
	opts := []replay.Option{
		replay.WithSelfURL(cfg.Replay.SelfURL),
		replay.WithPushPath(cfg.Replay.PushPath),
		replay.WithSubscription(cfg.Replay.Subscription),
		replay.WithDefaultQueue(cfg.Replay.DefaultQueue),
		replay.WithTokenSource(tokens),
	}
	if cfg.Replay.DeadLetterTopic != "" {
		opts = append(opts, replay.WithDeadLetterTopic(cfg.Replay.DeadLetterTopic))
	}
	return opts
}

func main() {
	cfg := config.FromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.SetDefaultService(serviceName)
	logger := logging.New(serviceName)

	shutdown, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	tokens, err := tokenSource(cfg)
	if err != nil {
		logger.Plain().WithError(err).Fatal("push token signer")
	}

	opts := []emulator.Option{
		emulator.WithLogger(logger),
		emulator.WithEngineOptions(engineOptions(cfg, tokens)...),
	}
	var verifier *auth.Verifier
	if cfg.Auth.Require {
		verifier, err = auth.NewHMACVerifier(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			logger.Plain().WithError(err).Fatal("auth verifier")
		}
		opts = append(opts, emulator.WithVerifier(verifier))
	}

	// Postgres is only needed when runs are archived
	var pinger health.Pinger
	if cfg.Emulator.Archive {
		pool, err := db.Connect(ctx, cfg.DSN())
		if err != nil {
			logger.Plain().WithError(err).Fatal("db connect failed")
		}
		defer pool.Close()
		if err := db.EnsureSchema(ctx, pool); err != nil {
			logger.Plain().WithError(err).Fatal("db schema")
		}
		pinger = pool
		opts = append(opts, emulator.WithArchive(archive.NewStore(pool)))
	}

	target := replay.Remote(cfg.Replay.TargetURL, cfg.Replay.DeliveryTimeout)
	srv, err := emulator.New(target, baselinePolicy(cfg), opts...)
	if err != nil {
		logger.Plain().WithError(err).Fatal("emulator init failed")
	}

	if cfg.NSQ.Enabled {
		consumer, err := bridge.NewConsumer(cfg.NSQ, bridge.NewHandler(srv.Engine().PubSub(), logger))
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq bridge failed")
		}
		defer func() {
			consumer.Stop()
			<-consumer.StopChan
		}()
		logger.Plain().WithTopic(cfg.NSQ.Topic).Info("nsq bridge connected")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pinger, srv.Engine()))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", srv)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPPort,
		Handler:      mux,
		ReadTimeout:  cfg.Emulator.ReadTimeout,
		WriteTimeout: cfg.Emulator.WriteTimeout,
		IdleTimeout:  cfg.Emulator.IdleTimeout,
	}

	var grpcOpts []grpc.ServerOption
	if verifier != nil {
		grpcOpts = append(grpcOpts, grpc.UnaryInterceptor(verifier.GRPCInterceptor()))
	}
	grpcSrv := grpc.NewServer(grpcOpts...)
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.NSQ.Enabled {
		monitor := bridge.NewBacklogMonitor(cfg.NSQ.NsqdHTTPAddr, cfg.NSQ.Topic, logger)
		g.Go(func() error { return monitor.Run(gctx, cfg.NSQ.PollInterval) })
	}
	g.Go(func() error {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("emulator HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCPort)
		if err != nil {
			return err
		}
		logger.Plain().WithField("addr", cfg.GRPCPort).Info("emulator gRPC health starting")
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Plain().Info("Shutting down emulator")
		hs.Shutdown()
		grpcSrv.GracefulStop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Plain().WithError(err).Error("emulator stopped with error")
		os.Exit(1)
	}
	logger.Plain().Info("emulator stopped")
}
