package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"schoolgate.org/internal/admission"
	"schoolgate.org/internal/auth"
	"schoolgate.org/internal/config"
	"schoolgate.org/internal/gate"
	"schoolgate.org/internal/httpapi"
	"schoolgate.org/internal/ledger"
	"schoolgate.org/internal/lock"
	"schoolgate.org/internal/notify"
	"schoolgate.org/internal/obs"
	"schoolgate.org/internal/receipt"
	"schoolgate.org/internal/store/pg"
	"schoolgate.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ./config/config.yaml or ./config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// The logger is not configured yet.
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	logger, err := obs.InitLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("schoolgate-api stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	loc, err := cfg.Gate.Location()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		store  ledger.Store
		closer io.Closer
	)
	if cfg.DB.DSN != "" {
		pgStore, err := pg.Open(cfg.DB.DSN, pg.PoolConfig{
			MaxOpenConns:    cfg.DB.MaxOpenConns,
			MaxIdleConns:    cfg.DB.MaxIdleConns,
			ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
		})
		if err != nil {
			return err
		}
		store, closer = pgStore, pgStore
	} else {
		logger.Warn("db.dsn is empty, using the in-memory store; data is lost on restart")
		store = ledger.NewInMemory()
	}
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}

	var locker lock.Locker = lock.NewKeyed()
	if cfg.Redis.Addr != "" {
		client, err := lock.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()
		locker = lock.NewRedis(client, lock.WithTTL(cfg.Gate.LockTTL), lock.WithLogger(logger))
		logger.Info("gate lock backed by redis", zap.String("addr", cfg.Redis.Addr))
	}

	live := stream.New(64)
	sinks := []notify.Sink{notify.LogSink{Log: logger}, notify.StreamSink{Stream: live}}
	if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.Notify.WebhookURL, cfg.Notify.WebhookTimeout))
	}
	dispatcher := notify.NewDispatcher(cfg.Notify.QueueSize, sinks,
		notify.WithDispatchLogger(logger),
		notify.WithDeliveryTimeout(cfg.Notify.WebhookTimeout))

	engine := gate.New(store, receipt.NewEmitter(receipt.RandomCodes{}, dispatcher), locker,
		gate.WithLocation(loc),
		gate.WithDedupWindow(cfg.Gate.DedupWindow),
		gate.WithThreshold(cfg.Gate.CodeThreshold),
		gate.WithMaxRetries(cfg.Gate.MaxRetries),
		gate.WithLogger(logger),
		gate.WithPublisher(live))
	pipeline := admission.New(store, dispatcher,
		admission.WithLocation(loc),
		admission.WithLogger(logger))

	sweeper := notify.NewExpirySweeper(store, dispatcher, cfg.Notify.ExpiryWarningDays,
		notify.WithSweepLocation(loc),
		notify.WithSweepLogger(logger))
	if cfg.Notify.ExpirySweepCron != "" {
		if err := sweeper.Start(cfg.Notify.ExpirySweepCron); err != nil {
			return err
		}
	}

	tokens, err := auth.NewTokens(cfg.Auth.Secret, auth.WithIssuer(cfg.Auth.Issuer))
	if err != nil {
		return err
	}
	probe := httpapi.ReadyProbe{Store: store}

	api := httpapi.New(httpapi.Deps{
		Store:        store,
		Pipeline:     pipeline,
		Engine:       engine,
		Tokens:       tokens,
		Stream:       live,
		Ready:        probe,
		Version:      version,
		RateBurst:    cfg.Server.RateBurst,
		RatePerSec:   cfg.Server.RatePerSec,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		CORSOrigins:  cfg.Server.CORS.AllowOrigins,
	})
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	gateSrv := httpapi.NewGRPCServer(engine, tokens, probe)
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(gateSrv.UnaryInterceptor()))
	gateSrv.Register(grpcServer)
	grpcLis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("grpc listening", zap.String("addr", cfg.Server.GRPCAddr))
		if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
	}()
	go refreshHealth(ctx, gateSrv, logger)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
		logger.Error("server failed, shutting down", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	gateSrv.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()
	if err := sweeper.Stop(shutdownCtx); err != nil {
		logger.Warn("sweeper stop", zap.Error(err))
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn("notifications not fully drained", zap.Error(err))
	}
	logger.Info("stopped")
	return runErr
}

func refreshHealth(ctx context.Context, s *httpapi.GRPCServer, logger *zap.Logger) {
	check := func() {
		c, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.RefreshHealth(c); err != nil {
			logger.Warn("readiness check failed", zap.Error(err))
		}
	}
	check()
	t := time.NewTicker(10 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			check()
		}
	}
}
