package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"job-processing-core/internal/api"
	"job-processing-core/internal/backoff"
	"job-processing-core/internal/config"
	"job-processing-core/internal/engine"
	"job-processing-core/internal/logging"
	"job-processing-core/internal/ratelimit"
	"job-processing-core/internal/store"
	"job-processing-core/internal/telemetry"
	"job-processing-core/internal/thumbnails"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	st, limiter, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	overrides, err := config.LoadTopicOverrides(cfg.TopicsFile)
	if err != nil {
		return err
	}

	var strategy backoff.Strategy = backoff.NewExponential(cfg.BackoffInitial, cfg.BackoffMax)
	if cfg.BackoffJitter {
		strategy = backoff.NewEqualJitter(cfg.BackoffInitial, cfg.BackoffMax)
	}

	eng := engine.New(st, logger,
		engine.WithBackoff(strategy),
		engine.WithDefaults(cfg.TopicConcurrency, cfg.HandlerTimeout, cfg.MaxAttempts),
		engine.WithTopicOverrides(overrides),
	)
	if err := thumbnails.Register(ctx, eng, cfg, logger); err != nil {
		return errors.Wrap(err, "register thumbnail handlers")
	}
	if err := registerSimulate(eng); err != nil {
		return errors.Wrap(err, "register simulate handler")
	}
	if err := eng.Start(ctx); err != nil {
		return errors.Wrap(err, "start engine")
	}
	telemetry.Register()

	apiServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.New(eng, limiter, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", telemetry.Handler())
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(apiServer, logger, "api") })
	g.Go(func() error { return serve(metricsServer, logger, "metrics") })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", zap.Duration("timeout", cfg.ShutdownTimeout))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = apiServer.Shutdown(shutdownCtx)
		_ = metricsServer.Shutdown(shutdownCtx)
		return eng.Stop(shutdownCtx)
	})
	return g.Wait()
}

func serve(srv *http.Server, logger *zap.Logger, name string) error {
	logger.Info("listening", zap.String("server", name), zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrapf(err, "%s server", name)
	}
	return nil
}

// openStore picks the state backend. Submissions share the Redis rate limiter
// when Redis holds the state; otherwise each process limits on its own.
func openStore(ctx context.Context, cfg config.Config) (store.Store, ratelimit.Limiter, error) {
	local := ratelimit.NewLocal(cfg.RateLimitCapacity, cfg.RateLimitRefill)
	switch cfg.StoreBackend {
	case "redis":
		rs := store.NewRedisStore(store.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisKeyPrefix,
		})
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return nil, nil, errors.Wrap(err, "connect redis")
		}
		limiter := ratelimit.NewTokenBucket(rs.Client(), cfg.RedisKeyPrefix, cfg.RateLimitCapacity, cfg.RateLimitRefill, cfg.RateLimitTTL)
		return rs, limiter, nil
	case "postgres":
		ps, err := store.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := ps.RunMigrations(ctx); err != nil {
			_ = ps.Close()
			return nil, nil, errors.Wrap(err, "migrations")
		}
		return ps, local, nil
	default:
		return store.NewMemoryStore(), local, nil
	}
}
