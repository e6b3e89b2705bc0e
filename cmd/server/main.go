package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/campus-transit/internal/auth"
	"github.com/example/campus-transit/internal/broadcast"
	"github.com/example/campus-transit/internal/config"
	"github.com/example/campus-transit/internal/flags"
	"github.com/example/campus-transit/internal/geo"
	"github.com/example/campus-transit/internal/guard"
	httpapi "github.com/example/campus-transit/internal/http"
	"github.com/example/campus-transit/internal/ingest"
	"github.com/example/campus-transit/internal/logging"
	"github.com/example/campus-transit/internal/missed"
	"github.com/example/campus-transit/internal/notify"
	"github.com/example/campus-transit/internal/payments"
	"github.com/example/campus-transit/internal/ratelimit"
	"github.com/example/campus-transit/internal/storage"
)

const migrationFile = "migrations/001_init.sql"

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		panic(err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error("redis unreachable", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
	}

	mem := storage.NewMemoryStore()
	var (
		positions storage.PositionStore = mem
		fleet     storage.FleetStore    = mem
		flagStore storage.FlagStore     = mem
		reqStore  storage.RequestStore  = mem
		renewals  storage.RenewalStore  = mem
	)
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unreachable", "error", err)
			os.Exit(1)
		}
		defer func() { _ = pg.DB().Close() }()
		if cfg.RunMigrations {
			if err := runMigrations(ctx, pg); err != nil {
				logger.Error("migrations failed", "error", err)
				os.Exit(1)
			}
			logger.Info("migrations applied", "file", migrationFile)
		}
		positions, fleet, flagStore, reqStore, renewals = pg, pg, pg, pg, pg
	} else {
		logger.Warn("PG_DSN not set, using in-memory storage")
	}

	var fixStore guard.FixStore = guard.NewMemoryFixStore()
	var limiter ratelimit.Limiter = ratelimit.NewMemoryLimiter(cfg.MissedRateLimit, cfg.MissedRateWindow)
	var busIndex geo.Index = geo.NewMemoryIndex()
	var verifier auth.Verifier = staticVerifierFromEnv(logger)

	hub := broadcast.NewHub(logger)
	var fabric broadcast.Publisher = hub

	if redisClient != nil {
		fixStore = guard.NewRedisFixStore(redisClient, time.Hour)
		limiter = ratelimit.NewRedisLimiter(redisClient, cfg.MissedRateLimit, cfg.MissedRateWindow)
		busIndex = geo.NewRedisIndex(redisClient, cfg.RedisGeoKey)
		verifier = auth.NewRedisVerifier(redisClient)

		redisFabric := broadcast.NewRedisFabric(redisClient)
		fabric = redisFabric
		go func() {
			if err := redisFabric.Bridge(ctx, hub, logger); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("fabric bridge stopped", "error", err)
			}
		}()
	} else {
		logger.Warn("REDIS_ADDR not set, running single-instance with in-memory fabric")
	}

	var history ingest.HistoryProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer func() { _ = producer.Close() }()
		history = producer
	}

	var notifier notify.Dispatcher = notify.Nop{}
	if cfg.PushEndpoint != "" {
		notifier = notify.NewPushDispatcher(cfg.PushEndpoint, cfg.PushKey)
	}

	gateway := &ingest.Gateway{
		Guard: &guard.Guard{
			Store:       fixStore,
			MinInterval: cfg.GuardMinInterval,
			MaxSpeedKmh: cfg.GuardMaxSpeedKmh,
			WarnOnly:    cfg.OverspeedWarnOnly,
			Logger:      logger,
		},
		Fleet:     fleet,
		Positions: positions,
		History:   history,
		Fabric:    fabric,
		Logger:    logger,
	}
	flagSvc := &flags.Service{
		Store:          flagStore,
		Fabric:         fabric,
		TTL:            cfg.FlagTTL,
		MoveThresholdM: cfg.FlagMoveThresholdM,
		SweepInterval:  cfg.SweepInterval,
		Logger:         logger,
	}
	missedSvc := &missed.Service{
		Store:         reqStore,
		Fleet:         fleet,
		BusIndex:      busIndex,
		Fabric:        fabric,
		Notifier:      notifier,
		Limiter:       limiter,
		TTL:           cfg.MissedTTL,
		SweepInterval: cfg.SweepInterval,
		Maintenance:   cfg.MissedMaintenance,
		Logger:        logger,
	}

	go flagSvc.RunSweeper(ctx)
	go missedSvc.RunSweeper(ctx)

	api := httpapi.NewServer(logger, verifier, gateway, flagSvc, missedSvc, hub, renewals, payments.NewStripeCharger())
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func runMigrations(ctx context.Context, pg *storage.PostgresStore) error {
	sql, err := os.ReadFile(migrationFile)
	if err != nil {
		return err
	}
	_, err = pg.DB().ExecContext(ctx, string(sql))
	return err
}

// staticVerifierFromEnv parses AUTH_TOKENS ("token=id:role,...") for local
// runs without Redis. Tokens are dev-only; production uses the Redis verifier.
func staticVerifierFromEnv(logger *slog.Logger) auth.StaticVerifier {
	v := auth.StaticVerifier{}
	raw := os.Getenv("AUTH_TOKENS")
	if raw == "" {
		logger.Warn("AUTH_TOKENS not set, all requests will be rejected")
		return v
	}
	for _, entry := range strings.Split(raw, ",") {
		tok, rest, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		id, role, ok := strings.Cut(rest, ":")
		if !ok {
			continue
		}
		v[tok] = auth.Principal{ID: id, Role: auth.Role(role)}
	}
	return v
}
