package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/punchamoorthee/walletledger/internal/api"
	"github.com/punchamoorthee/walletledger/internal/bank"
	"github.com/punchamoorthee/walletledger/internal/config"
	"github.com/punchamoorthee/walletledger/internal/events"
	"github.com/punchamoorthee/walletledger/internal/risk"
	"github.com/punchamoorthee/walletledger/internal/service"
	"github.com/punchamoorthee/walletledger/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

func main() {
	envFile := flag.String("config", ".env", "optional env file")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		slog.Error("configuration error", "err", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	feeRate, err := decimal.NewFromString(cfg.InstantFeeRate)
	if err != nil {
		return errors.New("INSTANT_FEE_RATE must be a decimal, e.g. 0.015")
	}

	// Storage
	var st store.Store
	switch cfg.StoreDriver {
	case config.DriverMemory:
		logger.Warn("using in-memory store; balances are lost on restart")
		st = store.NewMemory(cfg.Currency)
	default:
		pg, err := store.NewPostgres(ctx, cfg.DBSource, store.PostgresOptions{
			Currency:    cfg.Currency,
			LockTimeout: cfg.LockTimeout,
			MaxRetries:  cfg.MaxLockRetries,
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		defer pg.Close()
		st = pg
	}

	// Risk settings, optionally cached in redis
	var settings risk.Source = risk.NewStoreSource(st)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable; risk settings read from storage", "err", err)
		} else {
			settings = risk.NewCachedSource(settings, rdb, "", cfg.RiskSettingsCacheTTL, logger)
		}
	}

	// Events
	var publisher events.Publisher = events.Nop{Logger: logger}
	if cfg.RabbitMQURL != "" {
		rp, err := events.NewRabbitPublisher(cfg.RabbitMQURL, cfg.EventsExchange, logger)
		if err != nil {
			logger.Warn("rabbitmq unavailable; events disabled", "err", err)
		} else {
			publisher = rp
		}
	}
	defer publisher.Close()

	svc := service.New(st, settings, bank.Simulated{}, publisher, service.Options{
		InstantFeeRate: feeRate,
		Logger:         logger,
	})

	expiry := service.NewExpiryScheduler(svc, cfg.ExpirySchedule, cfg.PendingExpiry, logger)
	if err := expiry.Start(); err != nil {
		return err
	}
	defer func() { <-expiry.Stop().Done() }()

	handler := api.NewHandler(svc, logger)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(handler, api.NewAuthenticator(cfg.JWTSecret)),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Port, "store", cfg.StoreDriver, "env", cfg.Env)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
