package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/event-messaging/internal/api"
	"github.com/LeventeLantos/event-messaging/internal/cache"
	"github.com/LeventeLantos/event-messaging/internal/client"
	"github.com/LeventeLantos/event-messaging/internal/clock"
	"github.com/LeventeLantos/event-messaging/internal/config"
	"github.com/LeventeLantos/event-messaging/internal/delivery"
	"github.com/LeventeLantos/event-messaging/internal/leadtime"
	"github.com/LeventeLantos/event-messaging/internal/lifecycle"
	"github.com/LeventeLantos/event-messaging/internal/logging"
	"github.com/LeventeLantos/event-messaging/internal/recipient"
	"github.com/LeventeLantos/event-messaging/internal/repo"
	"github.com/LeventeLantos/event-messaging/internal/retry"
	"github.com/LeventeLantos/event-messaging/internal/scheduler"
	"github.com/LeventeLantos/event-messaging/internal/service"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		log.Fatal(err)
	}

	logger, logFile := logging.New(cfg.Log)
	defer logFile.Close()
	slog.SetDefault(logger)
	for _, w := range cfg.Warnings() {
		slog.Warn(w)
	}

	slog.Info("event messaging starting",
		"addr", cfg.Server.Address,
		"interval", cfg.Scheduler.Interval.String(),
		"batch", cfg.Scheduler.BatchSize,
		"min_lead", leadtime.FormatSeconds(cfg.LeadTime.MinLeadSeconds),
		"redis", cfg.Redis.Enabled,
		"push", cfg.Webhook.PushURL != "",
	)

	if err := run(cfg); err != nil {
		slog.Error("event messaging stopped", "error", err)
		logFile.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := repo.OpenPostgres(ctx, cfg.Database.PostgresURL)
	if err != nil {
		return err
	}
	defer db.Close()

	store := repo.NewSQLStore(db)
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}

	var receipts cache.ReceiptCache = cache.Nop{}
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		receipts = cache.NewRedisCache(rdb, cfg.Redis.TTL)
	}

	clk := clock.System{}
	guard := leadtime.NewGuard(cfg.LeadTime, clk)
	policy := retry.Policy{Attempts: cfg.Retry.Attempts, BaseDelay: cfg.Retry.BaseDelay}

	resolver := recipient.NewResolver(store,
		recipient.WithTimeout(cfg.Retry.Timeout),
		recipient.WithRetry(policy),
	)
	lc := lifecycle.New(store, guard, resolver, lifecycle.WithTimeout(cfg.Retry.Timeout))
	tracker := delivery.NewTracker(store, store,
		delivery.WithTimeout(cfg.Retry.Timeout),
		delivery.WithRetry(policy),
	)

	deps := service.Deps{
		Due:       store,
		Lifecycle: lc,
		Resolver:  resolver,
		Directory: store,
		Tracker:   tracker,
		SMS:       client.NewSMSClient(cfg.Webhook.SMSURL),
		Cache:     receipts,
		Clock:     clk,
	}
	if cfg.Webhook.PushURL != "" {
		deps.Push = client.NewPushClient(cfg.Webhook.PushURL)
	}
	disp, err := service.NewDispatcher(deps, service.Config{
		BatchSize:   cfg.Scheduler.BatchSize,
		Concurrency: cfg.Scheduler.Concurrency,
		Timeout:     cfg.Retry.Timeout,
	})
	if err != nil {
		return err
	}

	sched, err := scheduler.New("dispatch", cfg.Scheduler.Interval, disp.Run)
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	h := api.NewHandler(api.Deps{
		Messages:   lc,
		Lister:     store,
		Resolver:   resolver,
		Deliveries: tracker,
		Receipts:   receipts,
		Guard:      guard,
		Scheduler:  sched,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(api.Router(h)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
