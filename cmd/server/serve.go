package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/preiposip/fincore/api"
	"github.com/preiposip/fincore/events"
	"github.com/preiposip/fincore/internal/config"
	"github.com/preiposip/fincore/webhook"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, webhook intake and background jobs",
		Long: `Starts the HTTP server along with the integrity scheduler and the
audit outbox relay.

On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler
  4. Close Kafka, Redis and the database`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			if err := cfg.ValidateServe(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, engine, err := openEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	dedup, closeDedup := newDeduper(ctx, cfg.Redis, logger)
	defer closeDedup()

	publisher, err := newPublisher(cfg.Kafka, logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	auth, err := api.NewAuthenticator([]byte(cfg.JWT.Secret))
	if err != nil {
		return err
	}

	processor := webhook.NewProcessor(engine, dedup, logger.With("component", "webhook"))
	handler := api.NewHandler(engine, processor,
		api.WithWebhookSecret([]byte(cfg.Webhook.Secret)),
		api.WithPinger(store),
		api.WithHandlerLogger(logger.With("component", "api")),
	)
	router := api.NewRouter(handler, auth, api.RouterOptions{
		AllowedOrigins:  cfg.HTTP.AllowedOrigins,
		EnableScenarios: cfg.HTTP.EnableScenarios,
	})

	relay := events.NewRelay(store, publisher, logger.With("component", "outbox"), cfg.Scheduler.OutboxBatch)
	scheduler := api.NewScheduler(engine, relay, logger)
	scheduler.IntegrityInterval = cfg.Scheduler.IntegrityInterval
	scheduler.OutboxInterval = cfg.Scheduler.OutboxInterval
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-quit:
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// newDeduper returns a Redis deduper when redis.addr is set and reachable,
// otherwise the in-process one.
func newDeduper(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (webhook.Deduper, func()) {
	if cfg.Addr == "" {
		logger.Info("webhook dedup in memory", "reason", "redis.addr not set")
		return webhook.NewMemoryDeduper(), func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable, webhook dedup in memory", "addr", cfg.Addr, "error", err)
		client.Close()
		return webhook.NewMemoryDeduper(), func() {}
	}
	logger.Info("webhook dedup on redis", "addr", cfg.Addr, "ttl", cfg.DedupTTL)
	return webhook.NewRedisDeduper(client, cfg.DedupTTL), func() { client.Close() }
}

func newPublisher(cfg config.KafkaConfig, logger *slog.Logger) (events.Publisher, error) {
	if len(cfg.Brokers) == 0 {
		logger.Info("audit events to log", "reason", "kafka.brokers not set")
		return events.NewLogPublisher(logger.With("component", "events")), nil
	}
	p, err := events.NewKafkaPublisher(cfg.Brokers, cfg.Topic, nil)
	if err != nil {
		return nil, fmt.Errorf("kafka publisher: %w", err)
	}
	logger.Info("audit events to kafka", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return p, nil
}
