package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	"github.com/steamquest/internal/auth"
	"github.com/steamquest/internal/cache"
	"github.com/steamquest/internal/config"
	"github.com/steamquest/internal/domain"
	"github.com/steamquest/internal/gateway"
	"github.com/steamquest/internal/handler"
	"github.com/steamquest/internal/kafka"
	"github.com/steamquest/internal/metrics"
	"github.com/steamquest/internal/postgres"
	"github.com/steamquest/internal/ratelimit"
	"github.com/steamquest/internal/redis"
	"github.com/steamquest/internal/service"
	"github.com/steamquest/internal/steam"
	"github.com/steamquest/internal/websocket"
	"github.com/steamquest/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file loaded", "error", err)
	}

	cfg, err := config.Load(*configPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.Warn("config file not found, using defaults", "path", *configPath)
		cfg = config.DefaultConfig()
		if err := cfg.Validate(); err != nil {
			logger.Error("invalid default configuration", "error", err)
			os.Exit(1)
		}
	case err != nil:
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewRealClock()
	m := metrics.New()

	// Steam gateway
	steamClient := steam.NewClient(&cfg.Steam, logger)
	gw := gateway.New(
		steamClient,
		cache.New[[]domain.GameSummary](cfg.Steam.CacheTTL, clock),
		cache.New[[]domain.Achievement](cfg.Steam.CacheTTL, clock),
		ratelimit.New(cfg.Steam.RateLimitMax, cfg.Steam.RateLimitWindow, clock),
		m,
		logger,
	)

	logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
	redisService, err := redis.NewLeaderboardService(&cfg.Redis, logger)
	if err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer redisService.Close()
	logger.Info("connected to Redis")

	logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	postgresRepo, err := postgres.NewRepository(&cfg.Postgres, logger)
	if err != nil {
		logger.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer postgresRepo.Close()
	logger.Info("connected to PostgreSQL")

	if err := postgresRepo.RunMigrations(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	wsHub := websocket.NewHub(logger)
	go wsHub.Run()
	logger.Info("WebSocket hub initialized")

	ledger := service.NewLedgerService(postgresRepo, redisService, &cfg.Leaderboard, m, clock, logger)
	ledger.SetBroadcaster(wsHub)

	// Quest events go to Kafka only when it is enabled
	var publisher service.EventPublisher
	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		producer, err = kafka.NewProducer(&cfg.Kafka, logger)
		if err != nil {
			logger.Warn("failed to create Kafka producer, quest events will not be published", "error", err)
		} else {
			publisher = producer
		}
	}

	quests := service.NewQuestService(postgresRepo, gw, ledger, publisher, m, clock, logger)
	promotions := service.NewPromotionService(steamClient, logger)

	syncWorker := worker.NewSyncWorker(postgresRepo, redisService, &cfg.Sync, clock, logger)

	// Rebuild the mirror from the database on startup (recovery)
	logger.Info("syncing leaderboard from database to Redis")
	if err := syncWorker.RebuildMirror(ctx); err != nil {
		logger.Warn("failed to sync from database on startup", "error", err)
	}

	if cfg.Sync.Enabled {
		if err := syncWorker.Start(ctx); err != nil {
			logger.Error("failed to start sync worker", "error", err)
			os.Exit(1)
		}
	}

	// Kafka consumer for externally granted points
	var kafkaConsumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka consumer",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.AwardsTopic,
		)
		kafkaConsumer, err = kafka.NewConsumer(&cfg.Kafka, ledger, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without Kafka", "error", err)
		} else if err := kafkaConsumer.Start(); err != nil {
			logger.Warn("failed to start Kafka consumer, continuing without Kafka", "error", err)
			kafkaConsumer = nil
		} else {
			logger.Info("Kafka consumer started successfully")
		}
	}

	verifier, err := auth.NewVerifier(&cfg.Auth, clock)
	if err != nil {
		logger.Error("failed to create token verifier", "error", err)
		os.Exit(1)
	}

	httpHandler := handler.NewHandler(handler.Deps{
		Quests:      quests,
		Games:       gw,
		Leaderboard: ledger,
		Promotions:  promotions,
		Auth:        verifier,
		Hub:         wsHub,
		Upgrader:    websocket.NewUpgrader(cfg.Server.ClientURL),
		Metrics:     m,
		Checks: map[string]handler.ReadinessCheck{
			"postgres": postgresRepo.Ping,
			"redis":    redisService.Ping,
		},
		ClientURL: cfg.Server.ClientURL,
	}, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	wsHub.Stop()

	if kafkaConsumer != nil {
		if err := kafkaConsumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.Error("failed to close Kafka producer", "error", err)
		}
	}

	if err := syncWorker.Stop(); err != nil {
		logger.Error("failed to stop sync worker", "error", err)
	}

	logger.Info("server stopped")
}
