package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/krshsl/praxis/feedback/engine"
	"github.com/krshsl/praxis/feedback/events"
	"github.com/krshsl/praxis/feedback/queue"
	"github.com/krshsl/praxis/feedback/repository"
	"github.com/krshsl/praxis/feedback/services"
	ws "github.com/krshsl/praxis/feedback/websocket"
)

func main() {
	// Setup structured logging with JSON format
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := services.LoadConfig()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.App.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Service stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Service exited")
}

func run(ctx context.Context, cfg *services.Config, logger *slog.Logger) error {
	pool, db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info("Connected to database")

	repo := repository.NewGORMRepository(db, logger.With("component", "repository"))
	if err := repo.AutoMigrate(); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info("Connected to redis", "addr", cfg.Redis.Addr)

	q := queue.New(rdb, cfg.Queue.Name, cfg.Queue.Options(), logger.With("component", "queue"))
	mode := cfg.App.Mode

	var processor *services.AudioProcessor
	if mode == "all" || mode == "worker" {
		var publisher events.Publisher
		processor, publisher, err = newProcessor(ctx, cfg, repo, rdb, logger)
		if err != nil {
			return err
		}
		defer publisher.Close()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	if mode == "all" || mode == "api" {
		hub := ws.NewHub(logger.With("component", "websocket"))
		server := services.NewServer(cfg, repo, rdb, q, hub, logger.With("component", "server"))

		wg.Add(3)
		go func() {
			defer wg.Done()
			hub.Run(ctx)
		}()
		go func() {
			defer wg.Done()
			if err := hub.Listen(ctx, rdb); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Session event relay stopped", "error", err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := server.Start(ctx); err != nil {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	if processor != nil {
		locker := queue.NewLocker(rdb, "lock:session:", cfg.Queue.LockTTL)
		workers := queue.NewPool(q, locker, processor.Handle, queue.PoolConfig{
			Concurrency:  cfg.Queue.Concurrency,
			PollInterval: cfg.Queue.PollInterval,
		}, logger.With("component", "worker"))
		timeouts := services.NewSessionTimeoutService(repo, q, cfg.Queue.StuckTimeout, logger.With("component", "timeouts"))

		wg.Add(2)
		go func() {
			defer wg.Done()
			workers.Run(ctx)
		}()
		go func() {
			defer wg.Done()
			timeouts.Run(ctx)
		}()
	}

	logger.Info("Service started", "mode", mode)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	// a failed component brings the rest down too
	if runErr != nil {
		logger.Error("Component failed, shutting down", "error", runErr)
	}
	cancel()
	wg.Wait()
	return runErr
}

func newProcessor(ctx context.Context, cfg *services.Config, repo *repository.GORMRepository, rdb redis.UniversalClient, logger *slog.Logger) (*services.AudioProcessor, events.Publisher, error) {
	engineLogger := logger.With("component", "engine")
	transcriber, err := engine.NewTranscriptionEngine(ctx, cfg.Engine.Transcription, cfg.Engine.Config, engineLogger)
	if err != nil {
		return nil, nil, err
	}
	analyzer, err := engine.NewAnalysisEngine(ctx, cfg.Engine.Analysis, cfg.Engine.Config, engineLogger)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Engines selected", "transcription", transcriber.Name(), "analysis", analyzer.Name())

	var publisher events.Publisher = events.NewRedisPublisher(rdb)
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = events.Multi{
			publisher,
			events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger.With("component", "kafka")),
		}
		logger.Info("Publishing session events to kafka", "topic", cfg.Kafka.Topic)
	}

	processor := services.NewAudioProcessor(repo, transcriber, analyzer, publisher, logger.With("component", "processor"))
	return processor, publisher, nil
}

func openDatabase(ctx context.Context, cfg services.DatabaseConfig) (*pgxpool.Pool, *gorm.DB, error) {
	if cfg.URL == "" {
		return nil, nil, errors.New("DATABASE_URL is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid database url: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.MaxOpenConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(pool)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormLogLevel(cfg.LogLevel)),
	})
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to open gorm: %w", err)
	}
	return pool, db, nil
}

func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "silent":
		return gormlogger.Silent
	case "error":
		return gormlogger.Error
	case "info":
		return gormlogger.Info
	default:
		return gormlogger.Warn
	}
}
