package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/azizikri/cafe-loyalty/internal/config"
	httphandler "github.com/azizikri/cafe-loyalty/internal/delivery/http"
	"github.com/azizikri/cafe-loyalty/internal/delivery/kafka"
	"github.com/azizikri/cafe-loyalty/internal/repository"
	"github.com/azizikri/cafe-loyalty/internal/repository/sqlite"
	"github.com/azizikri/cafe-loyalty/internal/usecase"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"github.com/twmb/franz-go/pkg/kgo"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	program, err := config.LoadProgram(cfg.ProgramFile)
	if err != nil {
		return err
	}
	settings, err := buildSettings(program)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var (
		gateway       usecase.LoyaltyGateway
		kafkaClient   *kgo.Client
		retryClient   *kgo.Client
		replyConsumer *kgo.Client
		opts          = []usecase.Option{usecase.WithLogger(logger)}
	)

	if cfg.EventDriven() {
		brokers := cfg.Brokers()
		kafkaClient, err = newConsumerClient(brokers, cfg.KafkaClientID, cfg.KafkaGroupID, kafka.RequestTopics...)
		if err != nil {
			return fmt.Errorf("failed to create kafka client: %w", err)
		}
		defer kafkaClient.Close()

		if err := kafka.EnsureTopics(ctx, kafkaClient, cfg, logger); err != nil {
			logger.Warn("failed to ensure topics", "error", err)
		}
		opts = append(opts, usecase.WithPublisher(kafka.NewEventPublisher(kafkaClient, cfg.EventsTopic)))
	}

	service := usecase.NewLoyaltyService(store, settings, opts...)

	catalog, err := program.Catalog()
	if err != nil {
		return err
	}
	if err := service.SeedRewards(ctx, catalog); err != nil {
		return fmt.Errorf("failed to seed rewards: %w", err)
	}

	if cfg.EventDriven() {
		brokers := cfg.Brokers()
		kgateway := kafka.NewGateway(cfg, kafkaClient, logger)
		gateway = kgateway

		consumer := kafka.NewConsumer(cfg, kafkaClient, service, logger)
		go consumer.Start(ctx)

		retryClient, err = newConsumerClient(brokers, cfg.KafkaClientID+"-retry", cfg.KafkaRetryGroupID, kafka.RetryTopics...)
		if err != nil {
			return fmt.Errorf("failed to create retry kafka client: %w", err)
		}
		defer retryClient.Close()
		retryConsumer := kafka.NewConsumer(cfg, retryClient, service, logger)
		go retryConsumer.StartRetry(ctx)

		replyConsumer, err = newReplyClient(brokers, cfg.KafkaClientID+"-reply", kgateway.ReplyTopic())
		if err != nil {
			return fmt.Errorf("failed to create reply kafka client: %w", err)
		}
		defer replyConsumer.Close()
		startReplyPoller(ctx, replyConsumer, kgateway)
	} else {
		gateway = kafka.NewDirectGateway(service, logger)
	}

	scheduler, err := startExpiryScheduler(ctx, cfg.ExpirySchedule, service, logger)
	if err != nil {
		return err
	}

	handler := httphandler.NewHandler(gateway, service, []byte(cfg.AdminJWTSecret), logger)
	srv := &http.Server{
		Addr:              ":" + cfg.AppPort,
		Handler:           httphandler.NewRouter(handler, cfg.Origins()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("starting server", "port", cfg.AppPort, "event_driven", cfg.EventDriven(), "db_driver", cfg.DBDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	<-scheduler.Stop().Done()

	wg.Wait()
	logger.Info("shutdown complete")
	return nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func buildSettings(p *config.Program) (usecase.Settings, error) {
	tiers, err := p.TierEngine()
	if err != nil {
		return usecase.Settings{}, err
	}
	scores, err := p.ScoreEngine()
	if err != nil {
		return usecase.Settings{}, err
	}

	settings := usecase.DefaultSettings()
	settings.Tiers = tiers
	settings.Scores = scores
	settings.WelcomeBonus = p.WelcomeBonus
	settings.ReferralBonus = p.ReferralBonus
	settings.DowngradeOnAdjust = p.Downgrades()
	if p.PointsExpiryDays > 0 {
		settings.PointsExpiryDays = p.PointsExpiryDays
	}
	if p.CouponValidDays > 0 {
		settings.CouponValidDays = p.CouponValidDays
	}
	return settings, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repository.Store, func(), error) {
	switch cfg.DBDriver {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("unable to create data dir: %w", err)
		}
		store, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	case "postgres", "":
		pool, err := initDB(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := repository.RunMigrations(ctx, pool, cfg.MigrationsDir, logger); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		return repository.New(pool), pool.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown DB_DRIVER %q", cfg.DBDriver)
}

func initDB(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN())
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return pool, nil
}

// startExpiryScheduler runs the points expiry sweep on the configured cron
// schedule. Runs never overlap.
func startExpiryScheduler(ctx context.Context, spec string, service *usecase.LoyaltyService, logger *slog.Logger) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(spec, func() {
		report, err := service.SweepExpired(ctx)
		if err != nil {
			logger.Error("expiry sweep failed", "error", err)
			return
		}
		logger.Info("expiry sweep finished",
			"scanned", report.Scanned, "expired", report.Expired, "failed", report.Failed, "points", report.PointsExpired)
	})
	if err != nil {
		return nil, fmt.Errorf("invalid EXPIRY_SCHEDULE %q: %w", spec, err)
	}
	c.Start()
	return c, nil
}

func newConsumerClient(brokers []string, clientID, groupID string, topics ...string) (*kgo.Client, error) {
	return kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
	)
}

func newReplyClient(brokers []string, clientID, topic string) (*kgo.Client, error) {
	return kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.ConsumeTopics(topic),
	)
}

func startReplyPoller(ctx context.Context, client *kgo.Client, gateway *kafka.Gateway) {
	go func() {
		for {
			fetches := client.PollFetches(ctx)
			if fetches.IsClientClosed() || ctx.Err() != nil {
				return
			}
			iter := fetches.RecordIter()
			for !iter.Done() {
				record := iter.Next()
				gateway.HandleResponse(record.Value)
			}
		}
	}()
}
