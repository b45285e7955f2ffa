package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/bitsacco/bitsacco-sub002/internal/application/dispatcher"
	"github.com/bitsacco/bitsacco-sub002/internal/application/monitor"
	"github.com/bitsacco/bitsacco-sub002/internal/application/service"
	"github.com/bitsacco/bitsacco-sub002/internal/application/withdrawal"
	"github.com/bitsacco/bitsacco-sub002/internal/config"
	"github.com/bitsacco/bitsacco-sub002/internal/infrastructure/cache"
	"github.com/bitsacco/bitsacco-sub002/internal/infrastructure/export"
	"github.com/bitsacco/bitsacco-sub002/internal/infrastructure/external/backend"
	"github.com/bitsacco/bitsacco-sub002/internal/infrastructure/messaging/rabbitmq"
	"github.com/bitsacco/bitsacco-sub002/internal/infrastructure/persistence/repository"
	"github.com/bitsacco/bitsacco-sub002/internal/infrastructure/persistence/sqlite"
	httpapi "github.com/bitsacco/bitsacco-sub002/internal/interfaces/http"
	"github.com/bitsacco/bitsacco-sub002/internal/webhook"
	"github.com/bitsacco/bitsacco-sub002/internal/worker"
	"github.com/bitsacco/bitsacco-sub002/migrations"
	"github.com/bitsacco/bitsacco-sub002/pkg/database"
	"github.com/bitsacco/bitsacco-sub002/pkg/utils"
)

func main() {
	configPath := "configs/config.yaml"
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		configPath = p
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := utils.NewLogger(utils.LoggerConfig{
		Level:      cfg.Logger.Level,
		OutputPath: cfg.Logger.OutputPath,
		Format:     cfg.Logger.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("Server exited with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("Server exited successfully")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Starting chama withdrawal service",
		zap.String("version", "1.0.0"),
		zap.Int("port", cfg.Server.Port))

	if err := withdrawal.ValidateTable(); err != nil {
		return fmt.Errorf("invalid withdrawal transition table: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Audit journal
	db, err := database.New(database.Config{
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	if _, err := database.NewMigrator(db, logger).Run(migrations.FS); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}

	journal := sqlite.NewDB(db.DB, logger)
	withdrawalRepo := repository.NewWithdrawalRepository(journal, logger)
	transitionRepo := repository.NewTransitionRepository(journal, logger)

	// Events
	events := dispatcher.NewDispatcher(dispatcher.WithLogger(utils.NewKVLogger(logger)))
	defer events.Close()

	publisher := rabbitmq.Connect(cfg.RabbitMQ.Enabled, cfg.RabbitMQ.URL, logger)
	defer publisher.Close()
	rabbitmq.NewBridge(publisher, cfg.RabbitMQ.Exchange, logger).Register(events)

	// Transaction status monitor
	client, err := backend.NewClient(backend.Config{
		BaseURL: cfg.Backend.BaseURL,
		Timeout: cfg.Backend.Timeout,
		Breaker: backend.BreakerConfig{
			MaxRequests:         cfg.Backend.Breaker.MaxRequests,
			Interval:            cfg.Backend.Breaker.Interval,
			Timeout:             cfg.Backend.Breaker.Timeout,
			ConsecutiveFailures: cfg.Backend.Breaker.ConsecutiveFailures,
		},
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize backend client: %w", err)
	}

	monitorOpts := []monitor.Option{
		monitor.WithDispatcher(events),
		monitor.WithLogger(logger),
	}
	if cfg.Redis.Enabled {
		cacheCfg := cache.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       cfg.Redis.TTL,
		}
		rdb, err := cache.NewClient(ctx, cacheCfg)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer rdb.Close()
		monitorOpts = append(monitorOpts, monitor.WithSnapshotStore(cache.NewSnapshotStore(rdb, cacheCfg, logger)))
	}

	mon, err := monitor.New(client.FetchStatus, monitor.Config{
		PollingInterval:    cfg.Monitor.PollingInterval,
		MaxRetries:         cfg.Monitor.MaxRetries,
		MaxFetchFailures:   cfg.Monitor.MaxFetchFailures,
		StalenessThreshold: cfg.Monitor.StalenessThreshold,
		FetchTimeout:       cfg.Monitor.FetchTimeout,
		ErrorBackoff:       cfg.Monitor.ErrorBackoff,
		MaxBackoff:         cfg.Monitor.MaxBackoff,
	}, monitorOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize transaction monitor: %w", err)
	}

	// Withdrawal workflow
	svc, err := service.NewWithdrawalService(service.Dependencies{
		Withdrawals:    withdrawalRepo,
		Transitions:    transitionRepo,
		TxManager:      journal,
		Monitor:        mon,
		Dispatcher:     events,
		Exporter:       export.NewAuditWorkbookExporter(cfg.Export.Dir, logger),
		Logger:         utils.NewKVLogger(logger),
		MachineOptions: []withdrawal.Option{withdrawal.WithLogger(logger)},
	}, service.Config{ApprovalTimeout: cfg.Withdrawal.ApprovalTimeout})
	if err != nil {
		return fmt.Errorf("failed to initialize withdrawal service: %w", err)
	}
	defer svc.Close()

	// Background workers stop in reverse order: sweeper first, then the monitor drains
	workers := worker.NewManager(logger)
	workers.Register(mon)
	workers.Register(worker.NewSweeper(cfg.Sweeper.Schedule, cfg.Withdrawal.Retention, svc, mon, logger))
	if err := workers.StartAll(ctx); err != nil {
		return fmt.Errorf("failed to start workers: %w", err)
	}
	defer workers.StopAll()

	restored, err := svc.RestoreActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore active withdrawals: %w", err)
	}
	logger.Info("Active withdrawals restored", zap.Int("count", restored))

	// HTTP
	server := httpapi.NewServer(httpapi.ServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, svc, mon, webhook.NewVerifier(cfg.Webhook.Secret, cfg.Webhook.Tolerance, logger), utils.NewKVLogger(logger))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down server...")
	case err := <-errCh:
		return err
	}

	select {
	case err := <-errCh:
		return err
	case <-time.After(30 * time.Second):
		return errors.New("server forced to shutdown")
	}
}
