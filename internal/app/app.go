package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fleetrail/fleetrail/internal/adapter/filtercompile"
	natspub "github.com/fleetrail/fleetrail/internal/adapter/publisher/nats"
	"github.com/fleetrail/fleetrail/internal/adapter/repository/postgres"
	"github.com/fleetrail/fleetrail/internal/api"
	"github.com/fleetrail/fleetrail/internal/auth"
	"github.com/fleetrail/fleetrail/internal/config"
	"github.com/fleetrail/fleetrail/internal/domain/action"
	"github.com/fleetrail/fleetrail/internal/domain/distribution"
	"github.com/fleetrail/fleetrail/internal/domain/event"
	"github.com/fleetrail/fleetrail/internal/domain/filter"
	"github.com/fleetrail/fleetrail/internal/domain/rollout"
	"github.com/fleetrail/fleetrail/internal/domain/target"
	"github.com/fleetrail/fleetrail/internal/outbox"
	"github.com/fleetrail/fleetrail/internal/reconciler"
	"github.com/fleetrail/fleetrail/internal/usecase/deployment"
	"github.com/fleetrail/fleetrail/internal/usecase/rolloutmgmt"
	"github.com/fleetrail/fleetrail/pkg/db"
	zaplog "github.com/fleetrail/fleetrail/pkg/log"
	"github.com/fleetrail/fleetrail/pkg/snowflake"
	"github.com/fleetrail/fleetrail/sql/migrations"
)

// RunServer starts the HTTP server and background workers.
func RunServer() {
	app := fx.New(
		fx.Provide(
			config.Load,

			// Repositories bound to their domain interfaces.
			fx.Annotate(
				postgres.NewTargetRepository,
				fx.As(new(target.Registry)),
			),
			fx.Annotate(
				postgres.NewActionRepository,
				fx.As(new(action.Repository)),
			),
			fx.Annotate(
				postgres.NewDistributionRepository,
				fx.As(new(distribution.Repository)),
			),
			fx.Annotate(
				postgres.NewRolloutRepository,
				fx.As(new(rollout.Repository)),
			),
			fx.Annotate(
				postgres.NewRolloutGroupRepository,
				fx.As(new(rollout.GroupRepository)),
			),
			fx.Annotate(
				postgres.NewFilterRepository,
				fx.As(new(filter.Repository)),
			),
			fx.Annotate(
				filtercompile.New,
				fx.As(new(filter.Compiler)),
			),
			func(m *db.TxManager) db.TxRunner { return m },

			// Event gateway and outbox.
			newEventPublisher,
			fx.Annotate(outbox.NewOutbox, fx.As(new(outbox.Appender))),
			newOutboxProcessor,

			// Use cases.
			deployment.NewAssignUseCase,
			deployment.NewStatusUseCase,
			rolloutmgmt.NewCreateUseCase,
			rolloutmgmt.NewAdminUseCase,

			// Background workers.
			reconciler.NewRolloutReconciler,
			reconciler.NewAutoAssignReconciler,

			// Device auth.
			auth.NewDeviceTokens,
			auth.NewDeviceMiddleware,

			// API.
			api.NewRouter,
		),
		db.Module,
		snowflake.Module,
		zaplog.Module,
		fx.Invoke(registerHooks),
	)

	app.Run()
}

func newEventPublisher(cfg *config.Config, logger *zap.Logger) (event.Publisher, error) {
	if !cfg.EventsEnabled {
		logger.Info("event_publishing_disabled")
		return event.NopPublisher{}, nil
	}

	conn, err := natspub.Connect(cfg.NATSURL, logger)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return natspub.NewPublisher(conn, cfg.EventSubjectPrefix, logger), nil
}

func newOutboxProcessor(gdb *gorm.DB, publisher event.Publisher, cfg *config.Config, logger *zap.Logger) *outbox.Processor {
	return outbox.NewProcessor(gdb, publisher, logger, outbox.ProcessorOptions{
		PollInterval: cfg.OutboxPollInterval,
		BatchSize:    cfg.OutboxBatchSize,
		MaxAttempts:  cfg.OutboxMaxAttempts,
	})
}

func registerHooks(
	lc fx.Lifecycle,
	router *api.Router,
	processor *outbox.Processor,
	rolloutReconciler *reconciler.RolloutReconciler,
	autoAssign *reconciler.AutoAssignReconciler,
	publisher event.Publisher,
	cfg *config.Config,
	logger *zap.Logger,
) {
	var processorCancel context.CancelFunc
	var rolloutCancel context.CancelFunc
	var autoAssignCancel context.CancelFunc

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("Starting HTTP server", zap.String("port", cfg.Port))

			processorCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			processorCancel = cancel
			go processor.Run(processorCtx)

			rolloutCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			rolloutCancel = cancel
			go rolloutReconciler.Run(rolloutCtx)

			autoAssignCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			autoAssignCancel = cancel
			go autoAssign.Run(autoAssignCtx)

			go func() {
				if err := router.Run(); err != nil && err != http.ErrServerClosed {
					logger.Fatal("Server failed to start", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Shutting down HTTP server gracefully...")

			if processorCancel != nil {
				processorCancel()
			}
			if rolloutCancel != nil {
				rolloutCancel()
			}
			if autoAssignCancel != nil {
				autoAssignCancel()
			}

			if p, ok := publisher.(*natspub.Publisher); ok {
				p.Close()
			}

			shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()

			if err := router.Shutdown(shutdownCtx); err != nil {
				logger.Error("Server forced to shutdown", zap.Error(err))
				return err
			}

			logger.Info("HTTP server stopped gracefully")
			return nil
		},
	})
}

// RunMigrations executes database migrations (up or down).
func RunMigrations(command string) error {
	if command == "" {
		command = "up"
	}

	cfg := config.Load()
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	logger.Info("Starting database migration...", zap.String("command", command))

	dbURL := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBHost,
		cfg.DBPort,
		cfg.DBName,
		cfg.DBSSLMode,
	)

	d, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("load migration files: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", d, dbURL)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	switch command {
	case "up":
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			return fmt.Errorf("migration up failed: %w", err)
		}
		logger.Info("Migration up applied")
	case "down":
		if err := m.Down(); err != nil && err != migrate.ErrNoChange {
			return fmt.Errorf("migration down failed: %w", err)
		}
		logger.Info("Migration down applied")
	default:
		return fmt.Errorf("unknown migration command: %s", command)
	}

	return nil
}
