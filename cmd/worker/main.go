package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/lineabill/lineabill/internal/app"
	"github.com/lineabill/lineabill/internal/billing"
	jobmetrics "github.com/lineabill/lineabill/internal/jobs"
	"github.com/lineabill/lineabill/internal/platform/db"
	"github.com/lineabill/lineabill/internal/shared"
	"github.com/lineabill/lineabill/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// The worker only reads and compares; it holds no notifier and no locks
	// shared with the API process.
	billingRepo := billing.NewRepository(pool)
	billingService := billing.NewService(billingRepo, shared.NewKeyedMutex(), nil, nil, logger)

	metrics := jobmetrics.NewMetrics(nil)
	auditJob := jobs.NewConsistencyAuditJob(billingService, logger, metrics)

	auditTask, err := jobs.NewConsistencyAuditTask(jobs.ConsistencyAuditPayload{})
	if err != nil {
		logger.Error("build audit task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskConsistencyAudit, Handler: auditJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.AuditCron, Task: auditTask},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker started", slog.String("audit_cron", cfg.AuditCron))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
