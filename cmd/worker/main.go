package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/foliosync/internal/app"
	"github.com/dharsanguruparan/foliosync/internal/config"
	"github.com/dharsanguruparan/foliosync/internal/logging"
	"github.com/dharsanguruparan/foliosync/internal/queue"
	"github.com/dharsanguruparan/foliosync/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logging.Error().Err(err).Msg("load config")
		os.Exit(1)
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	a, err := app.New(ctx, cfg, app.Options{Migrate: true})
	if err != nil {
		logging.Error().Err(err).Msg("init app")
		os.Exit(1)
	}
	defer a.Close()
	if err := a.Blobs.EnsureBucket(ctx); err != nil {
		logging.Error().Err(err).Msg("ensure bucket")
		os.Exit(1)
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	client := asynq.NewClient(redisOpt)
	defer client.Close()

	// One chunk at a time: chunks of a campaign are sequential by nature.
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:     1,
		ShutdownTimeout: cfg.Sync.Budget + 5*time.Second,
	})
	processor := worker.NewProcessor(a.Scheduler, client, cfg.Sync.MaxIterations)

	kickoff, err := queue.NewCampaignTask(false)
	if err != nil {
		logging.Error().Err(err).Msg("build campaign task")
		os.Exit(1)
	}
	periodic := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Location: time.UTC})
	cronspec := "@every " + cfg.Sync.Interval.String()
	if _, err := periodic.Register(cronspec, kickoff, queue.CampaignOptions(cfg.Sync.Interval)...); err != nil {
		logging.Error().Err(err).Str("cronspec", cronspec).Msg("register campaign")
		os.Exit(1)
	}
	if err := periodic.Start(); err != nil {
		logging.Error().Err(err).Msg("start periodic scheduler")
		os.Exit(1)
	}
	defer periodic.Shutdown()

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	logging.Info().Str("interval", cfg.Sync.Interval.String()).Msg("worker started")
	if err := server.Run(processor.Handler()); err != nil {
		logging.Error().Err(err).Msg("worker stopped")
		os.Exit(1)
	}
}
