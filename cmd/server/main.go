package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dharsanguruparan/foliosync/internal/api"
	"github.com/dharsanguruparan/foliosync/internal/app"
	"github.com/dharsanguruparan/foliosync/internal/config"
	"github.com/dharsanguruparan/foliosync/internal/logging"
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

	srv := api.New(cfg.Address, cfg.API, a.Catalogue, a.Scheduler)
	if err := srv.Run(ctx); err != nil {
		logging.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
}
