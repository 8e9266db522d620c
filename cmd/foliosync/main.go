package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/foliosync/internal/api"
	"github.com/dharsanguruparan/foliosync/internal/app"
	"github.com/dharsanguruparan/foliosync/internal/config"
	"github.com/dharsanguruparan/foliosync/internal/database"
	"github.com/dharsanguruparan/foliosync/internal/imagesize"
	"github.com/dharsanguruparan/foliosync/internal/logging"
	"github.com/dharsanguruparan/foliosync/internal/queue"
	"github.com/dharsanguruparan/foliosync/internal/s3storage"
	"github.com/dharsanguruparan/foliosync/internal/scheduler"
)

var logLevel string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "foliosync: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "foliosync",
		Short: "Portfolio image sync CLI",
		Long: `foliosync mirrors a Dropbox portfolio tree into the gallery catalogue.
Each sync step processes one project folder within a fixed time budget, so a full pass
is a sequence of chunks that can run here, in the worker, or through the trigger endpoint.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override LOG_LEVEL")
	cmd.AddCommand(
		newSyncCmd(),
		newDriveCmd(),
		newEnqueueCmd(),
		newMigrateCmd(),
		newServeCmd(),
		newSniffCmd(),
		newBlobsCmd(),
	)
	return cmd
}

// loadConfig loads configuration and initialises logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	return cfg, nil
}

func openApp(ctx context.Context, dryRun bool) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, app.Options{DryRun: dryRun})
}

func newSyncCmd() *cobra.Command {
	var chunk int
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync chunk and print its result",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, dryRun)
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.Scheduler.RunChunk(ctx, chunk)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().IntVar(&chunk, "chunk", 0, "Project index to process")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Use an in-memory catalogue and blob store")
	return cmd
}

func newDriveCmd() *cobra.Command {
	var start, maxIterations int
	var dryRun, resume bool
	cmd := &cobra.Command{
		Use:   "drive",
		Short: "Run chunks until the pass completes or the iteration cap is hit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, dryRun)
			if err != nil {
				return err
			}
			defer a.Close()
			if maxIterations <= 0 {
				maxIterations = a.Config.Sync.MaxIterations
			}
			if resume {
				_, meta, err := a.Scheduler.Due(ctx)
				if err != nil {
					return err
				}
				start = scheduler.ResumeChunk(meta)
			}
			sum, err := a.Scheduler.Drive(ctx, start, maxIterations)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sum)
		},
	}
	cmd.Flags().IntVar(&start, "start", 0, "First chunk to run")
	cmd.Flags().BoolVar(&resume, "resume", false, "Start from the chunk recorded in the sync metadata")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "Safety cap (default SYNC_MAX_ITERATIONS)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Use an in-memory catalogue and blob store")
	return cmd
}

func newEnqueueCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a sync campaign for the worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := asynq.NewClient(asynq.RedisClientOpt{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer client.Close()
			err = queue.EnqueueCampaign(cmd.Context(), client, force, cfg.Sync.Interval)
			if errors.Is(err, asynq.ErrDuplicateTask) {
				fmt.Fprintln(cmd.OutOrStdout(), "a campaign is already queued")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "campaign queued")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Start even if the sync interval has not elapsed")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending catalogue migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := database.Migrate(cfg.Database.URL); err != nil {
				return err
			}
			return printVersion(cmd.OutOrStdout(), cfg.Database.URL)
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printVersion(cmd.OutOrStdout(), cfg.Database.URL)
		},
	})
	return cmd
}

func printVersion(w io.Writer, dsn string) error {
	version, dirty, err := database.Version(dsn)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "schema version %d (dirty=%t)\n", version, dirty)
	return nil
}

func newServeCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the gallery and trigger endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, dryRun)
			if err != nil {
				return err
			}
			defer a.Close()
			return api.New(a.Config.Address, a.Config.API, a.Catalogue, a.Scheduler).Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Use an in-memory catalogue and blob store")
	return cmd
}

type sniffResult struct {
	File   string  `json:"file"`
	Format string  `json:"format,omitempty"`
	Width  int     `json:"width,omitempty"`
	Height int     `json:"height,omitempty"`
	Aspect float64 `json:"aspect,omitempty"`
	Error  string  `json:"error,omitempty"`
}

func newSniffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sniff FILE...",
		Short: "Report format and pixel dimensions of local image files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results := make([]sniffResult, 0, len(args))
			for _, name := range args {
				r := sniffResult{File: name}
				data, err := os.ReadFile(name)
				if err != nil {
					r.Error = err.Error()
					results = append(results, r)
					continue
				}
				info, ok := imagesize.Sniff(data)
				if !ok {
					r.Format = string(imagesize.DetectFormat(data))
					r.Error = "dimensions unknown"
					results = append(results, r)
					continue
				}
				r.Format = string(info.Format)
				r.Width, r.Height, r.Aspect = info.Width, info.Height, info.Aspect()
				results = append(results, r)
			}
			return printJSON(cmd.OutOrStdout(), results)
		},
	}
}

func newBlobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blobs",
		Short: "Inspect the mirror blob store",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "ls [prefix]",
		Short: "List mirrored objects",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			blobs, err := s3storage.New(cmd.Context(), cfg.Storage)
			if err != nil {
				return err
			}
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			objects, err := blobs.List(cmd.Context(), prefix)
			if err != nil {
				return err
			}
			for _, o := range objects {
				fmt.Fprintf(cmd.OutOrStdout(), "%10d  %s\n", o.Size, o.Key)
			}
			return nil
		},
	})
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
