package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/david/opportunity-sync/internal/app"
	"github.com/david/opportunity-sync/internal/config"
	"github.com/david/opportunity-sync/internal/ingest"
	"github.com/david/opportunity-sync/internal/models"
)

var (
	confirmFull bool
	lookback    time.Duration
)

var fullCmd = &cobra.Command{
	Use:   "full",
	Short: "Drop all synced data and load every opportunity",
	Long:  `Drops and recreates the opportunity tables, then loads every record from upstream. Run history is kept. Requires --confirm.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !confirmFull {
			return ingest.ErrFullResyncNotConfirmed
		}
		return runSync(cmd, nil, func(ctx context.Context, p *ingest.Pipeline) (models.SyncRun, error) {
			return p.FullResync(ctx, ingest.FullResyncOptions{Confirm: true})
		})
	},
}

var incrementalCmd = &cobra.Command{
	Use:   "incremental",
	Short: "Load opportunities updated within the lookback window",
	RunE: func(cmd *cobra.Command, args []string) error {
		override := func(cfg *config.Config) {
			if lookback > 0 {
				cfg.Schedule.Lookback = lookback
			}
		}
		return runSync(cmd, override, func(ctx context.Context, p *ingest.Pipeline) (models.SyncRun, error) {
			return p.IncrementalResync(ctx)
		})
	},
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Load every opportunity without dropping existing data",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(cmd, nil, func(ctx context.Context, p *ingest.Pipeline) (models.SyncRun, error) {
			return p.Backfill(ctx)
		})
	},
}

func init() {
	fullCmd.Flags().BoolVar(&confirmFull, "confirm", false, "Confirm dropping all synced data")
	incrementalCmd.Flags().DurationVar(&lookback, "lookback", 0, "Override schedule.lookback for this run")
}

func runSync(cmd *cobra.Command, override func(*config.Config), fn func(context.Context, *ingest.Pipeline) (models.SyncRun, error)) error {
	cfg, restore, err := loadConfig()
	if err != nil {
		return err
	}
	defer restore()
	if override != nil {
		override(cfg)
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := fn(ctx, a.Pipeline)
	if run.ID != "" {
		printRuns(cmd.OutOrStdout(), []models.SyncRun{run})
	}
	if err != nil {
		return fmt.Errorf("sync stopped (%s): %w", ingest.Classify(err), err)
	}
	return nil
}
