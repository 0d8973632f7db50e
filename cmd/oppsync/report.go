package main

import (
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/david/opportunity-sync/internal/app"
	"github.com/david/opportunity-sync/internal/models"
)

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show recent sync runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, restore, err := loadConfig()
		if err != nil {
			return err
		}
		defer restore()

		ctx, stop := signalContext(cmd)
		defer stop()

		backend, err := app.Open(ctx, cfg)
		if err != nil {
			return err
		}
		defer backend.Close()

		runs, err := backend.ListRuns(ctx, runsLimit)
		if err != nil {
			return err
		}
		printRuns(cmd.OutOrStdout(), runs)
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Show row counts per table and the last run",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, restore, err := loadConfig()
		if err != nil {
			return err
		}
		defer restore()

		ctx, stop := signalContext(cmd)
		defer stop()

		backend, err := app.Open(ctx, cfg)
		if err != nil {
			return err
		}
		defer backend.Close()

		stats, err := backend.Stats(ctx)
		if err != nil {
			return err
		}
		printStats(cmd.OutOrStdout(), cfg.Database.Driver, stats)
		return nil
	},
}

func init() {
	runsCmd.Flags().IntVar(&runsLimit, "limit", 10, "Number of runs to show")
}

func printRuns(w io.Writer, runs []models.SyncRun) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Run", "Mode", "Status", "Pages", "Found", "Inserted", "Updated", "Skipped", "Failed", "Duration", "Started At"})

	for _, run := range runs {
		duration := "Running..."
		if run.CompletedAt != nil {
			duration = run.CompletedAt.Sub(run.StartedAt).Round(time.Second).String()
		}
		c := run.Counts
		t.AppendRow(table.Row{
			shortID(run.ID), run.Mode, run.Status, c.Pages, c.Found, c.Inserted, c.Updated, c.Skipped, c.Failed,
			duration, run.StartedAt.Format(time.DateTime),
		})
		if run.Error != "" {
			t.AppendRow(table.Row{"", "", "error: " + run.Error})
		}
	}
	t.Render()
}

func printStats(w io.Writer, driver string, st models.StoreStats) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("Store (%s)", driver)
	t.AppendHeader(table.Row{"Table", "Rows"})
	t.AppendRows([]table.Row{
		{"opportunities", st.Opportunities},
		{"  archived", st.Archived},
		{"clients", st.Clients},
		{"offices", st.Offices},
		{"locations", st.Locations},
		{"competitors", st.Competitors},
		{"sync_runs", st.Runs},
	})
	t.Render()

	if st.LastRun != nil {
		printRuns(w, []models.SyncRun{*st.LastRun})
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
