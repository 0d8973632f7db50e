package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/david/opportunity-sync/internal/api"
	"github.com/david/opportunity-sync/internal/app"
	"github.com/david/opportunity-sync/internal/auth"
	"github.com/david/opportunity-sync/internal/config"
	"github.com/david/opportunity-sync/internal/ingest"
)

func main() {
	configPath := flag.String("config", "", "path to a config overlay (default $OPPSYNC_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	closeLog := config.SetupLogging(cfg.Log)
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer a.Close()

	guard, err := auth.NewAdminGuard(cfg.Server.AdminSecretHash)
	if err != nil {
		log.Fatalf("Admin configuration error: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		runNow := true
		if cfg.Schedule.BackfillWhenEmpty {
			backfilled, err := a.Pipeline.BackfillIfEmpty(ctx)
			if err != nil {
				log.Printf("[sync] initial backfill failed (%s): %v", ingest.Classify(err), err)
			}
			runNow = !backfilled
		}
		ingest.NewScheduler(a.Pipeline, cfg.Schedule.Interval, runNow).Run(ctx)
	}()

	srv := api.NewServer(a.Store, a.Pipeline, guard, cfg.Schedule.RunTimeout)
	go func() {
		log.Printf("Server starting on port %s...", cfg.Server.Port)
		if err := srv.Start(cfg.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Server stopped: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Print("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown: %v", err)
	}
	<-done
}
