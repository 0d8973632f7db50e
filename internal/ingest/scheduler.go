package ingest

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/david/opportunity-sync/internal/models"
)

// IncrementalRunner is the part of the pipeline the scheduler drives.
type IncrementalRunner interface {
	IncrementalResync(ctx context.Context) (models.SyncRun, error)
}

// Scheduler fires incremental runs on a fixed interval. A firing never waits
// for the previous one; overlapping firings are collapsed by the runner.
type Scheduler struct {
	runner     IncrementalRunner
	interval   time.Duration
	runOnStart bool

	wg sync.WaitGroup
}

func NewScheduler(runner IncrementalRunner, interval time.Duration, runOnStart bool) *Scheduler {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Scheduler{runner: runner, interval: interval, runOnStart: runOnStart}
}

// Run blocks until ctx is done, then waits for in-flight runs to return.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("[scheduler] incremental sync every %s", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if s.runOnStart {
		s.fire(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			log.Printf("[scheduler] stopped")
			return
		case <-ticker.C:
			s.fire(ctx)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, err := s.runner.IncrementalResync(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrFullResyncInProgress):
			log.Printf("[scheduler] full resync in progress; incremental run skipped")
		default:
			switch Classify(err) {
			case FailureReauth:
				log.Printf("[scheduler] credentials rejected; re-authorize before the next run: %v", err)
			case FailureTransient:
				log.Printf("[scheduler] incremental run aborted, next tick retries: %v", err)
			default:
				log.Printf("[scheduler] incremental run failed: %v", err)
			}
		}
	}()
}
