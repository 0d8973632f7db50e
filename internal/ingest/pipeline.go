package ingest

import (
	"context"
	"fmt"
	"iter"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/david/opportunity-sync/internal/config"
	"github.com/david/opportunity-sync/internal/models"
)

// Store is the persistence surface a sync run drives.
type Store interface {
	// ResetSchema drops and recreates the synced tables in one transaction.
	// Run history survives.
	ResetSchema(ctx context.Context) error
	UpsertOpportunity(ctx context.Context, opp models.Opportunity) (models.Outcome, error)
	CountOpportunities(ctx context.Context) (int, error)
	StartRun(ctx context.Context, run models.SyncRun) error
	FinishRun(ctx context.Context, run models.SyncRun) error
}

// PageSource yields upstream pages in order.
type PageSource interface {
	Pages(ctx context.Context, since *time.Time) iter.Seq2[Page, error]
}

type PipelineOptions struct {
	Lookback   time.Duration
	RunTimeout time.Duration
	Normalize  NormalizeOptions
}

// NewPipelineOptions picks the pipeline settings out of the loaded config.
func NewPipelineOptions(cfg *config.Config) PipelineOptions {
	return PipelineOptions{
		Lookback:   cfg.Schedule.Lookback,
		RunTimeout: cfg.Schedule.RunTimeout,
		Normalize:  NewNormalizeOptions(cfg.Normalize),
	}
}

// FullResyncOptions gates the destructive path.
type FullResyncOptions struct {
	Confirm bool
}

// Pipeline runs sync modes against one store. Runs of the same mode collapse
// into one through single-flight; a full resync excludes every other run.
type Pipeline struct {
	store Store
	pages PageSource
	opts  PipelineOptions
	now   func() time.Time

	flight   singleflight.Group
	schemaMu sync.RWMutex
}

func NewPipeline(store Store, pages PageSource, opts PipelineOptions) *Pipeline {
	if opts.Lookback <= 0 {
		opts.Lookback = time.Hour
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 30 * time.Minute
	}
	if opts.Normalize.MaxTextLength <= 0 {
		opts.Normalize = DefaultNormalizeOptions()
	}
	return &Pipeline{
		store: store,
		pages: pages,
		opts:  opts,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// FullResync drops and recreates the synced tables, then loads every record.
func (p *Pipeline) FullResync(ctx context.Context, opts FullResyncOptions) (models.SyncRun, error) {
	if !opts.Confirm {
		return models.SyncRun{}, ErrFullResyncNotConfirmed
	}
	return p.do(ctx, models.ModeFull, func(ctx context.Context) (models.SyncRun, error) {
		p.schemaMu.Lock()
		defer p.schemaMu.Unlock()
		return p.run(ctx, models.ModeFull, nil)
	})
}

// Backfill loads every record without touching the schema.
func (p *Pipeline) Backfill(ctx context.Context) (models.SyncRun, error) {
	return p.do(ctx, models.ModeBackfill, func(ctx context.Context) (models.SyncRun, error) {
		if !p.schemaMu.TryRLock() {
			return models.SyncRun{}, ErrFullResyncInProgress
		}
		defer p.schemaMu.RUnlock()
		return p.run(ctx, models.ModeBackfill, nil)
	})
}

// IncrementalResync loads records updated within the lookback window.
func (p *Pipeline) IncrementalResync(ctx context.Context) (models.SyncRun, error) {
	return p.do(ctx, models.ModeIncremental, func(ctx context.Context) (models.SyncRun, error) {
		if !p.schemaMu.TryRLock() {
			return models.SyncRun{}, ErrFullResyncInProgress
		}
		defer p.schemaMu.RUnlock()
		since := p.now().Add(-p.opts.Lookback)
		return p.run(ctx, models.ModeIncremental, &since)
	})
}

// BackfillIfEmpty runs a backfill when the store holds no opportunities.
// It reports whether a backfill ran.
func (p *Pipeline) BackfillIfEmpty(ctx context.Context) (bool, error) {
	n, err := p.store.CountOpportunities(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to count opportunities: %w", err)
	}
	if n > 0 {
		return false, nil
	}
	log.Printf("[sync] store is empty; starting backfill")
	_, err = p.Backfill(ctx)
	return true, err
}

func (p *Pipeline) do(ctx context.Context, mode models.SyncMode, fn func(context.Context) (models.SyncRun, error)) (models.SyncRun, error) {
	v, err, shared := p.flight.Do(string(mode), func() (any, error) {
		return fn(ctx)
	})
	if shared {
		log.Printf("[sync] joined %s run already in flight", mode)
	}
	run, _ := v.(models.SyncRun)
	return run, err
}

// run executes one sync and records it. The returned error is the reason the
// run stopped early; per-record failures only show up in the counts.
func (p *Pipeline) run(ctx context.Context, mode models.SyncMode, since *time.Time) (run models.SyncRun, runErr error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.RunTimeout)
	defer cancel()

	run = models.SyncRun{
		ID:        uuid.NewString(),
		Mode:      mode,
		Status:    models.RunRunning,
		Since:     since,
		StartedAt: p.now(),
	}
	if err := p.store.StartRun(ctx, run); err != nil {
		log.Printf("[Warn] failed to record start of run %s: %v", run.ID, err)
	}

	defer func() {
		completed := p.now()
		run.CompletedAt = &completed
		run.Status = runStatus(runErr)
		if runErr != nil {
			run.Error = runErr.Error()
		}
		// The run context may already be done; the record must still land.
		finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := p.store.FinishRun(finishCtx, run); err != nil {
			log.Printf("[Warn] failed to record end of run %s: %v", run.ID, err)
		}
		log.Printf("[sync] run=%s mode=%s status=%s pages=%d found=%d inserted=%d updated=%d skipped=%d failed=%d duration=%s",
			run.ID, mode, run.Status, run.Counts.Pages, run.Counts.Found, run.Counts.Inserted,
			run.Counts.Updated, run.Counts.Skipped, run.Counts.Failed, completed.Sub(run.StartedAt).Round(time.Millisecond))
	}()

	if since != nil {
		log.Printf("[sync] run=%s mode=%s since=%s", run.ID, mode, since.Format(time.RFC3339))
	} else {
		log.Printf("[sync] run=%s mode=%s since=<all>", run.ID, mode)
	}

	if mode == models.ModeFull {
		if err := p.store.ResetSchema(ctx); err != nil {
			return run, fmt.Errorf("schema reset failed: %w", err)
		}
		log.Printf("[sync] run=%s schema reset", run.ID)
	}

	for page, err := range p.pages.Pages(ctx, since) {
		if err != nil {
			return run, fmt.Errorf("page %d: %w", page.Number, err)
		}
		counts, err := p.applyPage(ctx, run.ID, page)
		run.Counts.Merge(counts)
		log.Printf("[sync] run=%s page=%d size=%d inserted=%d updated=%d skipped=%d failed=%d",
			run.ID, page.Number, counts.Found, counts.Inserted, counts.Updated, counts.Skipped, counts.Failed)
		if err != nil {
			return run, err
		}
	}
	return run, ctx.Err()
}

// applyPage upserts records in upstream order. Only cancellation stops it.
func (p *Pipeline) applyPage(ctx context.Context, runID string, page Page) (models.RunCounts, error) {
	counts := models.RunCounts{
		Pages:  1,
		Found:  len(page.Records) + page.Malformed,
		Failed: page.Malformed,
	}
	if page.Malformed > 0 {
		log.Printf("[sync] run=%s page=%d skipped %d malformed entries", runID, page.Number, page.Malformed)
	}

	for _, raw := range page.Records {
		opp := Normalize(raw, p.opts.Normalize)
		if opp.ID == "" {
			counts.Failed++
			log.Printf("[sync] run=%s page=%d record without id skipped", runID, page.Number)
			continue
		}
		outcome, err := p.store.UpsertOpportunity(ctx, opp)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				counts.Failed++
				return counts, ctxErr
			}
			counts.Failed++
			log.Printf("[sync] run=%s failed to upsert %s: %v", runID, opp.ID, err)
			continue
		}
		counts.Add(outcome)
	}
	return counts, nil
}
