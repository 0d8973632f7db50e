package db

import (
	"context"
	"errors"

	"github.com/david/opportunity-sync/internal/models"
)

var ErrNotFound = errors.New("not found")

// Backend is a complete storage implementation: the write path a sync run
// drives plus the read side used by the API and the CLI.
type Backend interface {
	// EnsureSchema creates missing tables without touching existing data.
	EnsureSchema(ctx context.Context) error
	ResetSchema(ctx context.Context) error

	UpsertOpportunity(ctx context.Context, opp models.Opportunity) (models.Outcome, error)
	CountOpportunities(ctx context.Context) (int, error)
	GetOpportunity(ctx context.Context, id string) (*models.OpportunitySummary, error)

	StartRun(ctx context.Context, run models.SyncRun) error
	FinishRun(ctx context.Context, run models.SyncRun) error
	ListRuns(ctx context.Context, limit int) ([]models.SyncRun, error)

	Stats(ctx context.Context) (models.StoreStats, error)
	Close() error
}

// OutcomeFromRevision maps the revision returned by a conditional merge onto
// an outcome: no row means the incoming record was not newer.
func OutcomeFromRevision(revision int64, returned bool) models.Outcome {
	switch {
	case !returned:
		return models.OutcomeSkippedNotNewer
	case revision <= 1:
		return models.OutcomeInserted
	default:
		return models.OutcomeUpdated
	}
}
