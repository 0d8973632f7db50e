package models

import (
	"errors"
	"time"
)

// Outcome is the per-record result of a conditional merge.
type Outcome int

const (
	OutcomeSkippedNotNewer Outcome = iota
	OutcomeInserted
	OutcomeUpdated
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	default:
		return "skipped_not_newer"
	}
}

// SyncMode names how a run chose what to fetch.
type SyncMode string

const (
	ModeFull        SyncMode = "full"        // destructive: schema reset, fetch everything
	ModeBackfill    SyncMode = "backfill"    // fetch everything, schema untouched
	ModeIncremental SyncMode = "incremental" // fetch records changed since now - lookback
)

// Run statuses stored in sync_runs.status.
const (
	RunRunning        = "running"
	RunCompleted      = "completed"
	RunFailed         = "failed"
	RunReauthRequired = "reauth_required"
	RunAborted        = "aborted"
)

// RunCounts aggregates per-record outcomes.
type RunCounts struct {
	Pages    int `json:"pages"`
	Found    int `json:"found"`
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Add records one outcome.
func (c *RunCounts) Add(o Outcome) {
	switch o {
	case OutcomeInserted:
		c.Inserted++
	case OutcomeUpdated:
		c.Updated++
	default:
		c.Skipped++
	}
}

// Merge folds another set of counts into c.
func (c *RunCounts) Merge(other RunCounts) {
	c.Pages += other.Pages
	c.Found += other.Found
	c.Inserted += other.Inserted
	c.Updated += other.Updated
	c.Skipped += other.Skipped
	c.Failed += other.Failed
}

// SyncRun is one row of sync_runs.
type SyncRun struct {
	ID          string     `json:"id"`
	Mode        SyncMode   `json:"mode"`
	Status      string     `json:"status"`
	Since       *time.Time `json:"since,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Counts      RunCounts  `json:"counts"`
	Error       string     `json:"error,omitempty"`
}

// StoreStats are row counts reported by the admin API and the verify command.
type StoreStats struct {
	Opportunities int      `json:"opportunities"`
	Archived      int      `json:"archived"`
	Clients       int      `json:"clients"`
	Offices       int      `json:"offices"`
	Locations     int      `json:"locations"`
	Competitors   int      `json:"competitors"`
	Runs          int      `json:"runs"`
	LastRun       *SyncRun `json:"last_run,omitempty"`
}

var (
	// ErrMissingID rejects a record without an upstream identity.
	ErrMissingID = errors.New("opportunity has no id")

	// ErrReauthRequired means the upstream or the token endpoint rejected our
	// credentials. Retrying will not help until an operator re-authorizes.
	ErrReauthRequired = errors.New("authorization rejected; re-authentication required")
)
