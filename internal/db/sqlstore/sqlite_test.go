package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/david/opportunity-sync/internal/db"
	"github.com/david/opportunity-sync/internal/models"
)

func openTestSQLite(t *testing.T) *Store {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return s
}

func strPtr(s string) *string { return &s }

func at(value string) *time.Time {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		panic(err)
	}
	return &t
}

func opportunity(id, name, updatedAt string) models.Opportunity {
	opp := models.Opportunity{ID: id, Name: strPtr(name)}
	if updatedAt != "" {
		opp.UpdatedAt = at(updatedAt)
	}
	return opp
}

func TestSQLiteUpsertOutcomes(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	steps := []struct {
		name     string
		opp      models.Opportunity
		want     models.Outcome
		stored   string
		revision int64
	}{
		{"new record inserts", opportunity("opp-1", "first", "2024-03-01T10:00:00Z"), models.OutcomeInserted, "first", 1},
		{"same timestamp skips", opportunity("opp-1", "same", "2024-03-01T10:00:00Z"), models.OutcomeSkippedNotNewer, "first", 1},
		{"older timestamp skips", opportunity("opp-1", "older", "2024-02-01T10:00:00Z"), models.OutcomeSkippedNotNewer, "first", 1},
		{"null timestamp skips", opportunity("opp-1", "null", ""), models.OutcomeSkippedNotNewer, "first", 1},
		{"newer timestamp updates", opportunity("opp-1", "second", "2024-03-01T10:00:01Z"), models.OutcomeUpdated, "second", 2},
	}

	for _, step := range steps {
		t.Run(step.name, func(t *testing.T) {
			got, err := s.UpsertOpportunity(ctx, step.opp)
			if err != nil {
				t.Fatalf("upsert: %v", err)
			}
			if got != step.want {
				t.Fatalf("expected %s, got %s", step.want, got)
			}
			summary, err := s.GetOpportunity(ctx, "opp-1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if summary.Name == nil || *summary.Name != step.stored {
				t.Fatalf("expected stored name %q, got %v", step.stored, summary.Name)
			}
			if summary.SyncRevision != step.revision {
				t.Fatalf("expected revision %d, got %d", step.revision, summary.SyncRevision)
			}
		})
	}
}

func TestSQLiteStoredNullTimestampIsReplaced(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	if _, err := s.UpsertOpportunity(ctx, opportunity("opp-1", "undated", "")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := s.UpsertOpportunity(ctx, opportunity("opp-1", "dated", "2020-01-01T00:00:00Z"))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if got != models.OutcomeUpdated {
		t.Fatalf("expected updated, got %s", got)
	}
}

func TestSQLiteSubSecondOrdering(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	first := opportunity("opp-1", "a", "")
	first.UpdatedAt = at("2024-03-01T10:00:00Z")
	later := first.UpdatedAt.Add(500 * time.Millisecond)
	second := opportunity("opp-1", "b", "")
	second.UpdatedAt = &later

	if _, err := s.UpsertOpportunity(ctx, first); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := s.UpsertOpportunity(ctx, second)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if got != models.OutcomeUpdated {
		t.Fatalf("expected half a second to count as newer, got %s", got)
	}
}

func TestSQLiteMissingID(t *testing.T) {
	s := openTestSQLite(t)
	_, err := s.UpsertOpportunity(context.Background(), models.Opportunity{Name: strPtr("anonymous")})
	if !errors.Is(err, models.ErrMissingID) {
		t.Fatalf("expected ErrMissingID, got %v", err)
	}
}

func TestSQLiteChildRows(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	opp := opportunity("opp-1", "tower", "2024-03-01T10:00:00Z")
	opp.Client = models.Client{
		CompanyID:   strPtr("client-1"),
		CompanyName: strPtr("Acme"),
		Office: models.Office{
			ID:       strPtr("office-1"),
			Name:     strPtr("Denver"),
			Location: models.Location{City: strPtr("Denver"), State: strPtr("CO")},
		},
	}
	opp.Location = models.Location{City: strPtr("Boulder"), State: strPtr("CO")}
	opp.Competitors = []models.Competitor{{Name: strPtr("A")}, {Name: strPtr("B")}, {Name: strPtr("C")}}

	if _, err := s.UpsertOpportunity(ctx, opp); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := models.StoreStats{Opportunities: 1, Clients: 1, Offices: 1, Locations: 2, Competitors: 3}
	if stats != want {
		t.Fatalf("expected %+v, got %+v", want, stats)
	}

	// Competitors are replaced as a set.
	newer := opp
	newer.UpdatedAt = at("2024-03-02T10:00:00Z")
	newer.Competitors = []models.Competitor{{Name: strPtr("D")}}
	if _, err := s.UpsertOpportunity(ctx, newer); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	summary, err := s.GetOpportunity(ctx, "opp-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if summary.Competitors != 1 {
		t.Fatalf("expected 1 competitor after replacement, got %d", summary.Competitors)
	}

	// A stale copy must not touch children.
	stale := opp
	stale.UpdatedAt = at("2024-01-01T00:00:00Z")
	if _, err := s.UpsertOpportunity(ctx, stale); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	summary, err = s.GetOpportunity(ctx, "opp-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if summary.Competitors != 1 {
		t.Fatalf("expected stale copy to leave competitors alone, got %d", summary.Competitors)
	}
}

func TestSQLiteConcurrentUpsertsConverge(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ts := base.Add(time.Duration(i) * time.Minute)
			opp := models.Opportunity{ID: "opp-1", Name: strPtr(fmt.Sprintf("v%d", i)), UpdatedAt: &ts}
			if _, err := s.UpsertOpportunity(ctx, opp); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("upsert: %v", err)
	}

	summary, err := s.GetOpportunity(ctx, "opp-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if summary.Name == nil || *summary.Name != "v19" {
		t.Fatalf("expected newest version to win, got %v", summary.Name)
	}
	want := base.Add(19 * time.Minute)
	if summary.UpdatedAt == nil || !summary.UpdatedAt.Equal(want) {
		t.Fatalf("expected updated_at %s, got %v", want, summary.UpdatedAt)
	}
}

func TestSQLiteResetSchemaKeepsRuns(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	started := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	run := models.SyncRun{ID: "run-1", Mode: models.ModeIncremental, Status: models.RunRunning, StartedAt: started}
	if err := s.StartRun(ctx, run); err != nil {
		t.Fatalf("start run: %v", err)
	}
	if _, err := s.UpsertOpportunity(ctx, opportunity("opp-1", "x", "2024-03-01T10:00:00Z")); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := s.ResetSchema(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}

	n, err := s.CountOpportunities(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected empty opportunities after reset, got %d", n)
	}
	runs, err := s.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-1" {
		t.Fatalf("expected run history to survive reset, got %+v", runs)
	}

	if _, err := s.UpsertOpportunity(ctx, opportunity("opp-1", "x", "2024-03-01T10:00:00Z")); err != nil {
		t.Fatalf("upsert after reset: %v", err)
	}
}

func TestSQLiteRunLifecycle(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	since := time.Date(2024, 2, 29, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"run-1", "run-2"} {
		run := models.SyncRun{
			ID:        id,
			Mode:      models.ModeIncremental,
			Status:    models.RunRunning,
			Since:     &since,
			StartedAt: since.Add(time.Duration(i+1) * time.Hour),
		}
		if err := s.StartRun(ctx, run); err != nil {
			t.Fatalf("start run: %v", err)
		}
	}

	done := since.Add(3 * time.Hour)
	finished := models.SyncRun{
		ID:          "run-2",
		Status:      models.RunReauthRequired,
		CompletedAt: &done,
		Counts:      models.RunCounts{Pages: 2, Found: 7, Inserted: 3, Updated: 1, Skipped: 2, Failed: 1},
		Error:       "authorization rejected",
	}
	if err := s.FinishRun(ctx, finished); err != nil {
		t.Fatalf("finish run: %v", err)
	}

	runs, err := s.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	latest := runs[0]
	if latest.ID != "run-2" {
		t.Fatalf("expected newest run first, got %s", latest.ID)
	}
	if latest.Status != models.RunReauthRequired || latest.Counts != finished.Counts {
		t.Fatalf("expected finished run to be stored, got %+v", latest)
	}
	if latest.CompletedAt == nil || !latest.CompletedAt.Equal(done) {
		t.Fatalf("expected completed_at %s, got %v", done, latest.CompletedAt)
	}
	if latest.Since == nil || !latest.Since.Equal(since) {
		t.Fatalf("expected since %s, got %v", since, latest.Since)
	}
	if !strings.Contains(latest.Error, "authorization") {
		t.Fatalf("expected error text to be stored, got %q", latest.Error)
	}
	if runs[1].CompletedAt != nil {
		t.Fatalf("expected unfinished run to have no completed_at, got %v", runs[1].CompletedAt)
	}

	limited, err := s.ListRuns(ctx, 1)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}
}

func TestSQLiteGetOpportunityNotFound(t *testing.T) {
	s := openTestSQLite(t)
	_, err := s.GetOpportunity(context.Background(), "missing")
	if !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteEnsureSchemaIsRepeatable(t *testing.T) {
	s := openTestSQLite(t)
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
}

func TestSQLiteDSN(t *testing.T) {
	tests := []struct {
		in         string
		wantPrefix string
	}{
		{"data/sync.db", "file:data/sync.db?"},
		{"file:data/sync.db", "file:data/sync.db?"},
		{"sqlite://data/sync.db", "file:data/sync.db?"},
		{"file:data/sync.db?mode=rwc", "file:data/sync.db?mode=rwc&"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := sqliteDSN(tt.in)
			if !strings.HasPrefix(got, tt.wantPrefix) {
				t.Fatalf("expected prefix %q, got %q", tt.wantPrefix, got)
			}
			if !strings.Contains(got, "foreign_keys") || !strings.Contains(got, "_txlock=immediate") {
				t.Fatalf("expected pragmas in %q", got)
			}
		})
	}
}

func TestSQLiteSharedClientNotRolledBack(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	withClient := func(id, updatedAt, clientName, officeName string) models.Opportunity {
		opp := opportunity(id, id, updatedAt)
		opp.Client = models.Client{
			CompanyID:   strPtr("client-1"),
			CompanyName: strPtr(clientName),
			Office:      models.Office{ID: strPtr("office-1"), Name: strPtr(officeName)},
		}
		return opp
	}

	if _, err := s.UpsertOpportunity(ctx, withClient("opp-new", "2024-03-01T10:00:00Z", "Acme Builders", "Denver HQ")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := s.UpsertOpportunity(ctx, withClient("opp-old", "2024-01-01T10:00:00Z", "Acme", "Denver"))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if got != models.OutcomeInserted {
		t.Fatalf("expected older opportunity to insert, got %s", got)
	}

	var client, office string
	if err := s.conn.QueryRowContext(ctx, `SELECT name FROM clients WHERE id = 'client-1'`).Scan(&client); err != nil {
		t.Fatalf("read client: %v", err)
	}
	if err := s.conn.QueryRowContext(ctx, `SELECT name FROM offices WHERE id = 'office-1'`).Scan(&office); err != nil {
		t.Fatalf("read office: %v", err)
	}
	if client != "Acme Builders" || office != "Denver HQ" {
		t.Fatalf("expected newer client and office names, got %q / %q", client, office)
	}

	if _, err := s.UpsertOpportunity(ctx, withClient("opp-newest", "2024-04-01T10:00:00Z", "Acme Group", "Denver Tech")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.conn.QueryRowContext(ctx, `SELECT name FROM clients WHERE id = 'client-1'`).Scan(&client); err != nil {
		t.Fatalf("read client: %v", err)
	}
	if client != "Acme Group" {
		t.Fatalf("expected newest client name, got %q", client)
	}
}
