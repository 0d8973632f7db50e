package db

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/david/opportunity-sync/internal/models"
)

func strPtr(s string) *string { return &s }

func TestLocationID(t *testing.T) {
	denver := models.Location{City: strPtr("Denver"), State: strPtr("CO")}
	same := models.Location{City: strPtr("Denver"), State: strPtr("CO")}
	blankSuite := models.Location{City: strPtr("Denver"), State: strPtr("CO"), Suite: strPtr("")}
	shifted := models.Location{City: strPtr("DenverCO")}

	if LocationID(models.Location{}) != nil {
		t.Fatalf("expected empty location to have no id")
	}
	a, b := LocationID(denver), LocationID(same)
	if a == nil || b == nil || *a != *b {
		t.Fatalf("expected equal locations to share an id, got %v and %v", a, b)
	}
	if c := LocationID(blankSuite); *c == *a {
		t.Fatalf("expected empty string to differ from null")
	}
	if d := LocationID(shifted); *d == *a {
		t.Fatalf("expected field boundaries to matter")
	}
	if len(*a) != 36 {
		t.Fatalf("expected a uuid, got %q", *a)
	}
}

func TestOpportunityRowMatchesColumns(t *testing.T) {
	row := OpportunityRow(models.Opportunity{ID: "opp-1"}, time.Now(), NativeTime)
	if len(row) != len(OpportunityColumns) {
		t.Fatalf("expected %d values, got %d", len(OpportunityColumns), len(row))
	}
	if OpportunityColumns[0] != "id" || OpportunityColumns[len(OpportunityColumns)-1] != "synced_at" {
		t.Fatalf("expected id first and synced_at last, got %v", OpportunityColumns)
	}
	if row[0] != "opp-1" {
		t.Fatalf("expected id in first position, got %v", row[0])
	}
	if _, ok := row[len(row)-1].(time.Time); !ok {
		t.Fatalf("expected synced_at to be bound, got %T", row[len(row)-1])
	}
}

func TestOutcomeFromRevision(t *testing.T) {
	tests := []struct {
		revision int64
		returned bool
		want     models.Outcome
	}{
		{0, false, models.OutcomeSkippedNotNewer},
		{1, true, models.OutcomeInserted},
		{2, true, models.OutcomeUpdated},
		{17, true, models.OutcomeUpdated},
	}
	for _, tt := range tests {
		if got := OutcomeFromRevision(tt.revision, tt.returned); got != tt.want {
			t.Fatalf("revision %d returned %v: expected %s, got %s", tt.revision, tt.returned, tt.want, got)
		}
	}
}

func TestUpsertStatementIsConditional(t *testing.T) {
	mustContain := []string{
		"ON CONFLICT (id) DO UPDATE",
		"WHERE EXCLUDED.updated_at > opportunities.updated_at",
		"opportunities.updated_at IS NULL AND EXCLUDED.updated_at IS NOT NULL",
		"sync_revision = opportunities.sync_revision + 1",
		"RETURNING sync_revision",
	}
	for _, token := range mustContain {
		if !strings.Contains(upsertOpportunitySQL, token) {
			t.Fatalf("upsert statement missing %q: %s", token, upsertOpportunitySQL)
		}
	}
}

func TestSharedRowUpsertsAreConditional(t *testing.T) {
	tests := []struct {
		name  string
		stmt  string
		guard string
	}{
		{"clients", upsertClientSQL, "WHERE EXCLUDED.updated_at >= clients.updated_at OR clients.updated_at IS NULL"},
		{"offices", upsertOfficeSQL, "WHERE EXCLUDED.updated_at >= offices.updated_at OR offices.updated_at IS NULL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !strings.Contains(tt.stmt, tt.guard) {
				t.Fatalf("expected %q in: %s", tt.guard, tt.stmt)
			}
		})
	}
}

func TestMigrationNamesAreOrdered(t *testing.T) {
	names, err := migrationNames()
	if err != nil {
		t.Fatalf("migration names: %v", err)
	}
	if len(names) < 2 || names[1] != dataTablesMigration {
		t.Fatalf("expected data tables migration second, got %v", names)
	}
}

// TestPostgresStore runs against the database in DATABASE_URL and skips when
// none is reachable.
func TestPostgresStore(t *testing.T) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := Connect(ctx, url)
	if err != nil {
		t.Skipf("postgres unreachable: %v", err)
	}
	s := NewStore(pool)
	defer s.Close()

	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if err := s.ResetSchema(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}

	updated := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	older := updated.Add(-time.Hour)
	newer := updated.Add(time.Second)
	steps := []struct {
		at   *time.Time
		want models.Outcome
	}{
		{&updated, models.OutcomeInserted},
		{&updated, models.OutcomeSkippedNotNewer},
		{&older, models.OutcomeSkippedNotNewer},
		{nil, models.OutcomeSkippedNotNewer},
		{&newer, models.OutcomeUpdated},
	}
	for i, step := range steps {
		opp := models.Opportunity{
			ID:          "opp-1",
			UpdatedAt:   step.at,
			Competitors: []models.Competitor{{Name: strPtr("A")}},
		}
		got, err := s.UpsertOpportunity(ctx, opp)
		if err != nil {
			t.Fatalf("step %d: upsert: %v", i, err)
		}
		if got != step.want {
			t.Fatalf("step %d: expected %s, got %s", i, step.want, got)
		}
	}

	summary, err := s.GetOpportunity(ctx, "opp-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if summary.SyncRevision != 2 || summary.Competitors != 1 {
		t.Fatalf("expected revision 2 and one competitor, got %+v", summary)
	}
}
