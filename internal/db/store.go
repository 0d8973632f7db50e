package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/david/opportunity-sync/internal/models"
)

// Store is the Postgres backend.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

func pgParam(i int) string { return fmt.Sprintf("$%d", i) }

// upsertOpportunitySQL inserts a new row or overwrites an existing one only
// when the incoming updated_at is strictly newer. A stored NULL is replaced by
// any non-NULL value. No row comes back when the update is skipped.
var upsertOpportunitySQL = func() string {
	var set []string
	for _, c := range OpportunityColumns[1:] {
		set = append(set, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
	}
	set = append(set, "sync_revision = opportunities.sync_revision + 1")
	return fmt.Sprintf(`
		INSERT INTO opportunities (%s) VALUES (%s)
		ON CONFLICT (id) DO UPDATE SET %s
		WHERE EXCLUDED.updated_at > opportunities.updated_at
		   OR (opportunities.updated_at IS NULL AND EXCLUDED.updated_at IS NOT NULL)
		RETURNING sync_revision`,
		strings.Join(OpportunityColumns, ", "),
		Placeholders(len(OpportunityColumns), 0, pgParam),
		strings.Join(set, ",\n\t\t\t"))
}()

var insertLocationSQL = fmt.Sprintf(`INSERT INTO locations (%s) VALUES (%s) ON CONFLICT (id) DO NOTHING`,
	strings.Join(LocationColumns, ", "), Placeholders(len(LocationColumns), 0, pgParam))

var insertCompetitorSQL = fmt.Sprintf(`INSERT INTO competitors (%s) VALUES (%s)`,
	strings.Join(CompetitorColumns, ", "), Placeholders(len(CompetitorColumns), 0, pgParam))

const upsertClientSQL = `
	INSERT INTO clients (id, name, updated_at) VALUES ($1, $2, $3)
	ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, updated_at = EXCLUDED.updated_at
	WHERE EXCLUDED.updated_at >= clients.updated_at OR clients.updated_at IS NULL`

const upsertOfficeSQL = `
	INSERT INTO offices (id, name, client_id, location_id, updated_at) VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (id) DO UPDATE SET
		name = EXCLUDED.name,
		client_id = EXCLUDED.client_id,
		location_id = EXCLUDED.location_id,
		updated_at = EXCLUDED.updated_at
	WHERE EXCLUDED.updated_at >= offices.updated_at OR offices.updated_at IS NULL`

func (s *Store) EnsureSchema(ctx context.Context) error {
	return ApplyMigrations(ctx, s.pool)
}

func (s *Store) ResetSchema(ctx context.Context) error {
	return ResetDataTables(ctx, s.pool)
}

// UpsertOpportunity applies one record with a single conditional merge. Child
// rows are written in the same transaction, and only when the merge took the
// record, so an older copy can never regress them.
func (s *Store) UpsertOpportunity(ctx context.Context, opp models.Opportunity) (models.Outcome, error) {
	if opp.ID == "" {
		return models.OutcomeSkippedNotNewer, models.ErrMissingID
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.OutcomeSkippedNotNewer, fmt.Errorf("failed to begin upsert of %s: %w", opp.ID, err)
	}
	defer tx.Rollback(ctx)

	var revision int64
	returned := true
	err = tx.QueryRow(ctx, upsertOpportunitySQL, OpportunityRow(opp, s.now().UTC(), NativeTime)...).Scan(&revision)
	if errors.Is(err, pgx.ErrNoRows) {
		returned = false
	} else if err != nil {
		return models.OutcomeSkippedNotNewer, fmt.Errorf("failed to upsert opportunity %s: %w", opp.ID, err)
	}

	outcome := OutcomeFromRevision(revision, returned)
	if outcome == models.OutcomeSkippedNotNewer {
		return outcome, nil
	}

	if err := s.writeChildren(ctx, tx, opp); err != nil {
		return models.OutcomeSkippedNotNewer, fmt.Errorf("failed to write related rows of %s: %w", opp.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.OutcomeSkippedNotNewer, fmt.Errorf("failed to commit upsert of %s: %w", opp.ID, err)
	}
	return outcome, nil
}

func (s *Store) writeChildren(ctx context.Context, tx pgx.Tx, opp models.Opportunity) error {
	for _, loc := range []models.Location{opp.Location, opp.Client.Office.Location} {
		if row := LocationRow(loc); row != nil {
			if _, err := tx.Exec(ctx, insertLocationSQL, row...); err != nil {
				return fmt.Errorf("location: %w", err)
			}
		}
	}

	updatedAt := NativeTime(opp.UpdatedAt)
	if id := opp.Client.CompanyID; id != nil {
		if _, err := tx.Exec(ctx, upsertClientSQL, *id, opp.Client.CompanyName, updatedAt); err != nil {
			return fmt.Errorf("client: %w", err)
		}
	}
	if office := opp.Client.Office; office.ID != nil {
		if _, err := tx.Exec(ctx, upsertOfficeSQL, *office.ID, office.Name, opp.Client.CompanyID, LocationID(office.Location), updatedAt); err != nil {
			return fmt.Errorf("office: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM competitors WHERE opportunity_id = $1`, opp.ID); err != nil {
		return fmt.Errorf("competitors: %w", err)
	}
	for _, c := range opp.Competitors {
		if _, err := tx.Exec(ctx, insertCompetitorSQL, CompetitorRow(opp.ID, c, NativeTime)...); err != nil {
			return fmt.Errorf("competitor: %w", err)
		}
	}
	return nil
}

func (s *Store) CountOpportunities(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM opportunities`).Scan(&n)
	return n, err
}

func (s *Store) GetOpportunity(ctx context.Context, id string) (*models.OpportunitySummary, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+SummaryColumns+` FROM opportunities o WHERE o.id = $1`, id)
	summary, err := ScanSummary(row, NativeTimes{})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load opportunity %s: %w", id, err)
	}
	return &summary, nil
}

func (s *Store) StartRun(ctx context.Context, run models.SyncRun) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_runs (id, mode, status, since, started_at) VALUES ($1, $2, $3, $4, $5)`,
		run.ID, string(run.Mode), run.Status, NativeTime(run.Since), run.StartedAt.UTC())
	return err
}

func (s *Store) FinishRun(ctx context.Context, run models.SyncRun) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sync_runs SET
			status = $1,
			completed_at = $2,
			pages = $3,
			found = $4,
			inserted = $5,
			updated = $6,
			skipped = $7,
			failed = $8,
			error = $9
		WHERE id = $10`,
		run.Status, NativeTime(run.CompletedAt), run.Counts.Pages, run.Counts.Found,
		run.Counts.Inserted, run.Counts.Updated, run.Counts.Skipped, run.Counts.Failed,
		nilIfEmpty(run.Error), run.ID)
	return err
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]models.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `SELECT `+RunColumns+` FROM sync_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.SyncRun
	for rows.Next() {
		run, err := ScanRun(rows, NativeTimes{})
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *Store) Stats(ctx context.Context) (models.StoreStats, error) {
	var st models.StoreStats
	err := s.pool.QueryRow(ctx, statsSQL).Scan(
		&st.Opportunities, &st.Archived, &st.Clients, &st.Offices, &st.Locations, &st.Competitors, &st.Runs)
	if err != nil {
		return st, err
	}
	runs, err := s.ListRuns(ctx, 1)
	if err != nil {
		return st, err
	}
	if len(runs) > 0 {
		st.LastRun = &runs[0]
	}
	return st, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// statsSQL counts rows per table in one round trip.
const statsSQL = `SELECT
	(SELECT COUNT(*) FROM opportunities),
	(SELECT COUNT(*) FROM opportunities WHERE is_archived = TRUE),
	(SELECT COUNT(*) FROM clients),
	(SELECT COUNT(*) FROM offices),
	(SELECT COUNT(*) FROM locations),
	(SELECT COUNT(*) FROM competitors),
	(SELECT COUNT(*) FROM sync_runs)`

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
