package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/david/opportunity-sync/internal/db"
	"github.com/david/opportunity-sync/internal/models"
)

// Store is a database/sql backend driven by a dialect.
type Store struct {
	conn    *sql.DB
	d       dialect
	now     func() time.Time
	onClose func(context.Context, *sql.DB)
}

var _ db.Backend = (*Store)(nil)

func newStore(conn *sql.DB, d dialect) *Store {
	return &Store{conn: conn, d: d, now: time.Now}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range append(append([]string{}, s.d.runsTables...), s.d.dataTables...) {
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure %s schema: %w", s.d.name, err)
		}
	}
	return nil
}

// ResetSchema drops and recreates the data tables in one transaction.
// sync_runs keeps its history.
func (s *Store) ResetSchema(ctx context.Context) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin schema reset: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range append(append([]string{}, s.d.dropData...), s.d.dataTables...) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to reset %s schema: %w", s.d.name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema reset: %w", err)
	}
	return nil
}

// UpsertOpportunity applies one record with a single conditional merge. Child
// rows are written in the same transaction, and only when the merge took the
// record.
func (s *Store) UpsertOpportunity(ctx context.Context, opp models.Opportunity) (models.Outcome, error) {
	if opp.ID == "" {
		return models.OutcomeSkippedNotNewer, models.ErrMissingID
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return models.OutcomeSkippedNotNewer, fmt.Errorf("failed to begin upsert of %s: %w", opp.ID, err)
	}
	defer tx.Rollback()

	var revision int64
	returned := true
	row := db.OpportunityRow(opp, s.now().UTC(), s.d.bindTime)
	err = tx.QueryRowContext(ctx, s.d.upsertOpportunity, args(row)...).Scan(&revision)
	if errors.Is(err, sql.ErrNoRows) {
		returned = false
	} else if err != nil {
		return models.OutcomeSkippedNotNewer, fmt.Errorf("failed to upsert opportunity %s: %w", opp.ID, err)
	}

	outcome := db.OutcomeFromRevision(revision, returned)
	if outcome == models.OutcomeSkippedNotNewer {
		return outcome, nil
	}

	if err := s.writeChildren(ctx, tx, opp); err != nil {
		return models.OutcomeSkippedNotNewer, fmt.Errorf("failed to write related rows of %s: %w", opp.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return models.OutcomeSkippedNotNewer, fmt.Errorf("failed to commit upsert of %s: %w", opp.ID, err)
	}
	return outcome, nil
}

func (s *Store) writeChildren(ctx context.Context, tx *sql.Tx, opp models.Opportunity) error {
	for _, loc := range []models.Location{opp.Location, opp.Client.Office.Location} {
		if row := db.LocationRow(loc); row != nil {
			if _, err := tx.ExecContext(ctx, s.d.insertLocation, args(row)...); err != nil {
				return fmt.Errorf("location: %w", err)
			}
		}
	}

	updatedAt := s.d.bindTime(opp.UpdatedAt)
	if id := opp.Client.CompanyID; id != nil {
		if _, err := tx.ExecContext(ctx, s.d.upsertClient, args([]any{*id, opp.Client.CompanyName, updatedAt})...); err != nil {
			return fmt.Errorf("client: %w", err)
		}
	}
	if office := opp.Client.Office; office.ID != nil {
		row := []any{*office.ID, office.Name, opp.Client.CompanyID, db.LocationID(office.Location), updatedAt}
		if _, err := tx.ExecContext(ctx, s.d.upsertOffice, args(row)...); err != nil {
			return fmt.Errorf("office: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, s.d.rebind(`DELETE FROM competitors WHERE opportunity_id = ?`), opp.ID); err != nil {
		return fmt.Errorf("competitors: %w", err)
	}
	insert := s.d.rebind(insertCompetitorSQL)
	for _, c := range opp.Competitors {
		if _, err := tx.ExecContext(ctx, insert, args(db.CompetitorRow(opp.ID, c, s.d.bindTime))...); err != nil {
			return fmt.Errorf("competitor: %w", err)
		}
	}
	return nil
}

func (s *Store) CountOpportunities(ctx context.Context) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM opportunities`).Scan(&n)
	return n, err
}

func (s *Store) GetOpportunity(ctx context.Context, id string) (*models.OpportunitySummary, error) {
	row := s.conn.QueryRowContext(ctx, s.d.rebind(`SELECT `+db.SummaryColumns+` FROM opportunities o WHERE o.id = ?`), id)
	summary, err := db.ScanSummary(row, s.d.times)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load opportunity %s: %w", id, err)
	}
	return &summary, nil
}

func (s *Store) StartRun(ctx context.Context, run models.SyncRun) error {
	started := run.StartedAt
	_, err := s.conn.ExecContext(ctx, s.d.rebind(insertRunSQL), args([]any{
		run.ID, string(run.Mode), run.Status, s.d.bindTime(run.Since), s.d.bindTime(&started),
	})...)
	return err
}

func (s *Store) FinishRun(ctx context.Context, run models.SyncRun) error {
	var errText *string
	if run.Error != "" {
		errText = &run.Error
	}
	_, err := s.conn.ExecContext(ctx, s.d.rebind(finishRunSQL), args([]any{
		run.Status, s.d.bindTime(run.CompletedAt), run.Counts.Pages, run.Counts.Found,
		run.Counts.Inserted, run.Counts.Updated, run.Counts.Skipped, run.Counts.Failed,
		errText, run.ID,
	})...)
	return err
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]models.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.conn.QueryContext(ctx, s.d.listRuns, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.SyncRun
	for rows.Next() {
		run, err := db.ScanRun(rows, s.d.times)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *Store) Stats(ctx context.Context) (models.StoreStats, error) {
	var st models.StoreStats
	err := s.conn.QueryRowContext(ctx, statsSQL).Scan(
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
	if s.onClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.onClose(ctx, s.conn)
		cancel()
	}
	return s.conn.Close()
}

// args dereferences nullable values so every driver sees plain values or nil.
func args(values []any) []any {
	out := make([]any, len(values))
	for i, v := range values {
		converted, err := driver.DefaultParameterConverter.ConvertValue(v)
		if err != nil {
			out[i] = v
			continue
		}
		out[i] = converted
	}
	return out
}
