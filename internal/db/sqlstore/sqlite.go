package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/david/opportunity-sync/internal/db"
)

// sqliteTimeLayout is fixed width and always UTC, so stored timestamps order
// correctly as text.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// OpenSQLite opens (creating if needed) the database file at path.
func OpenSQLite(ctx context.Context, path string) (*Store, error) {
	dsn := sqliteDSN(path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// One connection serializes writers inside the process; busy_timeout
	// covers other processes sharing the file.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	s := newStore(conn, sqliteDialect())
	s.onClose = func(ctx context.Context, conn *sql.DB) {
		if _, err := conn.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			log.Printf("[Warn] sqlite checkpoint failed: %v", err)
		}
	}
	return s, nil
}

func sqliteDSN(path string) string {
	path = strings.TrimPrefix(path, "sqlite://")
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	params := url.Values{}
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "journal_mode(wal)")
	params.Add("_pragma", "foreign_keys(1)")
	params.Set("_txlock", "immediate")

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + params.Encode()
}

func sqliteType(k db.ColumnKind) string {
	switch k {
	case db.KindBool, db.KindInt:
		return "INTEGER"
	case db.KindDecimal:
		return "REAL"
	default:
		return "TEXT"
	}
}

func sqliteDialect() dialect {
	d := dialect{
		name:     "sqlite",
		bindTime: sqliteTime,
		times:    textTimes{},
	}

	d.runsTables = []string{
		`CREATE TABLE IF NOT EXISTS sync_runs (
			id           TEXT PRIMARY KEY,
			mode         TEXT NOT NULL,
			status       TEXT NOT NULL,
			since        TEXT,
			started_at   TEXT NOT NULL,
			completed_at TEXT,
			pages        INTEGER NOT NULL DEFAULT 0,
			found        INTEGER NOT NULL DEFAULT 0,
			inserted     INTEGER NOT NULL DEFAULT 0,
			updated      INTEGER NOT NULL DEFAULT 0,
			skipped      INTEGER NOT NULL DEFAULT 0,
			failed       INTEGER NOT NULL DEFAULT 0,
			error        TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS sync_runs_started_at_idx ON sync_runs (started_at)`,
	}

	d.dataTables = []string{
		`CREATE TABLE IF NOT EXISTS locations (
			id TEXT PRIMARY KEY, country TEXT, state TEXT, street_name TEXT, street_number TEXT,
			suite TEXT, city TEXT, zip TEXT, complete TEXT, lat REAL, lng REAL
		)`,
		`CREATE TABLE IF NOT EXISTS clients (id TEXT PRIMARY KEY, name TEXT, updated_at TEXT)`,
		`CREATE TABLE IF NOT EXISTS offices (
			id TEXT PRIMARY KEY, name TEXT, client_id TEXT, location_id TEXT, updated_at TEXT
		)`,
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS opportunities (\n\t%s,\n\tsync_revision INTEGER NOT NULL DEFAULT 1\n)",
			columnDefs(db.OpportunityTable, sqliteType)),
		`CREATE INDEX IF NOT EXISTS opportunities_updated_at_idx ON opportunities (updated_at)`,
		`CREATE INDEX IF NOT EXISTS opportunities_client_id_idx ON opportunities (client_id)`,
		`CREATE INDEX IF NOT EXISTS opportunities_parent_id_idx ON opportunities (parent_id)`,
		`CREATE TABLE IF NOT EXISTS competitors (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			opportunity_id TEXT NOT NULL REFERENCES opportunities (id) ON DELETE CASCADE,
			bid_amount     REAL,
			company_id     TEXT,
			name           TEXT,
			is_winner      INTEGER,
			observed_at    TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS competitors_opportunity_id_idx ON competitors (opportunity_id)`,
	}

	d.dropData = []string{
		`DROP TABLE IF EXISTS competitors`,
		`DROP TABLE IF EXISTS opportunities`,
		`DROP TABLE IF EXISTS offices`,
		`DROP TABLE IF EXISTS clients`,
		`DROP TABLE IF EXISTS locations`,
	}

	var set []string
	for _, c := range db.OpportunityColumns[1:] {
		set = append(set, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	set = append(set, "sync_revision = opportunities.sync_revision + 1")
	d.upsertOpportunity = fmt.Sprintf(`
		INSERT INTO opportunities (%s) VALUES (%s)
		ON CONFLICT (id) DO UPDATE SET %s
		WHERE excluded.updated_at > opportunities.updated_at
		   OR (opportunities.updated_at IS NULL AND excluded.updated_at IS NOT NULL)
		RETURNING sync_revision`,
		strings.Join(db.OpportunityColumns, ", "),
		qmarks(len(db.OpportunityColumns)),
		strings.Join(set, ",\n\t\t\t"))

	d.insertLocation = fmt.Sprintf(`INSERT INTO locations (%s) VALUES (%s) ON CONFLICT (id) DO NOTHING`,
		strings.Join(db.LocationColumns, ", "), qmarks(len(db.LocationColumns)))

	d.upsertClient = `
		INSERT INTO clients (id, name, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at
		WHERE excluded.updated_at >= clients.updated_at OR clients.updated_at IS NULL`

	d.upsertOffice = `
		INSERT INTO offices (id, name, client_id, location_id, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			client_id = excluded.client_id,
			location_id = excluded.location_id,
			updated_at = excluded.updated_at
		WHERE excluded.updated_at >= offices.updated_at OR offices.updated_at IS NULL`

	d.listRuns = `SELECT ` + db.RunColumns + ` FROM sync_runs ORDER BY started_at DESC LIMIT ?`
	return d
}

func sqliteTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(sqliteTimeLayout)
}

// textTimes scans timestamps stored by sqliteTime.
type textTimes struct{}

func (textTimes) New() db.TimeTarget { return &textTarget{} }

type textTarget struct{ s sql.NullString }

func (t *textTarget) Dest() any { return &t.s }

func (t *textTarget) Value() *time.Time {
	if !t.s.Valid || t.s.String == "" {
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, t.s.String)
	if err != nil {
		log.Printf("[Warn] unreadable stored timestamp %q: %v", t.s.String, err)
		return nil
	}
	parsed = parsed.UTC()
	return &parsed
}
