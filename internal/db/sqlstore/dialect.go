// Package sqlstore implements the storage backend on database/sql for SQLite
// and SQL Server. Both share the statement flow of the Postgres store; the
// dialect carries everything that differs between engines.
package sqlstore

import (
	"fmt"
	"strings"

	"github.com/david/opportunity-sync/internal/db"
)

type dialect struct {
	name  string
	param func(int) string

	bindTime db.TimeBinder
	times    db.TimeScanner

	// runsTables and dataTables create missing tables. dropData removes the
	// data tables, children first.
	runsTables []string
	dataTables []string
	dropData   []string

	upsertOpportunity string
	insertLocation    string
	upsertClient      string
	upsertOffice      string
	listRuns          string
}

// rebind replaces each ? in query with the dialect's positional parameter.
func (d dialect) rebind(query string) string {
	if d.param == nil {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(d.param(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// columnDefs renders a column list for CREATE TABLE. The first column is the
// primary key.
func columnDefs(cols []db.Column, typeOf func(db.ColumnKind) string) string {
	defs := make([]string, len(cols))
	for i, c := range cols {
		def := fmt.Sprintf("%s %s", c.Name, typeOf(c.Kind))
		switch {
		case i == 0:
			def += " PRIMARY KEY"
		case c.Name == "synced_at":
			def += " NOT NULL"
		}
		defs[i] = def
	}
	return strings.Join(defs, ",\n\t")
}

func qmarks(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

const insertRunSQL = `INSERT INTO sync_runs (id, mode, status, since, started_at) VALUES (?, ?, ?, ?, ?)`

const finishRunSQL = `
	UPDATE sync_runs SET
		status = ?,
		completed_at = ?,
		pages = ?,
		found = ?,
		inserted = ?,
		updated = ?,
		skipped = ?,
		failed = ?,
		error = ?
	WHERE id = ?`

var insertCompetitorSQL = fmt.Sprintf(`INSERT INTO competitors (%s) VALUES (%s)`,
	strings.Join(db.CompetitorColumns, ", "), qmarks(len(db.CompetitorColumns)))

// statsSQL stores booleans as 0/1 on both engines.
const statsSQL = `SELECT
	(SELECT COUNT(*) FROM opportunities),
	(SELECT COUNT(*) FROM opportunities WHERE is_archived = 1),
	(SELECT COUNT(*) FROM clients),
	(SELECT COUNT(*) FROM offices),
	(SELECT COUNT(*) FROM locations),
	(SELECT COUNT(*) FROM competitors),
	(SELECT COUNT(*) FROM sync_runs)`
