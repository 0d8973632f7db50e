package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/microsoft/go-mssqldb"

	"github.com/david/opportunity-sync/internal/db"
)

// OpenSQLServer connects with a sqlserver:// connection string.
func OpenSQLServer(ctx context.Context, dsn string) (*Store, error) {
	conn, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sql server connection: %w", err)
	}
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping sql server: %w", err)
	}
	return newStore(conn, sqlServerDialect()), nil
}

func mssqlParam(i int) string { return fmt.Sprintf("@p%d", i) }

func mssqlType(k db.ColumnKind) string {
	switch k {
	case db.KindCode:
		return "VARCHAR(3)"
	case db.KindLongText:
		return "VARCHAR(MAX)"
	case db.KindTime:
		return "DATETIMEOFFSET"
	case db.KindBool:
		return "BIT"
	case db.KindInt:
		return "BIGINT"
	case db.KindDecimal:
		return "FLOAT"
	case db.KindUUID:
		return "CHAR(36)"
	default:
		return "VARCHAR(255)"
	}
}

func ifMissingTable(table, body string) string {
	return fmt.Sprintf("IF OBJECT_ID(N'dbo.%s', N'U') IS NULL\nCREATE TABLE dbo.%s (\n\t%s\n)", table, table, body)
}

func ifMissingIndex(name, table, cols string) string {
	return fmt.Sprintf("IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'%s' AND object_id = OBJECT_ID(N'dbo.%s'))\nCREATE INDEX %s ON dbo.%s (%s)",
		name, table, name, table, cols)
}

// mssqlMerge builds a MERGE keyed on id. update holds complete assignments;
// when is appended to WHEN MATCHED; output, if set, follows the actions.
func mssqlMerge(table string, cols, update []string, when, output string) string {
	src := make([]string, len(cols))
	for i, c := range cols {
		src[i] = "s." + c
	}
	var b strings.Builder
	fmt.Fprintf(&b, "MERGE dbo.%s WITH (HOLDLOCK) AS t\nUSING (VALUES (%s)) AS s (%s)\nON t.id = s.id\n",
		table, db.Placeholders(len(cols), 0, mssqlParam), strings.Join(cols, ", "))
	if len(update) > 0 {
		matched := "WHEN MATCHED"
		if when != "" {
			matched += " AND (" + when + ")"
		}
		fmt.Fprintf(&b, "%s THEN UPDATE SET %s\n", matched, strings.Join(update, ",\n\t"))
	}
	fmt.Fprintf(&b, "WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)\n", strings.Join(cols, ", "), strings.Join(src, ", "))
	if output != "" {
		fmt.Fprintf(&b, "OUTPUT %s\n", output)
	}
	b.WriteString(";")
	return b.String()
}

// newerOrEqual keeps a shared row from being rolled back by an older record.
const newerOrEqual = "s.updated_at >= t.updated_at OR t.updated_at IS NULL"

func assignFromSource(cols []string) []string {
	set := make([]string, len(cols))
	for i, c := range cols {
		set[i] = fmt.Sprintf("%s = s.%s", c, c)
	}
	return set
}

func sqlServerDialect() dialect {
	d := dialect{
		name:     "sqlserver",
		param:    mssqlParam,
		bindTime: db.NativeTime,
		times:    db.NativeTimes{},
	}

	d.runsTables = []string{
		ifMissingTable("sync_runs", `id           VARCHAR(64) PRIMARY KEY,
	mode         VARCHAR(32) NOT NULL,
	status       VARCHAR(32) NOT NULL,
	since        DATETIMEOFFSET,
	started_at   DATETIMEOFFSET NOT NULL,
	completed_at DATETIMEOFFSET,
	pages        INT NOT NULL DEFAULT 0,
	found        INT NOT NULL DEFAULT 0,
	inserted     INT NOT NULL DEFAULT 0,
	updated      INT NOT NULL DEFAULT 0,
	skipped      INT NOT NULL DEFAULT 0,
	failed       INT NOT NULL DEFAULT 0,
	error        VARCHAR(MAX)`),
		ifMissingIndex("sync_runs_started_at_idx", "sync_runs", "started_at DESC"),
	}

	d.dataTables = []string{
		ifMissingTable("locations", `id CHAR(36) PRIMARY KEY, country VARCHAR(255), state VARCHAR(255),
	street_name VARCHAR(255), street_number VARCHAR(255), suite VARCHAR(255), city VARCHAR(255),
	zip VARCHAR(255), complete VARCHAR(255), lat FLOAT, lng FLOAT`),
		ifMissingTable("clients", `id VARCHAR(255) PRIMARY KEY, name VARCHAR(255), updated_at DATETIMEOFFSET`),
		ifMissingTable("offices", `id VARCHAR(255) PRIMARY KEY, name VARCHAR(255), client_id VARCHAR(255),
	location_id CHAR(36), updated_at DATETIMEOFFSET`),
		ifMissingTable("opportunities", columnDefs(db.OpportunityTable, mssqlType)+",\n\tsync_revision BIGINT NOT NULL DEFAULT 1"),
		ifMissingIndex("opportunities_updated_at_idx", "opportunities", "updated_at"),
		ifMissingIndex("opportunities_client_id_idx", "opportunities", "client_id"),
		ifMissingIndex("opportunities_parent_id_idx", "opportunities", "parent_id"),
		ifMissingTable("competitors", `id             BIGINT IDENTITY(1,1) PRIMARY KEY,
	opportunity_id VARCHAR(255) NOT NULL REFERENCES dbo.opportunities (id) ON DELETE CASCADE,
	bid_amount     FLOAT,
	company_id     VARCHAR(255),
	name           VARCHAR(255),
	is_winner      BIT,
	observed_at    DATETIMEOFFSET`),
		ifMissingIndex("competitors_opportunity_id_idx", "competitors", "opportunity_id"),
	}

	d.dropData = []string{
		`DROP TABLE IF EXISTS dbo.competitors, dbo.opportunities, dbo.offices, dbo.clients, dbo.locations`,
	}

	update := assignFromSource(db.OpportunityColumns[1:])
	update = append(update, "sync_revision = t.sync_revision + 1")
	d.upsertOpportunity = mssqlMerge("opportunities", db.OpportunityColumns, update,
		"s.updated_at > t.updated_at OR (t.updated_at IS NULL AND s.updated_at IS NOT NULL)",
		"inserted.sync_revision")

	d.insertLocation = mssqlMerge("locations", db.LocationColumns, nil, "", "")

	clientCols := []string{"id", "name", "updated_at"}
	d.upsertClient = mssqlMerge("clients", clientCols, assignFromSource(clientCols[1:]), newerOrEqual, "")

	officeCols := []string{"id", "name", "client_id", "location_id", "updated_at"}
	d.upsertOffice = mssqlMerge("offices", officeCols, assignFromSource(officeCols[1:]), newerOrEqual, "")

	d.listRuns = `SELECT TOP (@p1) ` + db.RunColumns + ` FROM sync_runs ORDER BY started_at DESC`
	return d
}
