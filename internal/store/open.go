// Package store picks the storage backend named by configuration.
package store

import (
	"context"
	"fmt"

	"github.com/david/opportunity-sync/internal/config"
	"github.com/david/opportunity-sync/internal/db"
	"github.com/david/opportunity-sync/internal/db/sqlstore"
)

// Open connects to the configured database. The schema is not touched; call
// EnsureSchema before the first run.
func Open(ctx context.Context, cfg config.Database) (db.Backend, error) {
	switch cfg.Driver {
	case "postgres", "":
		pool, err := db.Connect(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		return db.NewStore(pool), nil
	case "sqlite":
		return sqlstore.OpenSQLite(ctx, cfg.URL)
	case "sqlserver":
		return sqlstore.OpenSQLServer(ctx, cfg.URL)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
