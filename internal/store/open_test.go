package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/david/opportunity-sync/internal/config"
)

func TestOpenSQLite(t *testing.T) {
	ctx := context.Background()
	backend, err := Open(ctx, config.Database{Driver: "sqlite", URL: filepath.Join(t.TempDir(), "sync.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer backend.Close()

	if err := backend.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	n, err := backend.CountOpportunities(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected empty store, got %d", n)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), config.Database{Driver: "oracle", URL: "x"}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}
