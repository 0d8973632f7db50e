// Package app wires configuration into a ready store and pipeline. The server
// and the CLI build the same object graph through it.
package app

import (
	"context"
	"fmt"

	"github.com/david/opportunity-sync/internal/auth"
	"github.com/david/opportunity-sync/internal/config"
	"github.com/david/opportunity-sync/internal/db"
	"github.com/david/opportunity-sync/internal/ingest"
	"github.com/david/opportunity-sync/internal/store"
)

type App struct {
	Config   *config.Config
	Store    db.Backend
	Pipeline *ingest.Pipeline
}

// Open connects the configured store and ensures its schema.
func Open(ctx context.Context, cfg *config.Config) (db.Backend, error) {
	backend, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Database.Driver, err)
	}
	if err := backend.EnsureSchema(ctx); err != nil {
		backend.Close()
		return nil, err
	}
	return backend, nil
}

// New builds the full sync stack: store, token provider, paginator, pipeline.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	backend, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	client := ingest.NewHTTPClient(cfg.Upstream.Timeout())
	tokens, err := auth.NewProvider(cfg.Auth, client)
	if err != nil {
		backend.Close()
		return nil, err
	}
	pages, err := ingest.NewPaginator(cfg.Upstream, tokens, client)
	if err != nil {
		backend.Close()
		return nil, err
	}

	return &App{
		Config:   cfg,
		Store:    backend,
		Pipeline: ingest.NewPipeline(backend, pages, ingest.NewPipelineOptions(cfg)),
	}, nil
}

func (a *App) Close() error {
	return a.Store.Close()
}
