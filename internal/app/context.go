// Package app wires a workspace into a ready-to-use engine: database,
// migrations, config, catalog, and the shared per-task lock table.
package app

import (
	"fmt"
	"time"

	"gateflow/internal/catalog"
	"gateflow/internal/compact"
	"gateflow/internal/config"
	"gateflow/internal/db"
	"gateflow/internal/engine"
	"gateflow/internal/migrate"
	"gateflow/internal/repo"
)

// App is an opened workspace. Close the DB when done.
type App struct {
	Config    *config.Config
	Catalog   *catalog.Catalog
	Engine    *engine.Engine
	Compactor compact.Compactor
	Repo      repo.Repo
}

// Open resolves the workspace: reads gateflow.yml (falling back to the
// default catalog when absent), validates it into a catalog, opens the
// database, and runs migrations. The compactor shares the engine's lock
// table so a compaction run and a transition never interleave on one task.
func Open(workspace string) (*App, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	cat, err := catalog.FromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid gate catalog: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	e := engine.New(conn, cfg, cat)
	return &App{
		Config:  cfg,
		Catalog: cat,
		Engine:  e,
		Compactor: compact.Compactor{
			DB:     conn,
			Repo:   e.Repo,
			Ledger: e.Ledger,
			Config: cfg,
			Locks:  e.Locks,
			Now:    time.Now,
		},
		Repo: e.Repo,
	}, nil
}

// Close releases the underlying database connection.
func (a *App) Close() error {
	if a == nil || a.Engine == nil || a.Engine.DB == nil {
		return nil
	}
	return a.Engine.DB.Close()
}
