package app

import (
	"context"
	"database/sql"
	"fmt"

	"inkline/internal/config"
	"inkline/internal/db"
	"inkline/internal/directory"
	"inkline/internal/engine"
	"inkline/internal/migrate"
)

// App bundles the opened database, loaded config, and wired engine for one
// workspace. CLI commands and the server both start from here.
type App struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
}

// Open prepares the workspace: opens the database, runs migrations, loads
// config, wires the engine, and seeds configured templates.
func Open(ctx context.Context, workspace string) (*App, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	eng := engine.New(conn, cfg)
	if len(cfg.Directory.Participants) > 0 {
		eng.Identity = directory.NewStatic(cfg.Directory.Participants)
	}
	a := &App{Workspace: workspace, DB: conn, Config: cfg, Engine: eng}
	if err := a.SeedTemplates(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}
