package app

import (
	"context"
	"database/sql"
	"fmt"

	"formline/internal/config"
	"formline/internal/db"
	"formline/internal/engine"
	"formline/internal/migrate"
)

// Context bundles everything a command needs: an open, migrated database
// and an engine whose metrics were replayed from the outcome log.
type Context struct {
	DB     *sql.DB
	Engine engine.Engine
	Config *config.Config
}

// Open boots the workspace: opens the SQLite database, applies pending
// migrations, loads formline.yml (built-in defaults when absent) and
// reconstructs the metrics aggregator from recorded outcomes.
func Open(ctx context.Context, workspace string) (*Context, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, cfg)
	if err := e.ReplayMetrics(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("replay metrics: %w", err)
	}
	return &Context{DB: conn, Engine: e, Config: cfg}, nil
}

func (c *Context) Close() error {
	return c.DB.Close()
}
