package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"workbridge/internal/config"
	"workbridge/internal/db"
	"workbridge/internal/engine"
	"workbridge/internal/migrate"
)

// Workspace is an opened workbridge directory: its database, migrated, and
// the engine bound to its config.
type Workspace struct {
	Dir    string
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Open opens the workspace database, applies pending migrations and loads
// workbridge.yml. It fails when the workspace has not been initialised.
func Open(ctx context.Context, dir string) (*Workspace, error) {
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	return open(ctx, dir, cfg)
}

func open(ctx context.Context, dir string, cfg *config.Config) (*Workspace, error) {
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate %s: %w", db.Path(dir), err)
	}
	return &Workspace{Dir: dir, DB: conn, Config: cfg, Engine: engine.New(conn, cfg)}, nil
}

func (w *Workspace) Close() error {
	if w == nil || w.DB == nil {
		return nil
	}
	return w.DB.Close()
}

// Init writes a default workbridge.yml for projectID and creates the
// database. An existing config is kept unless force is set.
func Init(ctx context.Context, dir, projectID string, force bool) (*Workspace, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, fmt.Errorf("project id is required")
	}
	if _, err := db.EnsureWorkspace(dir); err != nil {
		return nil, err
	}
	path := config.Path(dir)
	existing, err := config.LoadOptional(dir)
	if err != nil && !force {
		return nil, fmt.Errorf("existing config %s is invalid: %w", path, err)
	}
	cfg := existing
	if cfg == nil || force {
		if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
			return nil, err
		}
		if cfg, err = config.Load(dir); err != nil {
			return nil, err
		}
	}
	return open(ctx, dir, cfg)
}
