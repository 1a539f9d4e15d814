package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wshang12/BrainTraining/internal/config"
	"github.com/wshang12/BrainTraining/internal/db"
	"github.com/wshang12/BrainTraining/internal/migrate"
)

// OpenWorkspace loads braintraining.yml (defaults when absent), opens the
// workspace database and brings its schema up to date.
func OpenWorkspace(ctx context.Context, workspace string) (*config.Config, *sql.DB, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return cfg, conn, nil
}
