package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/lib/pq" // PostgreSQL驱动

	"github.com/qiniu/sitedeploy/internal/config"
)

// Database 数据库连接管理器
type Database struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewDatabase 创建新的数据库连接
func NewDatabase(cfg *config.DatabaseConfig) (*Database, error) {
	dsn := cfg.GetDSN()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	// 测试连接
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Database{db: db}, nil
}

// GetDB 获取数据库连接（供repo使用）
func (d *Database) GetDB() *sql.DB {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db
}

// Close 关闭数据库连接
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// Ping 测试数据库连接
func (d *Database) Ping(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.db.PingContext(ctx)
}

const schema = `
CREATE TABLE IF NOT EXISTS deploy_runs (
	run_id      TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	dry_run     BOOLEAN NOT NULL DEFAULT FALSE,
	total_sites INTEGER NOT NULL,
	succeeded   INTEGER NOT NULL,
	failed      INTEGER NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS deploy_site_results (
	id             BIGSERIAL PRIMARY KEY,
	run_id         TEXT NOT NULL REFERENCES deploy_runs(run_id) ON DELETE CASCADE,
	site_name      TEXT NOT NULL,
	overall_status TEXT NOT NULL,
	failed_step    TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL DEFAULT '',
	rollback       TEXT NOT NULL DEFAULT '',
	steps          JSONB NOT NULL,
	started_at     TIMESTAMPTZ NOT NULL,
	finished_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS deploy_site_results_run_idx ON deploy_site_results(run_id);
CREATE INDEX IF NOT EXISTS deploy_runs_started_idx ON deploy_runs(started_at DESC);
`

// EnsureSchema creates the history tables when missing.
func (d *Database) EnsureSchema(ctx context.Context) error {
	if _, err := d.GetDB().ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}
