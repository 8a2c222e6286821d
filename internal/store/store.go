package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store 持久层：对冲仓位、外部订单镜像、事件、任务审计。
//
// 所有状态更新都是单调的（pending -> partial -> filled/settled），
// 配合 upsert 语义，Reconciler 和结算工作流可以安全地重复执行。
type Store struct {
	db *sql.DB
}

// execer 让写操作同时接受 *sql.DB 和 *sql.Tx。
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Open 打开（必要时创建）SQLite 数据库并执行 migrate。
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc/sqlite 写并发受限，单连接避免 SQLITE_BUSY
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`
CREATE TABLE IF NOT EXISTS hedge_positions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  user_order_id TEXT NOT NULL DEFAULT '',
  event_id TEXT NOT NULL,
  outcome_id TEXT NOT NULL,
  pm_market_id TEXT NOT NULL DEFAULT '',
  pm_outcome_id TEXT NOT NULL DEFAULT '',
  hedged_exposure REAL NOT NULL DEFAULT 0,
  net_exposure REAL NOT NULL DEFAULT 0,
  status TEXT NOT NULL DEFAULT 'pending',
  realized_pnl REAL NOT NULL DEFAULT 0,
  last_hedge_at TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  UNIQUE (event_id, outcome_id)
);`,
		`CREATE INDEX IF NOT EXISTS idx_hedge_positions_event_status ON hedge_positions(event_id, status, id);`,
		`
CREATE TABLE IF NOT EXISTS external_orders (
  id TEXT PRIMARY KEY,
  pm_order_id TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL DEFAULT 'pending',
  amount_filled REAL NOT NULL DEFAULT 0,
  event_id TEXT NOT NULL,
  outcome_id TEXT NOT NULL,
  avg_price REAL NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_external_orders_status ON external_orders(status, created_at);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_external_orders_pm_order
  ON external_orders(pm_order_id) WHERE pm_order_id != '';`,
		`
CREATE TABLE IF NOT EXISTS events (
  id TEXT PRIMARY KEY,
  status TEXT NOT NULL DEFAULT 'ACTIVE',
  winning_outcome TEXT NOT NULL DEFAULT '',
  resolution_at TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS job_runs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  job_name TEXT NOT NULL,
  started_at TEXT NOT NULL,
  finished_at TEXT,
  ok INTEGER,
  error TEXT,
  summary_json TEXT
);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
