package storage

// sqlite.go: durable treasury state.
//
// Tables:
//   treasury_trades     : append-only trade ledger, indexed by time and asset
//   risk_state          : exactly one row: breaker + loss-period bookkeeping
//   risk_positions      : open position per asset (rewritten with risk_state)
//   distributions       : one row per profit sweep
//   distribution_legs   : per-destination amount and transfer outcome
//
// Timestamps are stored as unix nanoseconds (INTEGER) so that window queries
// compare numbers, not driver-formatted strings.

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS treasury_trades (
    id              TEXT PRIMARY KEY,   -- ULID
    ts              INTEGER NOT NULL,
    asset           TEXT NOT NULL,
    side            TEXT NOT NULL,      -- buy / sell
    amount_in       INTEGER NOT NULL,
    amount_out      INTEGER NOT NULL,
    pnl             INTEGER NOT NULL DEFAULT 0,
    success         INTEGER NOT NULL DEFAULT 1,
    confirmation_id TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_trades_ts    ON treasury_trades(ts);
CREATE INDEX IF NOT EXISTS idx_trades_asset ON treasury_trades(asset);

-- Append-only: the ledger is never edited.
CREATE TRIGGER IF NOT EXISTS trg_trades_no_update BEFORE UPDATE ON treasury_trades
BEGIN SELECT RAISE(ABORT, 'treasury_trades is append-only'); END;
CREATE TRIGGER IF NOT EXISTS trg_trades_no_delete BEFORE DELETE ON treasury_trades
BEGIN SELECT RAISE(ABORT, 'treasury_trades is append-only'); END;

CREATE TABLE IF NOT EXISTS risk_state (
    id                  INTEGER PRIMARY KEY CHECK (id = 1),
    breaker_state       TEXT    NOT NULL DEFAULT 'closed',
    trigger_reason      TEXT    NOT NULL DEFAULT '',
    triggered_at        INTEGER NOT NULL DEFAULT 0,
    consecutive_losses  INTEGER NOT NULL DEFAULT 0,
    manual_override     INTEGER NOT NULL DEFAULT 0,
    last_trade_at       INTEGER NOT NULL DEFAULT 0,
    start_daily         INTEGER NOT NULL DEFAULT 0,
    start_weekly        INTEGER NOT NULL DEFAULT 0,
    start_monthly       INTEGER NOT NULL DEFAULT 0,
    period_daily_at     INTEGER NOT NULL DEFAULT 0,
    period_weekly_at    INTEGER NOT NULL DEFAULT 0,
    period_monthly_at   INTEGER NOT NULL DEFAULT 0,
    updated_at          INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS risk_positions (
    asset   TEXT PRIMARY KEY,
    amount  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS distributions (
    id      TEXT PRIMARY KEY,   -- ULID
    ts      INTEGER NOT NULL,
    total   INTEGER NOT NULL,
    status  TEXT    NOT NULL,
    dry_run INTEGER NOT NULL DEFAULT 0,
    error   TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_distributions_ts ON distributions(ts);

CREATE TABLE IF NOT EXISTS distribution_legs (
    distribution_id TEXT NOT NULL REFERENCES distributions(id),
    destination     TEXT NOT NULL,
    address         TEXT NOT NULL DEFAULT '',
    amount          INTEGER NOT NULL,
    outcome         TEXT NOT NULL DEFAULT '',
    confirmation_id TEXT NOT NULL DEFAULT '',
    error           TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (distribution_id, destination)
);
`

// SQLiteStorage implements ports.RiskStorage and ports.DistributionStorage
// using SQLite (pure Go, no CGo).
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (or creates) the database at path and applies the schema.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
