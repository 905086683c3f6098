package store

import (
	"context"
	"fmt"
	"time"
)

type migration struct {
	version int
	name    string
	stmts   []string
}

// migrations are applied in order; never edit one that has shipped.
var migrations = []migration{
	{1, "create_positions", []string{`
CREATE TABLE positions (
	id                    TEXT PRIMARY KEY,
	ticker                TEXT NOT NULL,
	side                  TEXT NOT NULL,
	quantity              INTEGER NOT NULL,
	entry_price           REAL NOT NULL,
	entry_time            INTEGER NOT NULL,
	stop_loss_price       REAL NOT NULL,
	take_profit_price     REAL NOT NULL,
	max_hold_deadline     INTEGER NOT NULL,
	originating_signal_id TEXT NOT NULL,
	broker_order_ids      TEXT NOT NULL DEFAULT '',
	status                TEXT NOT NULL CHECK (status IN ('PENDING', 'OPEN', 'CLOSING')),
	claimed_at            INTEGER NOT NULL DEFAULT 0,
	created_at            INTEGER NOT NULL
)`,
		`CREATE UNIQUE INDEX idx_positions_active_ticker ON positions (ticker)
	WHERE status IN ('PENDING', 'OPEN', 'CLOSING')`,
	}},
	{2, "create_closed_positions", []string{`
CREATE TABLE closed_positions (
	id                    INTEGER PRIMARY KEY AUTOINCREMENT,
	position_id           TEXT NOT NULL UNIQUE,
	ticker                TEXT NOT NULL,
	side                  TEXT NOT NULL,
	quantity              INTEGER NOT NULL,
	entry_price           REAL NOT NULL,
	entry_time            INTEGER NOT NULL,
	stop_loss_price       REAL NOT NULL,
	take_profit_price     REAL NOT NULL,
	max_hold_deadline     INTEGER NOT NULL,
	originating_signal_id TEXT NOT NULL,
	broker_order_ids      TEXT NOT NULL DEFAULT '',
	exit_price            REAL NOT NULL,
	exit_time             INTEGER NOT NULL,
	exit_reason           TEXT NOT NULL,
	realized_pnl          REAL NOT NULL,
	realized_pnl_pct      REAL NOT NULL
)`,
		`CREATE INDEX idx_closed_positions_exit_time ON closed_positions (exit_time)`,
	}},
	{3, "create_signals", []string{`
CREATE TABLE signals (
	id                    INTEGER PRIMARY KEY AUTOINCREMENT,
	signal_id             TEXT NOT NULL,
	ticker                TEXT NOT NULL,
	action                TEXT NOT NULL,
	confidence            REAL NOT NULL,
	suggested_quantity    INTEGER NOT NULL,
	entry_price_hint      REAL NOT NULL,
	stop_loss_price       REAL NOT NULL,
	take_profit_price     REAL NOT NULL,
	risk_reward_ratio     REAL NOT NULL,
	signal_reason         TEXT NOT NULL,
	originating_signal_id TEXT NOT NULL,
	generated_at          INTEGER NOT NULL,
	state                 TEXT NOT NULL,
	outcome_reason        TEXT NOT NULL,
	detail                TEXT NOT NULL DEFAULT '',
	position_id           TEXT NOT NULL DEFAULT '',
	recorded_at           INTEGER NOT NULL
)`,
		`CREATE INDEX idx_signals_ticker ON signals (ticker, id)`,
	}},
	{4, "create_signal_watermarks", []string{`
CREATE TABLE signal_watermarks (
	ticker       TEXT PRIMARY KEY,
	signal_id    TEXT NOT NULL,
	generated_at INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
)`,
	}},
	{5, "add_position_exit_tracking", []string{
		`ALTER TABLE positions ADD COLUMN exit_seq INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE positions ADD COLUMN exit_client_order_id TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE positions ADD COLUMN exit_reason TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE positions ADD COLUMN exited_quantity INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE positions ADD COLUMN exited_value REAL NOT NULL DEFAULT 0`,
	}},
}

// Migrate applies every migration not yet recorded in schema_migrations,
// each in its own transaction, and returns the versions it applied.
func (s *SQLiteStore) Migrate(ctx context.Context) ([]int, error) {
	if _, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version    INTEGER PRIMARY KEY,
	name       TEXT NOT NULL,
	applied_at INTEGER NOT NULL
)`); err != nil {
		return nil, fmt.Errorf("creating schema_migrations: %w", err)
	}

	var applied []int
	for _, m := range migrations {
		ok, err := s.applyMigration(ctx, m)
		if err != nil {
			return applied, fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		if ok {
			applied = append(applied, m.version)
		}
	}
	return applied, nil
}

func (s *SQLiteStore) applyMigration(ctx context.Context, m migration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback() //nolint:errcheck

	var n int
	q, args, err := s.sq.Select("COUNT(*)").From("schema_migrations").
		Where("version = ?", m.version).ToSql()
	if err != nil {
		return false, err
	}
	if err := tx.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}

	for _, stmt := range m.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return false, err
		}
	}

	q, args, err = s.sq.Insert("schema_migrations").
		Columns("version", "name", "applied_at").
		Values(m.version, m.name, time.Now().UTC().UnixNano()).ToSql()
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// MigrationRecord is one row of schema_migrations.
type MigrationRecord struct {
	Version   int
	Name      string
	AppliedAt time.Time
}

// AppliedMigrations lists the recorded migrations in version order.
func (s *SQLiteStore) AppliedMigrations(ctx context.Context) ([]MigrationRecord, error) {
	q, args, err := s.sq.Select("version", "name", "applied_at").
		From("schema_migrations").OrderBy("version").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MigrationRecord
	for rows.Next() {
		var (
			r  MigrationRecord
			at int64
		)
		if err := rows.Scan(&r.Version, &r.Name, &at); err != nil {
			return nil, err
		}
		r.AppliedAt = fromNanos(at)
		out = append(out, r)
	}
	return out, rows.Err()
}
