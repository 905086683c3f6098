package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"catalyst/internal/domain"
)

// Compile-time interface checks.
var _ PositionStore = (*SQLiteStore)(nil)
var _ SignalStore = (*SQLiteStore)(nil)

// SQLiteStore implements PositionStore and SignalStore backed by a SQLite
// database. Several processes may share one database file; every state
// transition is a conditional statement so they never step on each other.
type SQLiteStore struct {
	db *sql.DB
	sq squirrel.StatementBuilderType
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies
// pending migrations and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection serializes in-process writers; busy_timeout covers
	// writers in other processes.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db: db,
		sq: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question),
	}
	if _, err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// PositionStore implementation
// ---------------------------------------------------------------------------

var positionColumns = []string{
	"id", "ticker", "side", "quantity", "entry_price", "entry_time",
	"stop_loss_price", "take_profit_price", "max_hold_deadline",
	"originating_signal_id", "broker_order_ids", "status", "claimed_at",
	"exit_client_order_id", "exit_reason", "exited_quantity", "exited_value",
}

// InsertPending inserts p as a PENDING row. p.ClaimedAt records when the
// entry was claimed.
func (s *SQLiteStore) InsertPending(ctx context.Context, p domain.ManagedPosition) error {
	q, args, err := s.sq.Insert("positions").
		Columns(append(positionColumns, "created_at")...).
		Values(
			p.ID, p.Ticker, string(p.Side), p.Quantity, p.EntryPrice, toNanos(p.EntryTime),
			p.StopLossPrice, p.TakeProfitPrice, toNanos(p.MaxHoldDeadline),
			p.OriginatingSignalID, strings.Join(p.BrokerOrderIDs, ","),
			string(domain.PositionPending), toNanos(p.ClaimedAt),
			"", "", int64(0), 0.0, time.Now().UTC().UnixNano(),
		).ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert pending %s: %w", p.Ticker, ErrActivePosition)
		}
		return fmt.Errorf("insert pending %s: %w", p.Ticker, err)
	}
	return nil
}

// MarkOpen moves a PENDING row to OPEN with the confirmed fill.
func (s *SQLiteStore) MarkOpen(ctx context.Context, id string, fill Fill) (domain.ManagedPosition, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ManagedPosition{}, err
	}
	defer tx.Rollback() //nolint:errcheck

	q, args, err := s.sq.Update("positions").
		Set("status", string(domain.PositionOpen)).
		Set("quantity", fill.Quantity).
		Set("entry_price", fill.Price).
		Set("entry_time", toNanos(fill.Time)).
		Set("max_hold_deadline", toNanos(fill.MaxHoldDeadline)).
		Set("broker_order_ids", strings.Join(fill.BrokerOrderIDs, ",")).
		Set("claimed_at", int64(0)).
		Where(squirrel.Eq{"id": id, "status": string(domain.PositionPending)}).
		ToSql()
	if err != nil {
		return domain.ManagedPosition{}, err
	}
	if err := execOne(ctx, tx, q, args); err != nil {
		return domain.ManagedPosition{}, fmt.Errorf("mark open %s: %w", id, err)
	}

	p, err := s.getPosition(ctx, tx, squirrel.Eq{"id": id})
	if err != nil {
		return domain.ManagedPosition{}, err
	}
	return p, tx.Commit()
}

// ReleasePending deletes a PENDING row.
func (s *SQLiteStore) ReleasePending(ctx context.Context, id string) error {
	q, args, err := s.sq.Delete("positions").
		Where(squirrel.Eq{"id": id, "status": string(domain.PositionPending)}).ToSql()
	if err != nil {
		return err
	}
	if err := execOne(ctx, s.db, q, args); err != nil {
		return fmt.Errorf("release pending %s: %w", id, err)
	}
	return nil
}

// ClaimClosing moves an OPEN row to CLOSING and derives the exit client
// order id from the row's exit sequence.
func (s *SQLiteStore) ClaimClosing(ctx context.Context, id string, reason domain.ExitReason, now time.Time) (domain.ManagedPosition, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ManagedPosition{}, err
	}
	defer tx.Rollback() //nolint:errcheck

	q, args, err := s.sq.Update("positions").
		Set("status", string(domain.PositionClosing)).
		Set("claimed_at", toNanos(now)).
		Set("exit_reason", string(reason)).
		Set("exit_seq", squirrel.Expr("exit_seq + 1")).
		Set("exit_client_order_id", squirrel.Expr("'exit-' || id || '-' || (exit_seq + 1)")).
		Where(squirrel.Eq{"id": id, "status": string(domain.PositionOpen)}).ToSql()
	if err != nil {
		return domain.ManagedPosition{}, err
	}
	if err := execOne(ctx, tx, q, args); err != nil {
		return domain.ManagedPosition{}, fmt.Errorf("claim closing %s: %w", id, err)
	}
	p, err := s.getPosition(ctx, tx, squirrel.Eq{"id": id})
	if err != nil {
		return domain.ManagedPosition{}, err
	}
	return p, tx.Commit()
}

// RenewClaim moves a CLOSING row's claim time from prev to now.
func (s *SQLiteStore) RenewClaim(ctx context.Context, id string, prev, now time.Time) (bool, error) {
	q, args, err := s.sq.Update("positions").
		Set("claimed_at", toNanos(now)).
		Where(squirrel.Eq{"id": id, "status": string(domain.PositionClosing), "claimed_at": toNanos(prev)}).ToSql()
	if err != nil {
		return false, err
	}
	err = execOne(ctx, s.db, q, args)
	switch {
	case errors.Is(err, ErrClaimLost):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("renew claim %s: %w", id, err)
	}
	return true, nil
}

// RecordPartialExit books a partial exit fill on a CLOSING row. The update
// only applies while exitClientOrderID is still the row's current exit, so
// the same fill is never booked twice.
func (s *SQLiteStore) RecordPartialExit(ctx context.Context, id, exitClientOrderID string, qty int64, price float64, now time.Time) (domain.ManagedPosition, error) {
	if qty <= 0 {
		return domain.ManagedPosition{}, fmt.Errorf("partial exit %s: quantity %d", id, qty)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ManagedPosition{}, err
	}
	defer tx.Rollback() //nolint:errcheck

	q, args, err := s.sq.Update("positions").
		Set("quantity", squirrel.Expr("quantity - ?", qty)).
		Set("exited_quantity", squirrel.Expr("exited_quantity + ?", qty)).
		Set("exited_value", squirrel.Expr("exited_value + ?", float64(qty)*price)).
		Set("claimed_at", toNanos(now)).
		Set("exit_seq", squirrel.Expr("exit_seq + 1")).
		Set("exit_client_order_id", squirrel.Expr("'exit-' || id || '-' || (exit_seq + 1)")).
		Where(squirrel.Eq{
			"id":                   id,
			"status":               string(domain.PositionClosing),
			"exit_client_order_id": exitClientOrderID,
		}).
		Where(squirrel.Gt{"quantity": qty}).ToSql()
	if err != nil {
		return domain.ManagedPosition{}, err
	}
	if err := execOne(ctx, tx, q, args); err != nil {
		return domain.ManagedPosition{}, fmt.Errorf("partial exit %s: %w", id, err)
	}
	p, err := s.getPosition(ctx, tx, squirrel.Eq{"id": id})
	if err != nil {
		return domain.ManagedPosition{}, err
	}
	return p, tx.Commit()
}

// ReleaseClaim moves a CLOSING row back to OPEN. The exit sequence is kept
// so the next claim gets a new exit client order id.
func (s *SQLiteStore) ReleaseClaim(ctx context.Context, id string) error {
	q, args, err := s.sq.Update("positions").
		Set("status", string(domain.PositionOpen)).
		Set("claimed_at", int64(0)).
		Set("exit_client_order_id", "").
		Set("exit_reason", "").
		Where(squirrel.Eq{"id": id, "status": string(domain.PositionClosing)}).ToSql()
	if err != nil {
		return err
	}
	if err := execOne(ctx, s.db, q, args); err != nil {
		return fmt.Errorf("release claim %s: %w", id, err)
	}
	return nil
}

// ClosePosition inserts the closed record and removes the CLOSING active row.
func (s *SQLiteStore) ClosePosition(ctx context.Context, cp domain.ClosedPosition) error {
	p := cp.Position
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	q, args, err := s.sq.Delete("positions").
		Where(squirrel.Eq{"id": p.ID, "status": string(domain.PositionClosing)}).ToSql()
	if err != nil {
		return err
	}
	if err := execOne(ctx, tx, q, args); err != nil {
		return fmt.Errorf("close %s: %w", p.ID, err)
	}

	q, args, err = s.sq.Insert("closed_positions").
		Columns(
			"position_id", "ticker", "side", "quantity", "entry_price", "entry_time",
			"stop_loss_price", "take_profit_price", "max_hold_deadline",
			"originating_signal_id", "broker_order_ids",
			"exit_price", "exit_time", "exit_reason", "realized_pnl", "realized_pnl_pct",
		).
		Values(
			p.ID, p.Ticker, string(p.Side), p.Quantity, p.EntryPrice, toNanos(p.EntryTime),
			p.StopLossPrice, p.TakeProfitPrice, toNanos(p.MaxHoldDeadline),
			p.OriginatingSignalID, strings.Join(p.BrokerOrderIDs, ","),
			cp.ExitPrice, toNanos(cp.ExitTime), string(cp.ExitReason), cp.RealizedPnL, cp.RealizedPnLPct,
		).ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("insert closed %s: %w", p.ID, err)
	}
	return tx.Commit()
}

// GetPosition returns an active position by id.
func (s *SQLiteStore) GetPosition(ctx context.Context, id string) (domain.ManagedPosition, error) {
	return s.getPosition(ctx, s.db, squirrel.Eq{"id": id})
}

// GetActive returns the active position for ticker.
func (s *SQLiteStore) GetActive(ctx context.Context, ticker string) (domain.ManagedPosition, error) {
	return s.getPosition(ctx, s.db, squirrel.Eq{"ticker": ticker})
}

// ListActive returns all active positions.
func (s *SQLiteStore) ListActive(ctx context.Context) ([]domain.ManagedPosition, error) {
	q, args, err := s.sq.Select(positionColumns...).From("positions").
		OrderBy("created_at", "id").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list active: %w", err)
	}
	defer rows.Close()

	var out []domain.ManagedPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListClosed returns the most recent closed positions.
func (s *SQLiteStore) ListClosed(ctx context.Context, limit int) ([]domain.ClosedPosition, error) {
	b := s.sq.Select(
		"position_id", "ticker", "side", "quantity", "entry_price", "entry_time",
		"stop_loss_price", "take_profit_price", "max_hold_deadline",
		"originating_signal_id", "broker_order_ids",
		"exit_price", "exit_time", "exit_reason", "realized_pnl", "realized_pnl_pct",
	).From("closed_positions").OrderBy("id DESC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	q, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list closed: %w", err)
	}
	defer rows.Close()

	var out []domain.ClosedPosition
	for rows.Next() {
		var (
			cp                            domain.ClosedPosition
			side, orderIDs, reason        string
			entryTime, deadline, exitTime int64
		)
		p := &cp.Position
		if err := rows.Scan(
			&p.ID, &p.Ticker, &side, &p.Quantity, &p.EntryPrice, &entryTime,
			&p.StopLossPrice, &p.TakeProfitPrice, &deadline,
			&p.OriginatingSignalID, &orderIDs,
			&cp.ExitPrice, &exitTime, &reason, &cp.RealizedPnL, &cp.RealizedPnLPct,
		); err != nil {
			return nil, err
		}
		p.Side = domain.Side(side)
		p.EntryTime = fromNanos(entryTime)
		p.MaxHoldDeadline = fromNanos(deadline)
		p.BrokerOrderIDs = splitIDs(orderIDs)
		cp.ExitTime = fromNanos(exitTime)
		cp.ExitReason = domain.ExitReason(reason)
		out = append(out, cp)
	}
	return out, rows.Err()
}

// ActiveExposure returns the active count and summed notional.
func (s *SQLiteStore) ActiveExposure(ctx context.Context) (int, float64, error) {
	q, args, err := s.sq.Select("COUNT(*)", "COALESCE(SUM(quantity * entry_price), 0)").
		From("positions").ToSql()
	if err != nil {
		return 0, 0, err
	}
	var (
		n        int
		notional float64
	)
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n, &notional); err != nil {
		return 0, 0, fmt.Errorf("active exposure: %w", err)
	}
	return n, notional, nil
}

func (s *SQLiteStore) getPosition(ctx context.Context, r runner, where squirrel.Eq) (domain.ManagedPosition, error) {
	q, args, err := s.sq.Select(positionColumns...).From("positions").Where(where).ToSql()
	if err != nil {
		return domain.ManagedPosition{}, err
	}
	p, err := scanPosition(r.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ManagedPosition{}, ErrNotFound
	}
	return p, err
}

// ---------------------------------------------------------------------------
// SignalStore implementation
// ---------------------------------------------------------------------------

// RecordSignal appends rec to the signal journal.
func (s *SQLiteStore) RecordSignal(ctx context.Context, rec SignalRecord) error {
	sig := rec.Signal
	recordedAt := rec.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	q, args, err := s.sq.Insert("signals").
		Columns(
			"signal_id", "ticker", "action", "confidence", "suggested_quantity",
			"entry_price_hint", "stop_loss_price", "take_profit_price", "risk_reward_ratio",
			"signal_reason", "originating_signal_id", "generated_at",
			"state", "outcome_reason", "detail", "position_id", "recorded_at",
		).
		Values(
			sig.ID, sig.Ticker, string(sig.Action), sig.Confidence, sig.SuggestedQuantity,
			sig.EntryPriceHint, sig.StopLossPrice, sig.TakeProfitPrice, sig.RiskRewardRatio,
			string(sig.Reason), sig.OriginatingSignalID, toNanos(sig.GeneratedAt),
			string(rec.State), string(rec.Reason), rec.Detail, rec.PositionID, toNanos(recordedAt),
		).ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("record signal %s: %w", sig.ID, err)
	}
	return nil
}

// ListSignals returns the most recent journal records.
func (s *SQLiteStore) ListSignals(ctx context.Context, ticker string, limit int) ([]SignalRecord, error) {
	b := s.sq.Select(
		"signal_id", "ticker", "action", "confidence", "suggested_quantity",
		"entry_price_hint", "stop_loss_price", "take_profit_price", "risk_reward_ratio",
		"signal_reason", "originating_signal_id", "generated_at",
		"state", "outcome_reason", "detail", "position_id", "recorded_at",
	).From("signals").OrderBy("id DESC")
	if ticker != "" {
		b = b.Where(squirrel.Eq{"ticker": ticker})
	}
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	q, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	defer rows.Close()

	var out []SignalRecord
	for rows.Next() {
		var (
			rec                                 SignalRecord
			action, sigReason, state, outReason string
			generatedAt, recordedAt             int64
		)
		sig := &rec.Signal
		if err := rows.Scan(
			&sig.ID, &sig.Ticker, &action, &sig.Confidence, &sig.SuggestedQuantity,
			&sig.EntryPriceHint, &sig.StopLossPrice, &sig.TakeProfitPrice, &sig.RiskRewardRatio,
			&sigReason, &sig.OriginatingSignalID, &generatedAt,
			&state, &outReason, &rec.Detail, &rec.PositionID, &recordedAt,
		); err != nil {
			return nil, err
		}
		sig.Action = domain.Action(action)
		sig.Reason = domain.ReasonCode(sigReason)
		sig.GeneratedAt = fromNanos(generatedAt)
		rec.State = domain.TickerState(state)
		rec.Reason = domain.ReasonCode(outReason)
		rec.RecordedAt = fromNanos(recordedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AdvanceWatermark moves the ticker's watermark forward when at is newer.
func (s *SQLiteStore) AdvanceWatermark(ctx context.Context, ticker, signalID string, at time.Time) (bool, error) {
	q, args, err := s.sq.Insert("signal_watermarks").
		Columns("ticker", "signal_id", "generated_at", "updated_at").
		Values(ticker, signalID, toNanos(at), time.Now().UTC().UnixNano()).
		Suffix(`ON CONFLICT (ticker) DO UPDATE SET
	signal_id = excluded.signal_id,
	generated_at = excluded.generated_at,
	updated_at = excluded.updated_at
WHERE excluded.generated_at > signal_watermarks.generated_at`).ToSql()
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("advance watermark %s: %w", ticker, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Watermark returns the ticker's newest accepted signal time.
func (s *SQLiteStore) Watermark(ctx context.Context, ticker string) (time.Time, bool, error) {
	q, args, err := s.sq.Select("generated_at").From("signal_watermarks").
		Where(squirrel.Eq{"ticker": ticker}).ToSql()
	if err != nil {
		return time.Time{}, false, err
	}
	var at int64
	err = s.db.QueryRowContext(ctx, q, args...).Scan(&at)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return time.Time{}, false, nil
	case err != nil:
		return time.Time{}, false, fmt.Errorf("watermark %s: %w", ticker, err)
	}
	return fromNanos(at), true, nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// runner is satisfied by *sql.DB and *sql.Tx.
type runner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// execOne runs a conditional statement that must affect exactly one row.
func execOne(ctx context.Context, r runner, q string, args []any) error {
	res, err := r.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrClaimLost
	}
	return nil
}

func scanPosition(r rowScanner) (domain.ManagedPosition, error) {
	var (
		p                            domain.ManagedPosition
		side, orderIDs, status       string
		exitReason                   string
		entryTime, deadline, claimed int64
	)
	if err := r.Scan(
		&p.ID, &p.Ticker, &side, &p.Quantity, &p.EntryPrice, &entryTime,
		&p.StopLossPrice, &p.TakeProfitPrice, &deadline,
		&p.OriginatingSignalID, &orderIDs, &status, &claimed,
		&p.ExitClientOrderID, &exitReason, &p.ExitedQuantity, &p.ExitedValue,
	); err != nil {
		return domain.ManagedPosition{}, err
	}
	p.Side = domain.Side(side)
	p.EntryTime = fromNanos(entryTime)
	p.MaxHoldDeadline = fromNanos(deadline)
	p.BrokerOrderIDs = splitIDs(orderIDs)
	p.Status = domain.PositionStatus(status)
	p.ClaimedAt = fromNanos(claimed)
	p.ExitReason = domain.ExitReason(exitReason)
	return p, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func splitIDs(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

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
