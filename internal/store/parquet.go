package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"catalyst/internal/domain"
)

// Journal exports closed positions and lifecycle events to Parquet files
// for offline analysis. Files are laid out as:
//
//	<Dir>/closed/<YYYY-MM>.parquet
//	<Dir>/events/<YYYY-MM-DD>.parquet
//
// Appends read the existing file, merge and rewrite it, so a Journal must
// not be shared between processes writing the same directory.
type Journal struct {
	Dir string
	mu  sync.Mutex
}

// NewJournal creates a Journal rooted at dir.
func NewJournal(dir string) *Journal {
	return &Journal{Dir: dir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// ClosedPositionRecord is the Parquet schema for a closed position.
type ClosedPositionRecord struct {
	PositionID          string  `parquet:"position_id"`
	Ticker              string  `parquet:"ticker"`
	Side                string  `parquet:"side"`
	Quantity            int64   `parquet:"quantity"`
	EntryPrice          float64 `parquet:"entry_price"`
	EntryTime           int64   `parquet:"entry_time,timestamp(millisecond)"` // Unix ms
	StopLossPrice       float64 `parquet:"stop_loss_price"`
	TakeProfitPrice     float64 `parquet:"take_profit_price"`
	OriginatingSignalID string  `parquet:"originating_signal_id"`
	ExitPrice           float64 `parquet:"exit_price"`
	ExitTime            int64   `parquet:"exit_time,timestamp(millisecond)"` // Unix ms
	ExitReason          string  `parquet:"exit_reason"`
	RealizedPnL         float64 `parquet:"realized_pnl"`
	RealizedPnLPct      float64 `parquet:"realized_pnl_pct"`
}

// EventRecord is the Parquet schema for a lifecycle event.
type EventRecord struct {
	Ticker     string  `parquet:"ticker"`
	Action     string  `parquet:"action"`
	Price      float64 `parquet:"price"`
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Reason     string  `parquet:"reason"`
	PositionID string  `parquet:"position_id"`
}

// ---------------------------------------------------------------------------
// Closed positions
// ---------------------------------------------------------------------------

// AppendClosed writes cp into the file for its exit month. Re-appending the
// same position id replaces the earlier record.
func (j *Journal) AppendClosed(cp domain.ClosedPosition) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec := toClosedRecord(cp)
	path := j.closedPath(cp.ExitTime)

	existing, err := readExisting[ClosedPositionRecord](path)
	if err != nil {
		return fmt.Errorf("writing closed position %s: %w", cp.Position.ID, err)
	}
	merged := mergeClosedRecords(existing, []ClosedPositionRecord{rec})
	if err := writeParquetFile(path, merged); err != nil {
		return fmt.Errorf("writing closed position %s: %w", cp.Position.ID, err)
	}
	return nil
}

// ReadClosed returns the closed positions exited in the month containing t.
func (j *Journal) ReadClosed(t time.Time) ([]domain.ClosedPosition, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	records, err := readParquetFile[ClosedPositionRecord](j.closedPath(t))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]domain.ClosedPosition, 0, len(records))
	for _, r := range records {
		out = append(out, fromClosedRecord(r))
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Lifecycle events
// ---------------------------------------------------------------------------

// AppendEvent writes ev into the file for its day.
func (j *Journal) AppendEvent(ev domain.LifecycleEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	path := j.eventPath(ev.Timestamp)
	existing, err := readExisting[EventRecord](path)
	if err != nil {
		return fmt.Errorf("writing event for %s: %w", ev.Ticker, err)
	}
	records := append(existing, EventRecord{
		Ticker:     ev.Ticker,
		Action:     string(ev.Action),
		Price:      ev.Price,
		Timestamp:  ev.Timestamp.UnixMilli(),
		Reason:     ev.Reason,
		PositionID: ev.PositionID,
	})
	sort.SliceStable(records, func(a, b int) bool { return records[a].Timestamp < records[b].Timestamp })

	if err := writeParquetFile(path, records); err != nil {
		return fmt.Errorf("writing event for %s: %w", ev.Ticker, err)
	}
	return nil
}

// ReadEvents returns the lifecycle events recorded on the day containing t.
func (j *Journal) ReadEvents(t time.Time) ([]domain.LifecycleEvent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	records, err := readParquetFile[EventRecord](j.eventPath(t))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]domain.LifecycleEvent, 0, len(records))
	for _, r := range records {
		out = append(out, domain.LifecycleEvent{
			Ticker:     r.Ticker,
			Action:     domain.LifecycleAction(r.Action),
			Price:      r.Price,
			Timestamp:  time.UnixMilli(r.Timestamp).UTC(),
			Reason:     r.Reason,
			PositionID: r.PositionID,
		})
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func (j *Journal) closedPath(t time.Time) string {
	return filepath.Join(j.Dir, "closed", t.UTC().Format("2006-01")+".parquet")
}

func (j *Journal) eventPath(t time.Time) string {
	return filepath.Join(j.Dir, "events", t.UTC().Format("2006-01-02")+".parquet")
}

func toClosedRecord(cp domain.ClosedPosition) ClosedPositionRecord {
	p := cp.Position
	return ClosedPositionRecord{
		PositionID:          p.ID,
		Ticker:              p.Ticker,
		Side:                string(p.Side),
		Quantity:            p.Quantity,
		EntryPrice:          p.EntryPrice,
		EntryTime:           p.EntryTime.UnixMilli(),
		StopLossPrice:       p.StopLossPrice,
		TakeProfitPrice:     p.TakeProfitPrice,
		OriginatingSignalID: p.OriginatingSignalID,
		ExitPrice:           cp.ExitPrice,
		ExitTime:            cp.ExitTime.UnixMilli(),
		ExitReason:          string(cp.ExitReason),
		RealizedPnL:         cp.RealizedPnL,
		RealizedPnLPct:      cp.RealizedPnLPct,
	}
}

func fromClosedRecord(r ClosedPositionRecord) domain.ClosedPosition {
	return domain.ClosedPosition{
		Position: domain.ManagedPosition{
			ID:                  r.PositionID,
			Ticker:              r.Ticker,
			Side:                domain.Side(strings.ToLower(r.Side)),
			Quantity:            r.Quantity,
			EntryPrice:          r.EntryPrice,
			EntryTime:           time.UnixMilli(r.EntryTime).UTC(),
			StopLossPrice:       r.StopLossPrice,
			TakeProfitPrice:     r.TakeProfitPrice,
			OriginatingSignalID: r.OriginatingSignalID,
		},
		ExitPrice:      r.ExitPrice,
		ExitTime:       time.UnixMilli(r.ExitTime).UTC(),
		ExitReason:     domain.ExitReason(r.ExitReason),
		RealizedPnL:    r.RealizedPnL,
		RealizedPnLPct: r.RealizedPnLPct,
	}
}

// mergeClosedRecords deduplicates closed records by position id, preferring
// incoming records over existing ones. Results are sorted by exit time.
func mergeClosedRecords(existing, incoming []ClosedPositionRecord) []ClosedPositionRecord {
	seen := make(map[string]ClosedPositionRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.PositionID] = r
	}
	for _, r := range incoming {
		seen[r.PositionID] = r
	}

	merged := make([]ClosedPositionRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].ExitTime != merged[j].ExitTime {
			return merged[i].ExitTime < merged[j].ExitTime
		}
		return merged[i].PositionID < merged[j].PositionID
	})
	return merged
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

// readExisting reads the records already at path before a rewrite. A
// missing file is empty; an unreadable one is an error so it is never
// overwritten.
func readExisting[T any](path string) ([]T, error) {
	rows, err := readParquetFile[T](path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	return rows, nil
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
