package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// execer is satisfied by both *sql.DB and *sql.Tx, so batch writes can run
// inside the worker's transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventLogWriter writes events and capital moves to Postgres using multi-row
// INSERT batches. Switch to pgx CopyFrom if batch sizes ever make the INSERT
// path the bottleneck.
type EventLogWriter struct {
	db           *sql.DB
	batchSize    int
	flushTimeout time.Duration
}

func NewEventLogWriter(db *sql.DB, batchSize int, flushTimeout time.Duration) *EventLogWriter {
	return &EventLogWriter{
		db:           db,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
	}
}

// EventRow is one row of event_log.events.
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	MarketID       *string
	Payload        []byte // JSON-encoded event payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// MoveRow is one row of event_log.capital_moves.
type MoveRow struct {
	MoveID    string
	BatchID   string
	EventRef  string
	Sequence  int64
	AccountID string
	MarketID  *string
	MoveType  string
	Amount    int64
	Timestamp int64
}

// WriteEventBatch inserts events idempotently: replays of already-persisted
// sequences are no-ops.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(events)*9)
	for _, e := range events {
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.MarketID,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence)
	}
	query := multiInsert(
		`INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, market_id, payload, state_hash, prev_hash, timestamp, source_sequence)`,
		len(events), 9,
		`ON CONFLICT (sequence) DO NOTHING`)

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteMoveBatch inserts capital moves, idempotent on move_id.
func (w *EventLogWriter) WriteMoveBatch(ctx context.Context, ex execer, moves []MoveRow) error {
	if len(moves) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(moves)*9)
	for _, m := range moves {
		args = append(args,
			m.MoveID, m.BatchID, m.EventRef, m.Sequence,
			m.AccountID, m.MarketID, m.MoveType, m.Amount, m.Timestamp)
	}
	query := multiInsert(
		`INSERT INTO event_log.capital_moves
		(move_id, batch_id, event_ref, sequence, account_id, market_id, move_type, amount, timestamp)`,
		len(moves), 9,
		`ON CONFLICT (move_id) DO NOTHING`)

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// multiInsert builds "INSERT ... VALUES ($1,..),($10,..) ... suffix" for
// rows x cols positional parameters.
func multiInsert(prefix string, rows, cols int, suffix string) string {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString(" VALUES ")
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", r*cols+c+1)
		}
		b.WriteByte(')')
	}
	b.WriteByte(' ')
	b.WriteString(suffix)
	return b.String()
}
