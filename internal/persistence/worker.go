package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"OutcomeLedger/internal/observability"

	"github.com/rs/zerolog"
)

// CoreOutput mirrors core.CoreOutput to avoid an import cycle; the
// orchestrator in cmd bridges between the two.
type CoreOutput struct {
	EventRow EventRow
	MoveRows []MoveRow
}

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The core sends on that channel BLOCKING, so a worker that falls behind
// stalls the core rather than losing events.
type PersistenceWorker struct {
	writer       *EventLogWriter
	inputChan    <-chan CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *PersistenceWorker {
	return &PersistenceWorker{
		writer:       NewEventLogWriter(db, batchSize, flushTimeout),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          observability.NewLogger("persistence-worker"),
	}
}

// Run batches incoming outputs and flushes when the batch fills or the flush
// interval elapses. Returns when ctx is cancelled or the channel closes, after
// a final flush of anything buffered.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	events := make([]EventRow, 0, pw.batchSize)
	moves := make([]MoveRow, 0, pw.batchSize*2) // ~2 moves per event avg

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	finalFlush := func() {
		if len(events) == 0 {
			return
		}
		// Shutdown path: ctx may already be cancelled, use a fresh one.
		if err := pw.flush(context.Background(), events, moves); err != nil {
			pw.log.Error().Err(err).Msg("final flush failed")
		}
	}

	for {
		select {
		case <-ctx.Done():
			finalFlush()
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				finalFlush()
				return nil
			}
			events = append(events, output.EventRow)
			moves = append(moves, output.MoveRows...)

			if len(events) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, events, moves); err != nil {
					pw.log.Error().Err(err).Msg("batch flush failed after retries")
				}
				events, moves = events[:0], moves[:0]
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(events) > 0 {
				if err := pw.flushWithRetry(ctx, events, moves); err != nil {
					pw.log.Error().Err(err).Msg("interval flush failed after retries")
				}
				events, moves = events[:0], moves[:0]
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write lands. The
// worker never drops a batch; cancellation forces one last attempt on a
// background context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, events []EventRow, moves []MoveRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(events)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), events, moves); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		if err := pw.flush(ctx, events, moves); err == nil {
			if attempt > 0 {
				pw.log.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}

		if pw.metrics != nil {
			pw.metrics.PersistRetry.Inc()
		}
	}
}

// flush writes events and moves in one transaction.
func (pw *PersistenceWorker) flush(ctx context.Context, events []EventRow, moves []MoveRow) error {
	start := time.Now()

	tx, err := pw.writer.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		pw.countError("write_events")
		return err
	}
	if err := pw.writer.WriteMoveBatch(ctx, tx, moves); err != nil {
		pw.countError("write_moves")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistMovesWritten.Add(float64(len(moves)))
		if len(events) > 0 {
			pw.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
		}
	}
	return nil
}

func (pw *PersistenceWorker) countError(stage string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}

func (pw *PersistenceWorker) GetWriter() *EventLogWriter {
	return pw.writer
}
