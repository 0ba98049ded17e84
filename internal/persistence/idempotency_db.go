package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// dbDedupTimeout bounds the cold-path lookup so a slow Postgres can stall the
// core by at most this much per uncached redelivery.
const dbDedupTimeout = 500 * time.Millisecond

// PostgresIdempotencyChecker is the cold dedup tier: events whose keys aged
// out of the core's LRU are still present in event_log.events.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{db: db}
}

// IsDuplicate reports whether the (event_type, idempotency_key) pair is
// already in the event log.
func (pic *PostgresIdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dbDedupTimeout)
	defer cancel()

	var one int
	err := pic.db.QueryRowContext(ctx,
		`SELECT 1 FROM event_log.events WHERE event_type = $1 AND idempotency_key = $2 LIMIT 1`,
		eventType, idempotencyKey,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
