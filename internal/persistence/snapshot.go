package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotManager handles creating and loading state snapshots for recovery.
// A snapshot holds everything needed to resume without replaying the whole
// log: capital counters, tilt books, market parameters, sequence state, the
// idempotency LRU, and the last state hash. Block caches and heaps are
// derived state and get rebuilt from the tilts on restore.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData contains the full in-memory state at a point in time.
type SnapshotData struct {
	Sequence          int64                `json:"sequence"`
	StateHash         []byte               `json:"state_hash"`
	PrevHash          []byte               `json:"prev_hash"`
	FreeCollateral    map[string]int64     `json:"free_collateral"` // accountID -> amount
	Allocations       []AllocationSnapshot `json:"allocations"`
	MarketValues      map[string]int64     `json:"market_values"` // marketID -> locked total
	GlobalFree        int64                `json:"global_free"`
	GlobalMarketValue int64                `json:"global_market_value"`
	Books             []BookSnapshot       `json:"books"`
	Markets           []MarketParamsSnap   `json:"markets"`
	SequenceState     map[string]int64     `json:"sequence_state"`   // partition -> next expected seq
	IdempotencyKeys   []string             `json:"idempotency_keys"` // Recent keys for LRU warming
	CreatedAt         time.Time            `json:"created_at"`
}

// AllocationSnapshot is one (account, market) capital pair.
type AllocationSnapshot struct {
	AccountID     string `json:"account_id"`
	MarketID      string `json:"market_id"`
	NetAllocation int64  `json:"net_allocation"`
	LayOffset     int64  `json:"lay_offset"`
}

// BookSnapshot is one (account, market) tilt book. Only nonzero tilts are
// stored; JSON encodes the uint32 keys as strings.
type BookSnapshot struct {
	AccountID string           `json:"account_id"`
	MarketID  string           `json:"market_id"`
	Tilts     map[uint32]int64 `json:"tilts"`
}

// MarketParamsSnap is a serializable market registration.
type MarketParamsSnap struct {
	MarketID        string `json:"market_id"`
	SyntheticLine   int64  `json:"synthetic_line"`
	DesignatedMaker string `json:"designated_maker"`
	Expanding       bool   `json:"expanding"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot to Postgres. Snapshots are taken
// periodically (e.g. every 100k events) and verified by replaying events
// from the snapshot sequence forward.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	sizeBytes := len(data)
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, sizeBytes, snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot.
// On warm restart: load latest snapshot, then replay events from
// snapshot.sequence+1.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // No snapshot — cold start
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// VerifyAgainstLog checks the snapshot's chain tip against the persisted
// envelope hash at the snapshot sequence. A mismatch means the snapshot and
// the event log disagree about history and the snapshot must not be trusted.
// A missing row is not an error: the log may have been compacted past the
// snapshot point.
func (sm *SnapshotManager) VerifyAgainstLog(ctx context.Context, snap *SnapshotData) error {
	var stateHash []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT state_hash FROM event_log.events WHERE sequence = $1
	`, snap.Sequence).Scan(&stateHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load event hash at seq %d: %w", snap.Sequence, err)
	}
	if !bytes.Equal(stateHash, snap.StateHash) {
		return fmt.Errorf("snapshot hash %x does not match event log hash %x at seq %d",
			snap.StateHash, stateHash, snap.Sequence)
	}
	return nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads events from a given sequence for replay.
// Used for warm restart (replay from snapshot) and cold restart (replay all).
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, market_id, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.MarketID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty event log
	}
	return seq.Int64, nil
}
