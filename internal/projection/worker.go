package projection

import (
	"context"
	"database/sql"
	"fmt"

	"OutcomeLedger/internal/observability"
)

var projLog = observability.NewLogger("projection")

// ProjectionOutput mirrors the data needed by projection workers.
// The orchestrator bridges between core.CoreOutput and this.
type ProjectionOutput struct {
	Sequence  int64
	EventType string
	MarketID  *string
	Moves     []MoveEntry
	Solvency  *SolvencyEntry
	Timestamp int64
}

// MoveEntry is a simplified capital move for projection consumption.
type MoveEntry struct {
	MoveID    string
	AccountID string
	MarketID  string
	MoveType  string
	Amount    int64
}

// SolvencyEntry is the post-operation solvency view for one (account, market).
type SolvencyEntry struct {
	AccountID          string
	MarketID           string
	MinTilt            int64
	MinTiltPosition    int64
	MaxTilt            int64
	MaxTiltPosition    int64
	RealMinShares      int64
	EffectiveMinShares int64
	Redeemable         int64
	NetAllocation      int64
	LayOffset          int64
	FreeCollateral     int64
	MarketValue        int64
}

// ProjectionWorker updates projection tables from processed events.
// The projection channel is non-blocking with drop: if projections fall
// behind, they can be rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	history   *CapitalHistoryProjection
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		history:   NewCapitalHistoryProjection(4096),
	}
}

// History returns the in-memory recent-flows projection for query serving.
func (pw *ProjectionWorker) History() *CapitalHistoryProjection {
	return pw.history
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.processOutput(ctx, output); err != nil {
				projLog.Warn().Int64("seq", output.Sequence).Err(err).Msg("projection update failed")
				// Continue — projections are eventually consistent
				// and can be rebuilt from the event log
			}

			pw.lastSeq = output.Sequence
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, m := range output.Moves {
		if err := pw.applyMove(ctx, tx, output.Sequence, m); err != nil {
			return fmt.Errorf("move projection: %w", err)
		}
		pw.history.AddEntry(CapitalFlowEntry{
			MoveID:    m.MoveID,
			AccountID: m.AccountID,
			MarketID:  m.MarketID,
			MoveType:  m.MoveType,
			Amount:    m.Amount,
			Sequence:  output.Sequence,
			Timestamp: output.Timestamp,
		})
	}

	if output.Solvency != nil {
		if err := pw.updateSolvencyProjection(ctx, tx, output.Sequence, output.Solvency); err != nil {
			return fmt.Errorf("solvency projection: %w", err)
		}
	}

	// Update projection watermark
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// applyMove applies one capital move to the balance projections. The signs
// mirror the in-memory ledger: deposits and deallocations raise the free
// pool, withdrawals and allocations lower it, allocations raise the market
// value, lay adjustments touch only the lay offset.
func (pw *ProjectionWorker) applyMove(ctx context.Context, tx *sql.Tx, seq int64, m MoveEntry) error {
	var freeDelta, allocDelta, layDelta, marketDelta int64
	switch m.MoveType {
	case "Deposit":
		freeDelta = m.Amount
	case "Withdraw":
		freeDelta = -m.Amount
	case "Allocate":
		freeDelta = -m.Amount
		allocDelta = m.Amount
		marketDelta = m.Amount
	case "Deallocate":
		freeDelta = m.Amount
		allocDelta = -m.Amount
		marketDelta = -m.Amount
	case "LayAdjust":
		layDelta = m.Amount
	default:
		return fmt.Errorf("unknown move type: %s", m.MoveType)
	}

	if freeDelta != 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (account_id, free_collateral, last_sequence)
			VALUES ($1, $2, $3)
			ON CONFLICT (account_id)
			DO UPDATE SET free_collateral = projections.balances.free_collateral + $2, last_sequence = $3
		`, m.AccountID, freeDelta, seq); err != nil {
			return err
		}
	}

	if allocDelta != 0 || layDelta != 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.allocations (account_id, market_id, net_allocation, lay_offset, last_sequence)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (account_id, market_id)
			DO UPDATE SET net_allocation = projections.allocations.net_allocation + $3,
			              lay_offset = projections.allocations.lay_offset + $4,
			              last_sequence = $5
		`, m.AccountID, m.MarketID, allocDelta, layDelta, seq); err != nil {
			return err
		}
	}

	if marketDelta != 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.market_values (market_id, market_value, last_sequence)
			VALUES ($1, $2, $3)
			ON CONFLICT (market_id)
			DO UPDATE SET market_value = projections.market_values.market_value + $2, last_sequence = $3
		`, m.MarketID, marketDelta, seq); err != nil {
			return err
		}
	}

	return nil
}

func (pw *ProjectionWorker) updateSolvencyProjection(ctx context.Context, tx *sql.Tx, seq int64, s *SolvencyEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.solvency
			(account_id, market_id, min_tilt, min_tilt_position, max_tilt, max_tilt_position,
			 real_min_shares, effective_min_shares, redeemable,
			 net_allocation, lay_offset, free_collateral, market_value, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (account_id, market_id)
		DO UPDATE SET
			min_tilt = $3, min_tilt_position = $4,
			max_tilt = $5, max_tilt_position = $6,
			real_min_shares = $7, effective_min_shares = $8, redeemable = $9,
			net_allocation = $10, lay_offset = $11,
			free_collateral = $12, market_value = $13, last_sequence = $14
	`, s.AccountID, s.MarketID, s.MinTilt, s.MinTiltPosition, s.MaxTilt, s.MaxTiltPosition,
		s.RealMinShares, s.EffectiveMinShares, s.Redeemable,
		s.NetAllocation, s.LayOffset, s.FreeCollateral, s.MarketValue, seq)
	return err
}

// RebuildProjections rebuilds the balance projections from the event log.
// The solvency table is left to refill as new events arrive: its rows are
// derived from in-memory state that cannot be recomputed in SQL.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.allocations`,
		`TRUNCATE projections.market_values`,
		`TRUNCATE projections.solvency`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Free collateral: deposits and deallocations add, withdrawals and
	// allocations subtract.
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_id, free_collateral, last_sequence)
		SELECT
			account_id,
			SUM(CASE move_type
				WHEN 'Deposit' THEN amount
				WHEN 'Deallocate' THEN amount
				WHEN 'Withdraw' THEN -amount
				WHEN 'Allocate' THEN -amount
				ELSE 0
			END) AS free_collateral,
			MAX(sequence) AS last_sequence
		FROM event_log.capital_moves
		GROUP BY account_id
	`)
	if err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.allocations (account_id, market_id, net_allocation, lay_offset, last_sequence)
		SELECT
			account_id,
			market_id,
			SUM(CASE move_type
				WHEN 'Allocate' THEN amount
				WHEN 'Deallocate' THEN -amount
				ELSE 0
			END) AS net_allocation,
			SUM(CASE move_type WHEN 'LayAdjust' THEN amount ELSE 0 END) AS lay_offset,
			MAX(sequence) AS last_sequence
		FROM event_log.capital_moves
		WHERE market_id IS NOT NULL
		GROUP BY account_id, market_id
	`)
	if err != nil {
		return fmt.Errorf("rebuild allocations: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.market_values (market_id, market_value, last_sequence)
		SELECT
			market_id,
			SUM(CASE move_type
				WHEN 'Allocate' THEN amount
				WHEN 'Deallocate' THEN -amount
				ELSE 0
			END) AS market_value,
			MAX(sequence) AS last_sequence
		FROM event_log.capital_moves
		WHERE market_id IS NOT NULL
		GROUP BY market_id
	`)
	if err != nil {
		return fmt.Errorf("rebuild market values: %w", err)
	}

	projLog.Info().Msg("projection rebuild complete")
	return nil
}
