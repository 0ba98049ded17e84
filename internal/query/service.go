package query

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// QueryService provides read-only access to projection tables. Queries are
// served via HTTP/JSON (gRPC-Gateway mux), reading from PostgreSQL
// projections. All responses include as_of_sequence for freshness semantics.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetBalance returns an account's free collateral and per-market allocations.
func (qs *QueryService) GetBalance(
	ctx context.Context,
	account uuid.UUID,
) (*BalanceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var free int64
	err = qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(free_collateral, 0) FROM projections.balances
		WHERE account_id = $1
	`, account.String()).Scan(&free)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT market_id, net_allocation, lay_offset
		FROM projections.allocations
		WHERE account_id = $1
		ORDER BY market_id
	`, account.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var allocations []AllocationView
	for rows.Next() {
		var a AllocationView
		if err := rows.Scan(&a.MarketID, &a.NetAllocation, &a.LayOffset); err != nil {
			return nil, err
		}
		allocations = append(allocations, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &BalanceResponse{
		AccountID:      account,
		FreeCollateral: free,
		Allocations:    allocations,
		AsOfSequence:   asOfSeq,
	}, nil
}

// GetSolvency returns the derived solvency view for one (account, market).
// Served from the solvency projection, which the core refreshes after every
// exposure delta for the pair.
func (qs *QueryService) GetSolvency(
	ctx context.Context,
	account uuid.UUID,
	marketID string,
) (*SolvencyResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	s := &SolvencyResponse{
		AccountID:    account,
		MarketID:     marketID,
		AsOfSequence: asOfSeq,
	}

	err = qs.db.QueryRowContext(ctx, `
		SELECT min_tilt, min_tilt_position, max_tilt, max_tilt_position,
		       real_min_shares, effective_min_shares, redeemable,
		       net_allocation, lay_offset, free_collateral, market_value
		FROM projections.solvency
		WHERE account_id = $1 AND market_id = $2
	`, account.String(), marketID).Scan(
		&s.MinTilt, &s.MinTiltPosition, &s.MaxTilt, &s.MaxTiltPosition,
		&s.RealMinShares, &s.EffectiveMinShares, &s.Redeemable,
		&s.NetAllocation, &s.LayOffset, &s.FreeCollateral, &s.MarketValue,
	)
	if err == sql.ErrNoRows {
		// No exposure yet for this pair — all-zero view is the correct answer
		return s, nil
	}
	if err != nil {
		return nil, err
	}

	return s, nil
}

// GetMarketValue returns the total locked collateral for a market.
func (qs *QueryService) GetMarketValue(
	ctx context.Context,
	marketID string,
) (*MarketValueResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var value int64
	err = qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(market_value, 0) FROM projections.market_values
		WHERE market_id = $1
	`, marketID).Scan(&value)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	return &MarketValueResponse{
		MarketID:     marketID,
		MarketValue:  value,
		AsOfSequence: asOfSeq,
	}, nil
}

// GetCapitalFlows returns capital moves for an account with cursor-based
// pagination over the durable event log.
func (qs *QueryService) GetCapitalFlows(
	ctx context.Context,
	account uuid.UUID,
	marketID *string,
	limit int,
	afterSequence *int64,
) ([]CapitalFlowResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT move_id, batch_id, event_ref, sequence, account_id, market_id,
		       move_type, amount, timestamp
		FROM event_log.capital_moves
		WHERE account_id = $1
	`
	args := []interface{}{account.String()}
	argIdx := 2

	if marketID != nil {
		query += fmt.Sprintf(" AND market_id = $%d", argIdx)
		args = append(args, *marketID)
		argIdx++
	}

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flows []CapitalFlowResponse
	for rows.Next() {
		var f CapitalFlowResponse
		f.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&f.MoveID, &f.BatchID, &f.EventRef, &f.Sequence,
			&f.AccountID, &f.MarketID, &f.MoveType, &f.Amount, &f.Timestamp,
		); err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}

	return flows, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity and the conservation of
// projected balances against the capital-move log.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	// Check hash chain continuity
	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence, e1.prev_hash, e2.state_hash
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		var prevHash, expectedHash []byte
		if err := rows.Scan(&seq, &prevHash, &expectedHash); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Sum of projected free collateral must equal net vault flow:
	// deposits - withdrawals - allocations + deallocations.
	var freeImbalance int64
	err = qs.db.QueryRowContext(ctx, `
		SELECT COALESCE((SELECT SUM(free_collateral) FROM projections.balances), 0)
		     - COALESCE((SELECT SUM(CASE move_type
				WHEN 'Deposit' THEN amount
				WHEN 'Deallocate' THEN amount
				WHEN 'Withdraw' THEN -amount
				WHEN 'Allocate' THEN -amount
				ELSE 0 END)
		        FROM event_log.capital_moves), 0)
	`).Scan(&freeImbalance)
	if err != nil {
		return nil, err
	}
	if freeImbalance != 0 {
		report.FreeImbalance = &freeImbalance
	}

	// Each market's value must equal the sum of its accounts' allocations.
	imbalanceRows, err := qs.db.QueryContext(ctx, `
		SELECT mv.market_id, mv.market_value - COALESCE(SUM(a.net_allocation), 0) AS imbalance
		FROM projections.market_values mv
		LEFT JOIN projections.allocations a ON a.market_id = mv.market_id
		GROUP BY mv.market_id, mv.market_value
		HAVING mv.market_value - COALESCE(SUM(a.net_allocation), 0) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer imbalanceRows.Close()

	for imbalanceRows.Next() {
		var mi MarketImbalance
		if err := imbalanceRows.Scan(&mi.MarketID, &mi.Imbalance); err != nil {
			return nil, err
		}
		report.MarketImbalances = append(report.MarketImbalances, mi)
	}
	if err := imbalanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		report.FreeImbalance == nil &&
		len(report.MarketImbalances) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}
