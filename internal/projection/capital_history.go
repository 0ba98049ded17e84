package projection

// CapitalFlowEntry is one capital move as seen by the history projection.
type CapitalFlowEntry struct {
	MoveID    string
	AccountID string
	MarketID  string
	MoveType  string
	Amount    int64
	Sequence  int64
	Timestamp int64
}

// CapitalHistoryProjection keeps a bounded in-memory window of recent
// capital flows for low-latency "what just happened to my collateral"
// queries. Older history lives in event_log.capital_moves.
type CapitalHistoryProjection struct {
	entries []CapitalFlowEntry
	limit   int
}

func NewCapitalHistoryProjection(limit int) *CapitalHistoryProjection {
	return &CapitalHistoryProjection{
		entries: make([]CapitalFlowEntry, 0, limit),
		limit:   limit,
	}
}

// AddEntry records a capital flow, evicting the oldest beyond the limit.
func (p *CapitalHistoryProjection) AddEntry(entry CapitalFlowEntry) {
	p.entries = append(p.entries, entry)
	if len(p.entries) > p.limit {
		p.entries = p.entries[len(p.entries)-p.limit:]
	}
}

// QueryByAccount returns recent capital flows for an account, newest first.
func (p *CapitalHistoryProjection) QueryByAccount(accountID string, limit int) []CapitalFlowEntry {
	result := make([]CapitalFlowEntry, 0)

	for i := len(p.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if p.entries[i].AccountID == accountID {
			result = append(result, p.entries[i])
		}
	}

	return result
}

// QueryByMarket returns recent capital flows for a market, newest first.
func (p *CapitalHistoryProjection) QueryByMarket(marketID string, limit int) []CapitalFlowEntry {
	result := make([]CapitalFlowEntry, 0)

	for i := len(p.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if p.entries[i].MarketID == marketID {
			result = append(result, p.entries[i])
		}
	}

	return result
}
