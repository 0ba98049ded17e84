package core

import (
	"fmt"
)

// SequenceValidator enforces gapless per-partition ordering on upstream
// sequence numbers. Deposits and withdrawals share the "vault" partition;
// market registration and exposure deltas share "market:<id>" — each upstream
// producer numbers its own stream from 0.
// Not thread-safe — only the single-threaded adequacy core touches it.
type SequenceValidator struct {
	next    map[string]int64 // partition -> next expected source sequence
	metrics *SequenceMetrics
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		next:    make(map[string]int64),
		metrics: NewSequenceMetrics(),
	}
}

// ValidateSequence accepts exactly the next sequence for the partition and
// advances past it. A stale sequence is fine when the event is a known
// duplicate (redelivery) and an ordering violation otherwise; a sequence
// beyond the expected one means events were lost upstream.
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sourceSequence int64,
	idempotencyKey string,
	isDuplicate bool,
) error {
	expected := sv.next[partition]

	switch {
	case sourceSequence == expected:
		sv.next[partition] = expected + 1
		return nil

	case sourceSequence < expected:
		if isDuplicate {
			return nil
		}
		sv.metrics.RecordOutOfOrder(partition)
		return fmt.Errorf("out-of-order event: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)

	default:
		sv.metrics.RecordGap(partition, expected, sourceSequence)
		return fmt.Errorf("sequence gap: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)
	}
}

// GetExpectedSequence returns the next expected sequence for a partition.
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.next[partition]
}

// RestorePartition seeds a partition's expected sequence from a snapshot.
func (sv *SequenceValidator) RestorePartition(partition string, seq int64) {
	sv.next[partition] = seq
}

// GetAllPartitions captures every partition cursor for snapshotting.
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.next))
	for partition, seq := range sv.next {
		out[partition] = seq
	}
	return out
}

// --- Metrics ---

// SequenceMetrics counts ordering violations per partition.
// Not thread-safe — only the single-threaded adequacy core touches it.
type SequenceMetrics struct {
	gaps       map[string]int64
	outOfOrder map[string]int64
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{
		gaps:       make(map[string]int64),
		outOfOrder: make(map[string]int64),
	}
}

func (m *SequenceMetrics) RecordGap(partition string, expected, got int64) {
	m.gaps[partition]++
}

func (m *SequenceMetrics) RecordOutOfOrder(partition string) {
	m.outOfOrder[partition]++
}

func (m *SequenceMetrics) GetGaps(partition string) int64 {
	return m.gaps[partition]
}

func (m *SequenceMetrics) GetOutOfOrder(partition string) int64 {
	return m.outOfOrder[partition]
}
