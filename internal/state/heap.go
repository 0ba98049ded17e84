package state

import "fmt"

// Polarity selects which extremum a structure tracks.
type Polarity int

const (
	PolarityMin Polarity = iota
	PolarityMax
)

func (p Polarity) String() string {
	switch p {
	case PolarityMin:
		return "Min"
	case PolarityMax:
		return "Max"
	default:
		return "Unknown"
	}
}

// heapArity is the branching factor. Behaviorally significant: parity tests
// against the reference system depend on it.
const heapArity = 4

type heapEntry struct {
	blockID uint32
	key     int64
}

// ExtremumHeap is a 4-ary heap over block identifiers keyed by each block's
// cached extreme tilt, with a block→slot index map for O(1) in-place updates.
// The root is the global extreme across all blocks of one (account, market)
// book. Entries are never removed: position identifiers are monotonically
// issued and never deleted from a market, so a block stays relevant for the
// lifetime of its book.
//
// Tie-breaking between equal keys is unspecified — callers may rely on the
// root's value but not on which of several equal-keyed blocks holds it.
type ExtremumHeap struct {
	polarity Polarity
	entries  []heapEntry
	slots    map[uint32]int // blockID -> slot; absence means not yet inserted
}

func NewExtremumHeap(polarity Polarity) *ExtremumHeap {
	return &ExtremumHeap{
		polarity: polarity,
		slots:    make(map[uint32]int),
	}
}

// favors reports whether key a should sit closer to the root than key b.
func (h *ExtremumHeap) favors(a, b int64) bool {
	if h.polarity == PolarityMin {
		return a < b
	}
	return a > b
}

// Upsert inserts the block with the given key, or repositions it in place.
// A key improvement bubbles toward the root; if the entry does not move up,
// it is bubbled toward the leaves to handle a worsened key. Arbitrary key
// changes are supported in both directions.
func (h *ExtremumHeap) Upsert(blockID uint32, key int64) {
	slot, present := h.slots[blockID]
	if !present {
		h.entries = append(h.entries, heapEntry{blockID: blockID, key: key})
		slot = len(h.entries) - 1
		h.slots[blockID] = slot
		h.siftUp(slot)
		return
	}

	h.entries[slot].key = key
	if h.siftUp(slot) == slot {
		h.siftDown(slot)
	}
}

// Peek returns the root's cached (value, blockID) in O(1).
// ok is false for an empty heap.
func (h *ExtremumHeap) Peek() (value int64, blockID uint32, ok bool) {
	if len(h.entries) == 0 {
		return 0, 0, false
	}
	return h.entries[0].key, h.entries[0].blockID, true
}

// Len returns the number of blocks in the heap.
func (h *ExtremumHeap) Len() int {
	return len(h.entries)
}

// siftUp bubbles the entry at slot toward the root while it beats its parent.
// Returns the final slot.
func (h *ExtremumHeap) siftUp(slot int) int {
	for slot > 0 {
		parent := (slot - 1) / heapArity
		if !h.favors(h.entries[slot].key, h.entries[parent].key) {
			break
		}
		h.swap(slot, parent)
		slot = parent
	}
	return slot
}

// siftDown bubbles the entry at slot toward the leaves, swapping with the
// most-extreme of its up-to-4 children until no child improves on it.
func (h *ExtremumHeap) siftDown(slot int) {
	n := len(h.entries)
	for {
		best := slot
		firstChild := slot*heapArity + 1
		for c := firstChild; c < firstChild+heapArity && c < n; c++ {
			if h.favors(h.entries[c].key, h.entries[best].key) {
				best = c
			}
		}
		if best == slot {
			return
		}
		h.swap(slot, best)
		slot = best
	}
}

// swap exchanges two entries and updates the index map for both.
func (h *ExtremumHeap) swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.slots[h.entries[i].blockID] = i
	h.slots[h.entries[j].blockID] = j
}

// Validate checks the heap order property and slot-index consistency.
// Diagnostic only — never called on the hot path.
func (h *ExtremumHeap) Validate() error {
	for slot, e := range h.entries {
		if idx, ok := h.slots[e.blockID]; !ok || idx != slot {
			return fmt.Errorf("slot index for block %d is %d (present=%v), want %d",
				e.blockID, idx, ok, slot)
		}
		if slot > 0 {
			parent := (slot - 1) / heapArity
			if h.favors(e.key, h.entries[parent].key) {
				return fmt.Errorf("heap order broken at slot %d: key=%d beats parent key=%d",
					slot, e.key, h.entries[parent].key)
			}
		}
	}
	if len(h.slots) != len(h.entries) {
		return fmt.Errorf("slot index has %d entries, heap has %d", len(h.slots), len(h.entries))
	}
	return nil
}
