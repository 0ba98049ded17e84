package state

import (
	capmath "OutcomeLedger/internal/math"
	"fmt"

	"github.com/google/uuid"
)

// BookKey identifies one account's exposure book in one market.
type BookKey struct {
	Account uuid.UUID
	Market  string
}

// tiltBook holds all per-(account, market) exposure state: the authoritative
// signed tilts, the per-block cached extrema for each polarity, and the two
// extremum heaps. Positions are created implicitly at zero on first touch and
// never deleted.
type tiltBook struct {
	tilts  map[uint32]int64
	blocks [2]map[uint32]*blockRecord // indexed by Polarity
	heaps  [2]*ExtremumHeap
}

func newTiltBook() *tiltBook {
	return &tiltBook{
		tilts: make(map[uint32]int64),
		blocks: [2]map[uint32]*blockRecord{
			PolarityMin: make(map[uint32]*blockRecord),
			PolarityMax: make(map[uint32]*blockRecord),
		},
		heaps: [2]*ExtremumHeap{
			PolarityMin: NewExtremumHeap(PolarityMin),
			PolarityMax: NewExtremumHeap(PolarityMax),
		},
	}
}

// ExposureStore is the authoritative tilt store plus the incremental
// min/max index over it.
//
// Not thread-safe — only accessed from the single-threaded adequacy core.
type ExposureStore struct {
	books   map[BookKey]*tiltBook
	rescans int64
}

func NewExposureStore() *ExposureStore {
	return &ExposureStore{
		books: make(map[BookKey]*tiltBook),
	}
}

func (es *ExposureStore) getOrCreateBook(account uuid.UUID, market string) *tiltBook {
	key := BookKey{Account: account, Market: market}
	book := es.books[key]
	if book == nil {
		book = newTiltBook()
		es.books[key] = book
	}
	return book
}

// ApplyDelta adds delta to the stored tilt (initializing at zero if absent)
// and repositions the owning block in both heaps. Returns the new tilt.
// Fails without any state change if the tilt would wrap.
func (es *ExposureStore) ApplyDelta(account uuid.UUID, market string, position uint32, delta int64) (int64, error) {
	book := es.getOrCreateBook(account, market)

	newTilt, err := capmath.CheckedAdd(book.tilts[position], delta)
	if err != nil {
		return 0, fmt.Errorf("tilt for position %d: %w", position, err)
	}
	book.tilts[position] = newTilt

	es.updateBlock(book, position, newTilt, PolarityMin)
	es.updateBlock(book, position, newTilt, PolarityMax)

	return newTilt, nil
}

// updateBlock updates the block's cached extremum for one polarity after a
// position's tilt changed, and propagates the new key to the heap.
//
// The handling is asymmetric: when the extreme only improves (or a non-holder
// newly beats it) the cache updates in place; a full block rescan happens only
// when the current extreme holder's value moves away from the extreme. This
// bounds the amortized cost at O(BlockSize), never O(all positions).
func (es *ExposureStore) updateBlock(book *tiltBook, position uint32, newVal int64, p Polarity) {
	blockID := blockOf(position)
	rec := book.blocks[p][blockID]
	if rec == nil {
		rec = &blockRecord{}
		book.blocks[p][blockID] = rec
	}

	if !rec.initialized {
		rec.initialized = true
		rec.extremePos = position
		rec.extremeVal = newVal
		book.heaps[p].Upsert(blockID, newVal)
		return
	}

	if position == rec.extremePos {
		if favorsOrEqual(p, newVal, rec.extremeVal) {
			// Holder stayed at or beyond the cached extreme.
			rec.extremeVal = newVal
			book.heaps[p].Upsert(blockID, newVal)
			return
		}
		// Holder worsened — another position may now be the block extreme.
		es.rescanBlock(book, blockID, p, rec)
		return
	}

	if strictlyFavors(p, newVal, rec.extremeVal) {
		rec.extremePos = position
		rec.extremeVal = newVal
		book.heaps[p].Upsert(blockID, newVal)
	}
}

// rescanBlock recomputes the block's true extreme from the authoritative
// tilts. The block always contains at least one position (the one whose
// change triggered the rescan).
func (es *ExposureStore) rescanBlock(book *tiltBook, blockID uint32, p Polarity, rec *blockRecord) {
	es.rescans++

	base := blockID * BlockSize
	first := true
	var bestPos uint32
	var bestVal int64

	for i := uint32(0); i < BlockSize; i++ {
		pos := base + i
		v, ok := book.tilts[pos]
		if !ok {
			continue
		}
		if first || strictlyFavors(p, v, bestVal) {
			bestPos = pos
			bestVal = v
			first = false
		}
	}

	rec.extremePos = bestPos
	rec.extremeVal = bestVal
	book.heaps[p].Upsert(blockID, bestVal)
}

// Tilt returns the current tilt of a position (zero if never touched).
func (es *ExposureStore) Tilt(account uuid.UUID, market string, position uint32) int64 {
	book := es.books[BookKey{Account: account, Market: market}]
	if book == nil {
		return 0
	}
	return book.tilts[position]
}

// MinTilt returns the global minimum tilt and one position achieving it, in
// O(1) from the MIN heap root. For an expanding market a strictly positive
// minimum is clamped to (0, 0): unopened outcome buckets contribute no
// adverse exposure, so the reported floor never rises above zero.
func (es *ExposureStore) MinTilt(account uuid.UUID, market string, expanding bool) (int64, uint32) {
	return es.peek(account, market, PolarityMin, expanding)
}

// MaxTilt is the MAX-polarity counterpart of MinTilt; for an expanding market
// a strictly negative maximum is clamped to (0, 0).
func (es *ExposureStore) MaxTilt(account uuid.UUID, market string, expanding bool) (int64, uint32) {
	return es.peek(account, market, PolarityMax, expanding)
}

func (es *ExposureStore) peek(account uuid.UUID, market string, p Polarity, expanding bool) (int64, uint32) {
	book := es.books[BookKey{Account: account, Market: market}]
	if book == nil {
		return 0, 0
	}
	value, blockID, ok := book.heaps[p].Peek()
	if !ok {
		return 0, 0
	}
	if expanding {
		if p == PolarityMin && value > 0 {
			return 0, 0
		}
		if p == PolarityMax && value < 0 {
			return 0, 0
		}
	}
	return value, book.blocks[p][blockID].extremePos
}

// Rescans returns the cumulative count of full block rescans (metrics).
func (es *ExposureStore) Rescans() int64 {
	return es.rescans
}

// BookTilts returns a copy of all tilts in one book (diagnostics and tests).
func (es *ExposureStore) BookTilts(account uuid.UUID, market string) map[uint32]int64 {
	book := es.books[BookKey{Account: account, Market: market}]
	if book == nil {
		return nil
	}
	out := make(map[uint32]int64, len(book.tilts))
	for k, v := range book.tilts {
		out[k] = v
	}
	return out
}

// ValidateBook checks block-cache correctness against the authoritative tilts
// and both heaps' order/index invariants. Diagnostic only.
func (es *ExposureStore) ValidateBook(account uuid.UUID, market string) error {
	book := es.books[BookKey{Account: account, Market: market}]
	if book == nil {
		return nil
	}
	for _, p := range []Polarity{PolarityMin, PolarityMax} {
		if err := book.heaps[p].Validate(); err != nil {
			return fmt.Errorf("%s heap: %w", p, err)
		}
		for blockID, rec := range book.blocks[p] {
			if !rec.initialized {
				continue
			}
			if blockOf(rec.extremePos) != blockID {
				return fmt.Errorf("%s block %d caches position %d from another block",
					p, blockID, rec.extremePos)
			}
			if book.tilts[rec.extremePos] != rec.extremeVal {
				return fmt.Errorf("%s block %d caches value %d for position %d, tilt is %d",
					p, blockID, rec.extremeVal, rec.extremePos, book.tilts[rec.extremePos])
			}
			base := blockID * BlockSize
			for i := uint32(0); i < BlockSize; i++ {
				v, ok := book.tilts[base+i]
				if ok && strictlyFavors(p, v, rec.extremeVal) {
					return fmt.Errorf("%s block %d cached %d but position %d holds %d",
						p, blockID, rec.extremeVal, base+i, v)
				}
			}
		}
	}
	return nil
}

// === Snapshot support ===

// Snapshot returns a deep copy of every book's tilts. Block caches and heaps
// are derived state and are rebuilt on restore.
func (es *ExposureStore) Snapshot() map[BookKey]map[uint32]int64 {
	out := make(map[BookKey]map[uint32]int64, len(es.books))
	for key, book := range es.books {
		tilts := make(map[uint32]int64, len(book.tilts))
		for pos, v := range book.tilts {
			tilts[pos] = v
		}
		out[key] = tilts
	}
	return out
}

// Restore rebuilds all books, block caches, and heaps from snapshot tilts.
func (es *ExposureStore) Restore(snapshot map[BookKey]map[uint32]int64) {
	es.books = make(map[BookKey]*tiltBook, len(snapshot))
	for key, tilts := range snapshot {
		book := newTiltBook()
		es.books[key] = book
		for pos, v := range tilts {
			book.tilts[pos] = v
			es.updateBlock(book, pos, v, PolarityMin)
			es.updateBlock(book, pos, v, PolarityMax)
		}
	}
}
