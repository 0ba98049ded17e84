package state

// BlockSize is the number of consecutive position identifiers sharing one
// cached extremum record. Behaviorally significant: block boundaries (and
// therefore rescan cost) depend on it.
const BlockSize = 16

// blockOf returns the block identifier owning a position.
func blockOf(position uint32) uint32 {
	return position / BlockSize
}

// blockRecord caches one polarity's extreme for a block: which position holds
// the extreme tilt and what that tilt is.
//
// initialized is an explicit flag. Inferring "uninitialized" from zero values
// is ambiguous with a genuinely present position 0 at tilt 0, so presence is
// never derived from the record's contents.
type blockRecord struct {
	initialized bool
	extremePos  uint32
	extremeVal  int64
}

// favorsOrEqual reports whether value a still satisfies the extreme direction
// relative to b: <= for min, >= for max.
func favorsOrEqual(p Polarity, a, b int64) bool {
	if p == PolarityMin {
		return a <= b
	}
	return a >= b
}

// strictlyFavors reports whether a strictly beats b for the polarity.
func strictlyFavors(p Polarity, a, b int64) bool {
	if p == PolarityMin {
		return a < b
	}
	return a > b
}
