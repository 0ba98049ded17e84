package core

import (
	"crypto/sha256"
	"encoding/binary"
)

// GenesisHashSeed anchors the hash chain. Changing it invalidates every
// persisted chain, so it is versioned.
const GenesisHashSeed = "OutcomeLedger:genesis:v1"

// StateHasher maintains the SHA-256 hash chain over applied events:
// hash[N] = SHA-256(hash[N-1] || sequence || digest). Two cores fed the same
// event stream from the same seed converge on the same chain tip, which is
// how restores and replicas are verified.
type StateHasher struct {
	tip [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{tip: sha256.Sum256([]byte(GenesisHashSeed))}
}

// ComputeHash extends the chain by one link and returns the new tip.
func (h *StateHasher) ComputeHash(sequence int64, digest []byte) [32]byte {
	var seq [8]byte
	binary.LittleEndian.PutUint64(seq[:], uint64(sequence))

	sum := sha256.New()
	sum.Write(h.tip[:])
	sum.Write(seq[:])
	sum.Write(digest)
	copy(h.tip[:], sum.Sum(nil))

	return h.tip
}

// GetPrevHash returns the current chain tip.
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.tip
}

// SetPrevHash resets the chain tip, used when restoring from a snapshot.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.tip = hash
}
