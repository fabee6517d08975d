package core

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const GenesisHashSeed = "OptionLedger:genesis:v1"

// StateHasher chains committed states:
// hash[n] = keccak256(hash[n-1] || uint64be(n) || digest[n]).
type StateHasher struct {
	tip common.Hash
}

func NewStateHasher() *StateHasher {
	return &StateHasher{tip: crypto.Keccak256Hash([]byte(GenesisHashSeed))}
}

// ComputeHash extends the chain with the digest of sequence and returns the
// new tip.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) common.Hash {
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], uint64(sequence))
	h.tip = crypto.Keccak256Hash(h.tip[:], seq[:], stateDigest)
	return h.tip
}

func (h *StateHasher) GetPrevHash() common.Hash {
	return h.tip
}

// SetPrevHash moves the tip, used when restoring a snapshot.
func (h *StateHasher) SetPrevHash(hash common.Hash) {
	h.tip = hash
}
