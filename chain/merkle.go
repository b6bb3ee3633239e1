package chain

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// hashMerkleBranches takes two leaves and returns the double-sha256 of their
// concatenation.
func hashMerkleBranches(left, right *chainhash.Hash) chainhash.Hash {
	var concat [chainhash.HashSize * 2]byte
	copy(concat[:chainhash.HashSize], left[:])
	copy(concat[chainhash.HashSize:], right[:])

	return chainhash.DoubleHashH(concat[:])
}

// CalcMerkleRoot computes the merkle root over the hashes of the given
// transactions. A level with an odd number of nodes duplicates its last
// node, so callers validating a block must additionally reject duplicate
// trailing transactions to rule out mutated blocks.
func CalcMerkleRoot(txns []*Tx) chainhash.Hash {
	if len(txns) == 0 {
		return chainhash.Hash{}
	}

	level := make([]chainhash.Hash, len(txns))
	for i, tx := range txns {
		level[i] = tx.TxHash()
	}

	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}

		next := make([]chainhash.Hash, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = hashMerkleBranches(
				&level[i], &level[i+1],
			)
		}

		level = next
	}

	return level[0]
}
