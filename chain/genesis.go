package chain

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// EmptyCommitmentRoot is the root of the shielded note commitment tree
// before any outputs exist.
var EmptyCommitmentRoot = *chainhash.TaggedHash(
	[]byte("CinderEmptyTree"), nil,
)

// newGenesisBlock assembles a genesis block with a single coinbase paying
// the base subsidy to a provably unspendable output. Genesis blocks are
// accepted by identity, never validated, so the nonce carries no work.
func newGenesisBlock(timestamp time.Time, bits uint32,
	nonce uint64) Block {

	coinbase := &Tx{
		Transparent: &wire.MsgTx{
			Version: 1,
			TxIn: []*wire.TxIn{{
				PreviousOutPoint: wire.OutPoint{
					Index: wire.MaxPrevOutIndex,
				},
				SignatureScript: []byte("cinder genesis"),
				Sequence:        wire.MaxTxInSequenceNum,
			}},
			TxOut: []*wire.TxOut{{
				Value:    int64(12_5000_0000),
				PkScript: []byte{txscript.OP_RETURN},
			}},
		},
	}

	block := Block{
		Header: BlockHeader{
			Version:        1,
			CommitmentRoot: EmptyCommitmentRoot,
			Timestamp:      timestamp,
			Bits:           bits,
			Nonce:          nonce,
		},
		Transactions: []*Tx{coinbase},
	}
	block.Header.MerkleRoot = CalcMerkleRoot(block.Transactions)

	return block
}

var (
	mainNetGenesisBlock = newGenesisBlock(
		time.Unix(1719792000, 0), 0x1f07ffff, 0,
	)
	mainNetGenesisHash = mainNetGenesisBlock.BlockHash()

	regressionNetGenesisBlock = newGenesisBlock(
		time.Unix(1719792000, 0), 0x207fffff, 1,
	)
	regressionNetGenesisHash = regressionNetGenesisBlock.BlockHash()
)
