package chain

import (
	"bytes"
	"io"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// blockHeaderSize is the serialized size of a block header: version,
// previous block hash, merkle root, commitment root, timestamp, bits, and
// nonce.
const blockHeaderSize = 4 + chainhash.HashSize*3 + 8 + 4 + 8

// BlockHeader commits to the contents and chain position of a block.
type BlockHeader struct {
	// Version signals which validity rules the block was produced
	// under.
	Version int32

	// PrevBlock is the hash of the parent block.
	PrevBlock chainhash.Hash

	// MerkleRoot is the root of the merkle tree over the transaction
	// hashes.
	MerkleRoot chainhash.Hash

	// CommitmentRoot is the root of the shielded note commitment tree
	// after applying this block.
	CommitmentRoot chainhash.Hash

	// Timestamp is the miner-reported block time.
	Timestamp time.Time

	// Bits is the compact representation of the proof-of-work target
	// this block claims to meet.
	Bits uint32

	// Nonce is the proof-of-work solution.
	Nonce uint64
}

// BlockHash computes the hash of the block header, which identifies the
// block.
func (h *BlockHeader) BlockHash() chainhash.Hash {
	var buf bytes.Buffer
	buf.Grow(blockHeaderSize)

	// Serializing a header into a bytes.Buffer cannot fail.
	_ = h.Serialize(&buf)

	return chainhash.DoubleHashH(buf.Bytes())
}

// Serialize encodes the header into w.
func (h *BlockHeader) Serialize(w io.Writer) error {
	return WriteElements(
		w, h.Version, h.PrevBlock, h.MerkleRoot, h.CommitmentRoot,
		h.Timestamp, h.Bits, h.Nonce,
	)
}

// Deserialize decodes a header from r.
func (h *BlockHeader) Deserialize(r io.Reader) error {
	return ReadElements(
		r, &h.Version, &h.PrevBlock, &h.MerkleRoot,
		&h.CommitmentRoot, &h.Timestamp, &h.Bits, &h.Nonce,
	)
}

// Block is a header plus an ordered list of transactions. Blocks are
// immutable once constructed.
type Block struct {
	Header BlockHeader

	Transactions []*Tx
}

// BlockHash returns the hash identifying the block.
func (b *Block) BlockHash() chainhash.Hash {
	return b.Header.BlockHash()
}

// SerializeSize returns the number of bytes Serialize will produce.
func (b *Block) SerializeSize() int {
	size := blockHeaderSize +
		wire.VarIntSerializeSize(uint64(len(b.Transactions)))

	for _, tx := range b.Transactions {
		size += tx.SerializeSize()
	}

	return size
}

// Serialize encodes the block into w.
func (b *Block) Serialize(w io.Writer) error {
	if err := b.Header.Serialize(w); err != nil {
		return err
	}

	err := wire.WriteVarInt(w, 0, uint64(len(b.Transactions)))
	if err != nil {
		return err
	}

	for _, tx := range b.Transactions {
		if err := tx.Serialize(w); err != nil {
			return err
		}
	}

	return nil
}

// Deserialize decodes a block from r.
func (b *Block) Deserialize(r io.Reader) error {
	if err := b.Header.Deserialize(r); err != nil {
		return err
	}

	numTxns, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return err
	}

	if numTxns > 0 {
		b.Transactions = make([]*Tx, 0, numTxns)
	}
	for i := uint64(0); i < numTxns; i++ {
		tx := &Tx{}
		if err := tx.Deserialize(r); err != nil {
			return err
		}

		b.Transactions = append(b.Transactions, tx)
	}

	return nil
}
