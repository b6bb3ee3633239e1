package chain

import (
	"bytes"
	"encoding/hex"
	"io"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// ShieldedKeySize is the size of a compressed shielded verification
	// key (a BLS12-381 G1 point).
	ShieldedKeySize = 48

	// ShieldedProofSize is the size of a compressed shielded proof (a
	// BLS12-381 G2 point).
	ShieldedProofSize = 96

	// NullifierSize is the size of a shielded spend nullifier.
	NullifierSize = 32
)

var (
	// spendDigestTag is the domain separation tag committing a spend
	// proof to its enclosing transaction and public inputs.
	spendDigestTag = []byte("CinderSpendStatement")

	// outputDigestTag is the domain separation tag for output proofs.
	outputDigestTag = []byte("CinderOutputStatement")

	// bindingDigestTag is the domain separation tag for the transaction
	// binding signature.
	bindingDigestTag = []byte("CinderBindingSig")

	// stmtHashTag is the domain separation tag for the transaction
	// statement hash the shielded proofs commit to.
	stmtHashTag = []byte("CinderTxStatement")
)

// Nullifier is the one-time marker revealed when a shielded note is spent.
// Two transactions revealing the same nullifier on one branch constitute a
// shielded double spend.
type Nullifier [NullifierSize]byte

// String returns the nullifier as a hex string.
func (n Nullifier) String() string {
	return hex.EncodeToString(n[:])
}

// SpendDescription consumes a shielded note. The proof demonstrates, under
// the randomized verification key, that the spender knows a note in the
// commitment tree with root Anchor whose nullifier is Nullifier.
type SpendDescription struct {
	// Nullifier is revealed by this spend exactly once, chain wide.
	Nullifier Nullifier

	// Anchor is the note commitment tree root the spend witnesses
	// membership against.
	Anchor chainhash.Hash

	// RandomizedKey is the re-randomized verification key the proof is
	// checked under.
	RandomizedKey [ShieldedKeySize]byte

	// Proof attests to the validity of the spend statement.
	Proof [ShieldedProofSize]byte
}

// StatementDigest returns the message the spend proof is verified against.
// It commits to the enclosing transaction's statement hash and all public
// inputs of the spend. The statement hash, not the txid, is used because
// the txid itself covers the proof bytes.
func (sd *SpendDescription) StatementDigest(stmtHash chainhash.Hash) []byte {
	digest := chainhash.TaggedHash(
		spendDigestTag, stmtHash[:], sd.Nullifier[:], sd.Anchor[:],
		sd.RandomizedKey[:],
	)

	return digest[:]
}

// OutputDescription adds a new note commitment to the shielded pool.
type OutputDescription struct {
	// Commitment is the note commitment added to the tree.
	Commitment chainhash.Hash

	// EphemeralKey is the key the output proof is checked under.
	EphemeralKey [ShieldedKeySize]byte

	// Proof attests that the commitment is well formed.
	Proof [ShieldedProofSize]byte
}

// StatementDigest returns the message the output proof is verified against.
func (od *OutputDescription) StatementDigest(
	stmtHash chainhash.Hash) []byte {

	digest := chainhash.TaggedHash(
		outputDigestTag, stmtHash[:], od.Commitment[:],
		od.EphemeralKey[:],
	)

	return digest[:]
}

// Tx is a Cinder transaction: a Bitcoin-style transparent half plus an
// optional shielded bundle. A Tx is immutable once constructed; none of the
// verifiers mutate it.
type Tx struct {
	// Transparent carries the transparent inputs, outputs, and lock
	// time.
	Transparent *wire.MsgTx

	// ExpiryHeight is the last block height at which this transaction
	// may be mined. Zero means no expiry.
	ExpiryHeight uint32

	// ShieldedSpends consume shielded notes.
	ShieldedSpends []*SpendDescription

	// ShieldedOutputs create shielded notes.
	ShieldedOutputs []*OutputDescription

	// ValueBalance is the net value flowing out of the shielded pool.
	// A positive balance funds transparent outputs, a negative balance
	// shields transparent value.
	ValueBalance btcutil.Amount

	// BindingKey is the verification key of the binding signature,
	// committing the shielded value commitments to ValueBalance.
	BindingKey [ShieldedKeySize]byte

	// BindingSig binds the shielded bundle to the transaction.
	BindingSig [ShieldedProofSize]byte
}

// HasShieldedData reports whether the transaction carries any shielded
// spends or outputs.
func (t *Tx) HasShieldedData() bool {
	return len(t.ShieldedSpends) > 0 || len(t.ShieldedOutputs) > 0
}

// IsCoinBase reports whether the transaction is a coinbase. Coinbase
// transactions have a single transparent input with a null previous
// outpoint and may not carry shielded data.
func (t *Tx) IsCoinBase() bool {
	return blockchain.IsCoinBaseTx(t.Transparent)
}

// BindingDigest returns the message the binding signature is verified
// against.
func (t *Tx) BindingDigest(stmtHash chainhash.Hash) []byte {
	digest := chainhash.TaggedHash(bindingDigestTag, stmtHash[:])

	return digest[:]
}

// StatementHash is the transaction commitment the shielded proofs and the
// binding signature attest to. It covers everything the txid covers except
// the proofs and the binding signature themselves, since those cannot sign
// a hash they are part of.
func (t *Tx) StatementHash() chainhash.Hash {
	var buf bytes.Buffer
	buf.Grow(t.SerializeSize())

	_ = t.Transparent.Serialize(&buf)
	_ = WriteElements(&buf, t.ExpiryHeight, t.ValueBalance)

	for _, sd := range t.ShieldedSpends {
		_ = WriteElements(
			&buf, sd.Nullifier, sd.Anchor, sd.RandomizedKey,
		)
	}
	for _, od := range t.ShieldedOutputs {
		_ = WriteElements(&buf, od.Commitment, od.EphemeralKey)
	}
	_ = WriteElements(&buf, t.BindingKey)

	return *chainhash.TaggedHash(stmtHashTag, buf.Bytes())
}

// TxHash computes the hash of the transaction, committing to both the
// transparent half and the shielded bundle.
func (t *Tx) TxHash() chainhash.Hash {
	var buf bytes.Buffer
	buf.Grow(t.SerializeSize())

	// Serialization of a well-formed tx into a bytes.Buffer cannot
	// fail.
	_ = t.Serialize(&buf)

	return chainhash.DoubleHashH(buf.Bytes())
}

// SerializeSize returns the number of bytes Serialize will produce.
func (t *Tx) SerializeSize() int {
	size := t.Transparent.SerializeSize()

	// ExpiryHeight and ValueBalance.
	size += 4 + 8

	size += wire.VarIntSerializeSize(uint64(len(t.ShieldedSpends)))
	size += len(t.ShieldedSpends) *
		(NullifierSize + chainhash.HashSize + ShieldedKeySize +
			ShieldedProofSize)

	size += wire.VarIntSerializeSize(uint64(len(t.ShieldedOutputs)))
	size += len(t.ShieldedOutputs) *
		(chainhash.HashSize + ShieldedKeySize + ShieldedProofSize)

	// BindingKey and BindingSig.
	size += ShieldedKeySize + ShieldedProofSize

	return size
}

// Serialize encodes the transaction into w.
func (t *Tx) Serialize(w io.Writer) error {
	if err := t.Transparent.Serialize(w); err != nil {
		return err
	}

	err := WriteElements(w, t.ExpiryHeight, t.ValueBalance)
	if err != nil {
		return err
	}

	err = wire.WriteVarInt(w, 0, uint64(len(t.ShieldedSpends)))
	if err != nil {
		return err
	}

	for _, sd := range t.ShieldedSpends {
		err := WriteElements(
			w, sd.Nullifier, sd.Anchor, sd.RandomizedKey,
			sd.Proof,
		)
		if err != nil {
			return err
		}
	}

	err = wire.WriteVarInt(w, 0, uint64(len(t.ShieldedOutputs)))
	if err != nil {
		return err
	}

	for _, od := range t.ShieldedOutputs {
		err := WriteElements(
			w, od.Commitment, od.EphemeralKey, od.Proof,
		)
		if err != nil {
			return err
		}
	}

	return WriteElements(w, t.BindingKey, t.BindingSig)
}

// Deserialize decodes a transaction from r.
func (t *Tx) Deserialize(r io.Reader) error {
	t.Transparent = &wire.MsgTx{}
	if err := t.Transparent.Deserialize(r); err != nil {
		return err
	}

	err := ReadElements(r, &t.ExpiryHeight, &t.ValueBalance)
	if err != nil {
		return err
	}

	numSpends, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return err
	}

	if numSpends > 0 {
		t.ShieldedSpends = make([]*SpendDescription, 0, numSpends)
	}
	for i := uint64(0); i < numSpends; i++ {
		sd := &SpendDescription{}
		err := ReadElements(
			r, &sd.Nullifier, &sd.Anchor, &sd.RandomizedKey,
			&sd.Proof,
		)
		if err != nil {
			return err
		}

		t.ShieldedSpends = append(t.ShieldedSpends, sd)
	}

	numOutputs, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return err
	}

	if numOutputs > 0 {
		t.ShieldedOutputs = make([]*OutputDescription, 0, numOutputs)
	}
	for i := uint64(0); i < numOutputs; i++ {
		od := &OutputDescription{}
		err := ReadElements(
			r, &od.Commitment, &od.EphemeralKey, &od.Proof,
		)
		if err != nil {
			return err
		}

		t.ShieldedOutputs = append(t.ShieldedOutputs, od)
	}

	return ReadElements(r, &t.BindingKey, &t.BindingSig)
}
