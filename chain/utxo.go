package chain

import (
	"io"

	"github.com/btcsuite/btcd/btcutil"
)

// UTXO describes a spendable transparent output together with the metadata
// the contextual validity rules need: the height it was created at and
// whether it came from a coinbase (and is therefore maturity gated).
type UTXO struct {
	// Value is the amount the output carries.
	Value btcutil.Amount

	// PkScript is the spending condition.
	PkScript []byte

	// Height is the block height the output was created at.
	Height uint32

	// Coinbase marks outputs of coinbase transactions.
	Coinbase bool
}

// Serialize encodes the record into w.
func (u *UTXO) Serialize(w io.Writer) error {
	return WriteElements(w, u.Value, u.PkScript, u.Height, u.Coinbase)
}

// Deserialize decodes a record from r.
func (u *UTXO) Deserialize(r io.Reader) error {
	return ReadElements(r, &u.Value, &u.PkScript, &u.Height, &u.Coinbase)
}
