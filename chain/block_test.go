package chain

import (
	"bytes"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// testTx returns a transaction with both a transparent half and a shielded
// bundle, so round trips exercise every field.
func testTx(t *testing.T) *Tx {
	t.Helper()

	msgTx := wire.NewMsgTx(wire.TxVersion)
	prevHash, err := chainhash.NewHashFromStr(
		"2d04b3e8c439d1ec097b3f93b9da4909f0525f4f4c1ab5ce53305f6daf" +
			"c09d43",
	)
	require.NoError(t, err)

	msgTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: *prevHash, Index: 1},
		SignatureScript:  []byte{txscript.OP_TRUE},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	msgTx.AddTxOut(&wire.TxOut{
		Value:    50_000_000,
		PkScript: []byte{txscript.OP_TRUE},
	})

	spend := &SpendDescription{}
	copy(spend.Nullifier[:], bytes.Repeat([]byte{0xaa}, NullifierSize))
	copy(spend.Anchor[:], bytes.Repeat([]byte{0xbb}, chainhash.HashSize))
	copy(spend.RandomizedKey[:], bytes.Repeat([]byte{0xcc}, 4))
	copy(spend.Proof[:], bytes.Repeat([]byte{0xdd}, 8))

	output := &OutputDescription{}
	copy(output.Commitment[:], bytes.Repeat([]byte{0xee}, 16))
	copy(output.EphemeralKey[:], bytes.Repeat([]byte{0x11}, 4))
	copy(output.Proof[:], bytes.Repeat([]byte{0x22}, 8))

	tx := &Tx{
		Transparent:     msgTx,
		ExpiryHeight:    1_000,
		ShieldedSpends:  []*SpendDescription{spend},
		ShieldedOutputs: []*OutputDescription{output},
		ValueBalance:    btcutil.Amount(-25_000_000),
	}
	copy(tx.BindingKey[:], bytes.Repeat([]byte{0x33}, 4))
	copy(tx.BindingSig[:], bytes.Repeat([]byte{0x44}, 8))

	return tx
}

// TestTxSerializationRoundTrip asserts that a fully populated transaction
// survives encode/decode and that SerializeSize matches the encoding.
func TestTxSerializationRoundTrip(t *testing.T) {
	t.Parallel()

	tx := testTx(t)

	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))
	require.Equal(t, tx.SerializeSize(), buf.Len())

	var decoded Tx
	require.NoError(t, decoded.Deserialize(&buf))
	require.Equal(t, tx, &decoded)
	require.Equal(t, tx.TxHash(), decoded.TxHash())
}

// TestTxHashCommitsToShieldedBundle asserts that mutating the shielded
// bundle changes the transaction hash.
func TestTxHashCommitsToShieldedBundle(t *testing.T) {
	t.Parallel()

	tx := testTx(t)
	origHash := tx.TxHash()

	tx.ShieldedSpends[0].Nullifier[0] ^= 0x01
	require.NotEqual(t, origHash, tx.TxHash())
}

// TestBlockSerializationRoundTrip asserts that a block with multiple
// transactions survives encode/decode.
func TestBlockSerializationRoundTrip(t *testing.T) {
	t.Parallel()

	tx := testTx(t)
	block := &Block{
		Header: BlockHeader{
			Version:   1,
			Timestamp: time.Unix(1_700_000_000, 0),
			Bits:      0x207fffff,
			Nonce:     42,
		},
		Transactions: []*Tx{tx},
	}
	copy(block.Header.PrevBlock[:], bytes.Repeat([]byte{0x55}, 8))
	block.Header.MerkleRoot = CalcMerkleRoot(block.Transactions)
	block.Header.CommitmentRoot = EmptyCommitmentRoot

	var buf bytes.Buffer
	require.NoError(t, block.Serialize(&buf))
	require.Equal(t, block.SerializeSize(), buf.Len())

	var decoded Block
	require.NoError(t, decoded.Deserialize(&buf))
	require.Equal(t, block.BlockHash(), decoded.BlockHash())
	require.Equal(t, block, &decoded)
}

// TestCalcMerkleRoot asserts the duplicate-last rule: a two-tx tree and the
// same tree with the trailing tx duplicated produce the same root, which is
// exactly the mutation the block verifier must reject at a higher level.
func TestCalcMerkleRoot(t *testing.T) {
	t.Parallel()

	tx1 := testTx(t)
	tx2 := testTx(t)
	tx2.ExpiryHeight = 2_000

	single := CalcMerkleRoot([]*Tx{tx1})
	require.Equal(t, tx1.TxHash(), single)

	pair := CalcMerkleRoot([]*Tx{tx1, tx2})
	require.NotEqual(t, single, pair)

	mutated := CalcMerkleRoot([]*Tx{tx1, tx2, tx2})
	require.Equal(t, pair, mutated)
}

// TestBlockSubsidy asserts the halving schedule.
func TestBlockSubsidy(t *testing.T) {
	t.Parallel()

	params := &RegressionNetParams
	interval := params.SubsidyHalvingInterval

	require.Equal(t, params.BaseSubsidy, BlockSubsidy(0, params))
	require.Equal(
		t, params.BaseSubsidy, BlockSubsidy(interval-1, params),
	)
	require.Equal(
		t, params.BaseSubsidy/2, BlockSubsidy(interval, params),
	)
	require.Equal(
		t, params.BaseSubsidy/4, BlockSubsidy(2*interval, params),
	)

	// Far beyond the last halving the subsidy is zero.
	require.Equal(
		t, btcutil.Amount(0), BlockSubsidy(interval*64, params),
	)
}

// TestGenesisBlocks asserts the genesis blocks are internally consistent.
func TestGenesisBlocks(t *testing.T) {
	t.Parallel()

	for _, params := range []*Params{
		&MainNetParams, &RegressionNetParams,
	} {
		genesis := params.GenesisBlock
		require.Len(t, genesis.Transactions, 1)
		require.True(t, genesis.Transactions[0].IsCoinBase())
		require.Equal(
			t, CalcMerkleRoot(genesis.Transactions),
			genesis.Header.MerkleRoot,
		)
		require.Equal(t, params.GenesisHash, genesis.BlockHash())
	}
}
