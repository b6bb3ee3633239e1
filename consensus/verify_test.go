package consensus

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/cinderchain/cinderd/batchverify"
	"github.com/cinderchain/cinderd/chain"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
	blst "github.com/supranational/blst/bindings/go"
)

var (
	// testTime anchors every timestamp in these tests.
	testTime = time.Unix(1_700_000_000, 0)

	// anyoneCanSpend is the pkScript used for all transparent outputs.
	anyoneCanSpend = []byte{txscript.OP_TRUE}
)

// shieldedSigner produces shielded proofs for a fixed key.
type shieldedSigner struct {
	sk  *blst.SecretKey
	key [chain.ShieldedKeySize]byte
}

func newShieldedSigner(t *testing.T, seed byte) *shieldedSigner {
	t.Helper()

	sk := blst.KeyGen(bytes.Repeat([]byte{seed}, 32))
	require.NotNil(t, sk)

	signer := &shieldedSigner{sk: sk}
	copy(signer.key[:], new(blst.P1Affine).From(sk).Compress())

	return signer
}

func (s *shieldedSigner) prove(kind batchverify.CheckKind,
	msg []byte) [chain.ShieldedProofSize]byte {

	sig := new(blst.P2Affine).Sign(s.sk, msg, kind.DomainTag())

	var proof [chain.ShieldedProofSize]byte
	copy(proof[:], sig.Compress())

	return proof
}

// mockChainCtx is a canned branch snapshot.
type mockChainCtx struct {
	height     uint32
	bits       uint32
	mtp        time.Time
	utxos      map[wire.OutPoint]chain.UTXO
	nullifiers map[chain.Nullifier]struct{}
}

func (m *mockChainCtx) Height() uint32            { return m.height }
func (m *mockChainCtx) RequiredBits() uint32      { return m.bits }
func (m *mockChainCtx) MedianTimePast() time.Time { return m.mtp }

func (m *mockChainCtx) FetchUTXO(op wire.OutPoint) (chain.UTXO, bool) {
	utxo, ok := m.utxos[op]
	return utxo, ok
}

func (m *mockChainCtx) NullifierSeen(nf chain.Nullifier) bool {
	_, ok := m.nullifiers[nf]
	return ok
}

// newMockChainCtx returns a regtest context at the given height with one
// spendable non-coinbase output, returned alongside.
func newMockChainCtx(height uint32) (*mockChainCtx, wire.OutPoint) {
	fundingOp := wire.OutPoint{
		Hash:  chainhash.DoubleHashH([]byte("funding")),
		Index: 0,
	}

	return &mockChainCtx{
		height: height,
		bits:   chain.RegressionNetParams.PowLimitBits,
		mtp:    testTime,
		utxos: map[wire.OutPoint]chain.UTXO{
			fundingOp: {
				Value:    1_0000_0000,
				PkScript: anyoneCanSpend,
				Height:   1,
			},
		},
		nullifiers: make(map[chain.Nullifier]struct{}),
	}, fundingOp
}

// testHarness wires a tx and block verifier over a running batch
// scheduler.
type testHarness struct {
	params *chain.Params
	clock  *clock.TestClock

	txVerifier    *TxVerifier
	blockVerifier *BlockVerifier
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	return newTestHarnessWithParams(t, &chain.RegressionNetParams)
}

func newTestHarnessWithParams(t *testing.T,
	params *chain.Params) *testHarness {

	t.Helper()

	batch := batchverify.NewScheduler(batchverify.Config{
		MaxBatchSize: 16,
		FlushTicker:  ticker.New(5 * time.Millisecond),
	})
	require.NoError(t, batch.Start())
	t.Cleanup(func() {
		require.NoError(t, batch.Stop())
	})

	clk := clock.NewTestClock(testTime.Add(time.Minute))

	txVerifier := NewTxVerifier(TxVerifierConfig{
		Params: params,
		Batch:  batch,
	})

	return &testHarness{
		params: params,
		clock:  clk,
		txVerifier: txVerifier,
		blockVerifier: NewBlockVerifier(BlockVerifierConfig{
			Params:     params,
			TxVerifier: txVerifier,
			Clock:      clk,
		}),
	}
}

// spendTx builds a transaction spending the given outpoint to an
// anyone-can-spend output of the given value.
func spendTx(op wire.OutPoint, value int64) *chain.Tx {
	msgTx := wire.NewMsgTx(wire.TxVersion)
	msgTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: op,
		Sequence:         wire.MaxTxInSequenceNum,
	})
	msgTx.AddTxOut(&wire.TxOut{
		Value:    value,
		PkScript: anyoneCanSpend,
	})

	return &chain.Tx{Transparent: msgTx}
}

// shieldedTx builds a fully proven transaction moving value out of the
// shielded pool: one spend, one output, and a binding signature.
func shieldedTx(t *testing.T, valueBalance btcutil.Amount) *chain.Tx {
	t.Helper()

	spendSigner := newShieldedSigner(t, 0x51)
	outputSigner := newShieldedSigner(t, 0x52)
	bindingSigner := newShieldedSigner(t, 0x53)

	spend := &chain.SpendDescription{
		Anchor:        chainhash.DoubleHashH([]byte("anchor")),
		RandomizedKey: spendSigner.key,
	}
	copy(spend.Nullifier[:], bytes.Repeat([]byte{0x61}, 32))

	output := &chain.OutputDescription{
		Commitment:   chainhash.DoubleHashH([]byte("note")),
		EphemeralKey: outputSigner.key,
	}

	msgTx := wire.NewMsgTx(wire.TxVersion)
	msgTx.AddTxOut(&wire.TxOut{
		Value:    int64(valueBalance) / 2,
		PkScript: anyoneCanSpend,
	})

	tx := &chain.Tx{
		Transparent:     msgTx,
		ShieldedSpends:  []*chain.SpendDescription{spend},
		ShieldedOutputs: []*chain.OutputDescription{output},
		ValueBalance:    valueBalance,
		BindingKey:      bindingSigner.key,
	}

	stmtHash := tx.StatementHash()
	spend.Proof = spendSigner.prove(
		batchverify.KindSpendProof, spend.StatementDigest(stmtHash),
	)
	output.Proof = outputSigner.prove(
		batchverify.KindOutputProof, output.StatementDigest(stmtHash),
	)
	tx.BindingSig = bindingSigner.prove(
		batchverify.KindBindingSig, tx.BindingDigest(stmtHash),
	)

	return tx
}

// coinbaseTx builds a coinbase paying the given amount.
func coinbaseTx(height uint32, value btcutil.Amount) *chain.Tx {
	msgTx := wire.NewMsgTx(wire.TxVersion)
	msgTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Index: wire.MaxPrevOutIndex,
		},
		SignatureScript: []byte{0x04, byte(height), 0x00, 0x00},
		Sequence:        wire.MaxTxInSequenceNum,
	})
	msgTx.AddTxOut(&wire.TxOut{
		Value:    int64(value),
		PkScript: anyoneCanSpend,
	})

	return &chain.Tx{Transparent: msgTx}
}

// makeBlock assembles a solved block at the context's position from the
// given non-coinbase transactions, with the coinbase paying exactly the
// subsidy plus fees.
func (h *testHarness) makeBlock(t *testing.T, cctx *mockChainCtx,
	fees btcutil.Amount, txns ...*chain.Tx) *chain.Block {

	t.Helper()

	subsidy := chain.BlockSubsidy(cctx.height, h.params)
	all := append(
		[]*chain.Tx{coinbaseTx(cctx.height, subsidy + fees)},
		txns...,
	)

	block := &chain.Block{
		Header: chain.BlockHeader{
			Version:        1,
			PrevBlock:      chainhash.DoubleHashH([]byte("prev")),
			MerkleRoot:     chain.CalcMerkleRoot(all),
			CommitmentRoot: chain.EmptyCommitmentRoot,
			Timestamp:      testTime.Add(time.Minute),
			Bits:           cctx.bits,
		},
		Transactions: all,
	}
	solveBlock(t, block)

	return block
}

// solveBlock iterates the nonce until the header hash meets its own
// claimed target. Trivial under the regtest proof-of-work limit.
func solveBlock(t *testing.T, block *chain.Block) {
	t.Helper()

	target := blockchain.CompactToBig(block.Header.Bits)
	for nonce := uint64(0); nonce < 1<<20; nonce++ {
		block.Header.Nonce = nonce

		hash := block.BlockHash()
		if blockchain.HashToBig(&hash).Cmp(target) <= 0 {
			return
		}
	}

	t.Fatal("unable to solve block")
}

// unsolveBlock iterates the nonce until the header hash fails its claimed
// target.
func unsolveBlock(t *testing.T, block *chain.Block) {
	t.Helper()

	target := blockchain.CompactToBig(block.Header.Bits)
	for nonce := uint64(0); nonce < 1<<20; nonce++ {
		block.Header.Nonce = nonce

		hash := block.BlockHash()
		if blockchain.HashToBig(&hash).Cmp(target) > 0 {
			return
		}
	}

	t.Fatal("unable to find a non-solving nonce")
}

// TestVerifyTxTransparent asserts the happy path of a purely transparent
// spend and the fee it reports.
func TestVerifyTxTransparent(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	cctx, fundingOp := newMockChainCtx(100)

	tx := spendTx(fundingOp, 9000_0000)

	fee, err := h.txVerifier.VerifyTx(
		context.Background(), tx, cctx, cctx.height,
	)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(1000_0000), fee)
}

// TestVerifyTxSignature asserts that a real pay-to-pubkey spend passes
// the script engine, and that a signature by the wrong key is classified
// as a signature defect rather than a generic script failure.
func TestVerifyTxSignature(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	cctx, fundingOp := newMockChainCtx(100)

	ownerKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	pkScript, err := txscript.NewScriptBuilder().
		AddData(ownerKey.PubKey().SerializeCompressed()).
		AddOp(txscript.OP_CHECKSIG).Script()
	require.NoError(t, err)

	utxo := cctx.utxos[fundingOp]
	utxo.PkScript = pkScript
	cctx.utxos[fundingOp] = utxo

	tx := spendTx(fundingOp, 9000_0000)

	sign := func(key *btcec.PrivateKey) {
		sig, err := txscript.RawTxInSignature(
			tx.Transparent, 0, pkScript, txscript.SigHashAll, key,
		)
		require.NoError(t, err)

		sigScript, err := txscript.NewScriptBuilder().
			AddData(sig).Script()
		require.NoError(t, err)

		tx.Transparent.TxIn[0].SignatureScript = sigScript
	}

	sign(ownerKey)
	fee, err := h.txVerifier.VerifyTx(
		context.Background(), tx, cctx, cctx.height,
	)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(1000_0000), fee)

	// A well-formed signature by the wrong key.
	thiefKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	sign(thiefKey)
	_, err = h.txVerifier.VerifyTx(
		context.Background(), tx, cctx, cctx.height,
	)
	require.True(t, IsRuleErrorCode(err, ErrSignatureInvalid))

	// An empty signature fails CHECKSIG without tripping NULLFAIL.
	tx.Transparent.TxIn[0].SignatureScript = nil
	_, err = h.txVerifier.VerifyTx(
		context.Background(), tx, cctx, cctx.height,
	)
	require.True(t, IsRuleErrorCode(err, ErrScriptFailure))
}

// TestMapScriptError asserts the classification of script engine failures
// into the error taxonomy: signature defects versus general script
// failures.
func TestMapScriptError(t *testing.T) {
	t.Parallel()

	sigCodes := []txscript.ErrorCode{
		txscript.ErrNullFail, txscript.ErrInvalidSigHashType,
		txscript.ErrSigTooShort, txscript.ErrSigTooLong,
		txscript.ErrSigHighS,
	}
	for _, code := range sigCodes {
		err := mapScriptError(0, txscript.Error{ErrorCode: code})
		require.True(
			t, IsRuleErrorCode(err, ErrSignatureInvalid),
			"code %v", code,
		)
	}

	err := mapScriptError(
		1, txscript.Error{
			ErrorCode: txscript.ErrInvalidStackOperation,
		},
	)
	require.True(t, IsRuleErrorCode(err, ErrScriptFailure))

	// Engine construction failures carry no script error code at all.
	err = mapScriptError(0, errors.New("engine failure"))
	require.True(t, IsRuleErrorCode(err, ErrScriptFailure))
}

// TestVerifyTxMissingInput asserts that spending an unknown or spent
// output is a double spend.
func TestVerifyTxMissingInput(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	cctx, _ := newMockChainCtx(100)

	missing := wire.OutPoint{
		Hash: chainhash.DoubleHashH([]byte("missing")),
	}
	tx := spendTx(missing, 1000)

	_, err := h.txVerifier.VerifyTx(
		context.Background(), tx, cctx, cctx.height,
	)
	require.True(t, IsRuleErrorCode(err, ErrDoubleSpend))
}

// TestVerifyTxImmatureCoinbaseSpend asserts the coinbase maturity rule.
func TestVerifyTxImmatureCoinbaseSpend(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	cctx, fundingOp := newMockChainCtx(100)

	utxo := cctx.utxos[fundingOp]
	utxo.Coinbase = true
	utxo.Height = cctx.height - h.params.CoinbaseMaturity + 1
	cctx.utxos[fundingOp] = utxo

	tx := spendTx(fundingOp, 1000)

	_, err := h.txVerifier.VerifyTx(
		context.Background(), tx, cctx, cctx.height,
	)
	require.True(t, IsRuleErrorCode(err, ErrImmatureSpend))

	// One block deeper the spend matures.
	_, err = h.txVerifier.VerifyTx(
		context.Background(), tx, cctx, cctx.height+1,
	)
	require.NoError(t, err)
}

// TestVerifyTxValueImbalance asserts that outputs exceeding inputs plus
// value balance are rejected.
func TestVerifyTxValueImbalance(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	cctx, fundingOp := newMockChainCtx(100)

	funding := cctx.utxos[fundingOp]
	tx := spendTx(fundingOp, int64(funding.Value)+1)

	_, err := h.txVerifier.VerifyTx(
		context.Background(), tx, cctx, cctx.height,
	)
	require.True(t, IsRuleErrorCode(err, ErrValueImbalance))
}

// TestVerifyTxExpired asserts the expiry height rule.
func TestVerifyTxExpired(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	cctx, fundingOp := newMockChainCtx(100)

	tx := spendTx(fundingOp, 1000)
	tx.ExpiryHeight = cctx.height - 1

	_, err := h.txVerifier.VerifyTx(
		context.Background(), tx, cctx, cctx.height,
	)
	require.True(t, IsRuleErrorCode(err, ErrTxExpired))
}

// TestVerifyTxShieldedNotActive asserts that shielded bundles are rejected
// below the activation height.
func TestVerifyTxShieldedNotActive(t *testing.T) {
	t.Parallel()

	params := chain.RegressionNetParams
	params.ShieldedActivationHeight = 1_000

	h := newTestHarnessWithParams(t, &params)
	cctx, _ := newMockChainCtx(100)

	tx := shieldedTx(t, 5000)

	_, err := h.txVerifier.VerifyTx(
		context.Background(), tx, cctx, cctx.height,
	)
	require.True(t, IsRuleErrorCode(err, ErrShieldedNotActive))
}

// TestVerifyTxShielded asserts the happy path of a shielded transaction:
// all three proof kinds verify and the value balance funds the fee.
func TestVerifyTxShielded(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	cctx, _ := newMockChainCtx(100)

	const valueBalance = btcutil.Amount(10_000)
	tx := shieldedTx(t, valueBalance)

	fee, err := h.txVerifier.VerifyTx(
		context.Background(), tx, cctx, cctx.height,
	)
	require.NoError(t, err)

	// Half the value balance went to the transparent output, the rest
	// is fee.
	require.Equal(t, valueBalance/2, fee)
}

// TestVerifyTxShieldedBadProof asserts that a corrupted spend proof is a
// proof failure, not an operational error.
func TestVerifyTxShieldedBadProof(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	cctx, _ := newMockChainCtx(100)

	tx := shieldedTx(t, 10_000)

	// Re-prove the spend over the wrong statement.
	signer := newShieldedSigner(t, 0x51)
	tx.ShieldedSpends[0].Proof = signer.prove(
		batchverify.KindSpendProof, []byte("wrong statement"),
	)

	_, err := h.txVerifier.VerifyTx(
		context.Background(), tx, cctx, cctx.height,
	)
	require.True(t, IsRuleErrorCode(err, ErrProofInvalid))
}

// TestVerifyStandaloneRejectsCoinbase asserts mempool-style validation
// refuses coinbases.
func TestVerifyStandaloneRejectsCoinbase(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	cctx, _ := newMockChainCtx(100)

	_, err := h.txVerifier.VerifyStandalone(
		context.Background(), coinbaseTx(100, 1000), cctx,
		cctx.height,
	)
	require.True(t, IsRuleErrorCode(err, ErrMalformedStructure))
}

// TestVerifyBlock asserts the happy path: a solved block with a
// transparent spend, a shielded transaction, and a chained in-block spend.
func TestVerifyBlock(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	cctx, fundingOp := newMockChainCtx(100)

	tx1 := spendTx(fundingOp, 9000_0000)
	tx2 := spendTx(
		wire.OutPoint{Hash: tx1.TxHash(), Index: 0}, 8000_0000,
	)
	tx3 := shieldedTx(t, 10_000)

	fees := btcutil.Amount(1000_0000 + 1000_0000 + 5_000)
	block := h.makeBlock(t, cctx, fees, tx1, tx2, tx3)

	err := h.blockVerifier.VerifyBlock(context.Background(), block, cctx)
	require.NoError(t, err)
}

// TestVerifyBlockMissingCoinbase asserts the leading-coinbase rule.
func TestVerifyBlockMissingCoinbase(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	cctx, fundingOp := newMockChainCtx(100)

	block := h.makeBlock(t, cctx, 0)
	block.Transactions = []*chain.Tx{spendTx(fundingOp, 1000)}
	block.Header.MerkleRoot = chain.CalcMerkleRoot(block.Transactions)
	solveBlock(t, block)

	err := h.blockVerifier.VerifyBlock(context.Background(), block, cctx)
	require.True(t, IsRuleErrorCode(err, ErrMissingCoinbase))
}

// TestVerifyBlockBadMerkleRoot asserts that a tampered transaction list is
// caught by the merkle commitment.
func TestVerifyBlockBadMerkleRoot(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	cctx, fundingOp := newMockChainCtx(100)

	block := h.makeBlock(t, cctx, 0)
	block.Transactions = append(
		block.Transactions, spendTx(fundingOp, 1000),
	)

	err := h.blockVerifier.VerifyBlock(context.Background(), block, cctx)
	require.True(t, IsRuleErrorCode(err, ErrBadMerkleRoot))
}

// TestVerifyBlockHeaderRules asserts the difficulty and timestamp header
// rules.
func TestVerifyBlockHeaderRules(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	ctx := context.Background()

	// Wrong claimed bits.
	cctx, _ := newMockChainCtx(100)
	block := h.makeBlock(t, cctx, 0)
	block.Header.Bits = cctx.bits - 1
	err := h.blockVerifier.VerifyBlock(ctx, block, cctx)
	require.True(t, IsRuleErrorCode(err, ErrBadDiffBits))

	// Hash above target.
	block = h.makeBlock(t, cctx, 0)
	unsolveBlock(t, block)
	err = h.blockVerifier.VerifyBlock(ctx, block, cctx)
	require.True(t, IsRuleErrorCode(err, ErrHighHash))

	// Timestamp not after median time past.
	block = h.makeBlock(t, cctx, 0)
	block.Header.Timestamp = cctx.mtp
	solveBlock(t, block)
	err = h.blockVerifier.VerifyBlock(ctx, block, cctx)
	require.True(t, IsRuleErrorCode(err, ErrTimeTooOld))

	// Timestamp too far in the future.
	block = h.makeBlock(t, cctx, 0)
	block.Header.Timestamp = h.clock.Now().Add(
		h.params.MaxTimeOffset + time.Second,
	)
	solveBlock(t, block)
	err = h.blockVerifier.VerifyBlock(ctx, block, cctx)
	require.True(t, IsRuleErrorCode(err, ErrTimeTooNew))
}

// TestVerifyBlockDoubleSpend asserts that two transactions spending the
// same output cannot share a block.
func TestVerifyBlockDoubleSpend(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	cctx, fundingOp := newMockChainCtx(100)

	tx1 := spendTx(fundingOp, 9000_0000)
	tx2 := spendTx(fundingOp, 8000_0000)
	block := h.makeBlock(t, cctx, 0, tx1, tx2)

	err := h.blockVerifier.VerifyBlock(context.Background(), block, cctx)
	require.True(t, IsRuleErrorCode(err, ErrDoubleSpend))
}

// TestVerifyBlockForwardSpend asserts that intra-block spends must respect
// transaction order.
func TestVerifyBlockForwardSpend(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	cctx, fundingOp := newMockChainCtx(100)

	tx1 := spendTx(fundingOp, 9000_0000)
	tx2 := spendTx(
		wire.OutPoint{Hash: tx1.TxHash(), Index: 0}, 8000_0000,
	)

	// tx2 before tx1: the spent output does not exist yet.
	block := h.makeBlock(t, cctx, 0, tx2, tx1)

	err := h.blockVerifier.VerifyBlock(context.Background(), block, cctx)
	require.True(t, IsRuleErrorCode(err, ErrDoubleSpend))
}

// TestVerifyBlockNullifierReuse asserts both reuse shapes: against the
// branch and within the block.
func TestVerifyBlockNullifierReuse(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	ctx := context.Background()

	// Nullifier already revealed on the branch.
	cctx, _ := newMockChainCtx(100)
	tx := shieldedTx(t, 10_000)
	cctx.nullifiers[tx.ShieldedSpends[0].Nullifier] = struct{}{}

	block := h.makeBlock(t, cctx, 5_000, tx)
	err := h.blockVerifier.VerifyBlock(ctx, block, cctx)
	require.True(t, IsRuleErrorCode(err, ErrNullifierReuse))

	// Same nullifier twice within one block.
	cctx, _ = newMockChainCtx(100)
	txA := shieldedTx(t, 10_000)
	txB := shieldedTx(t, 10_000)
	txB.ExpiryHeight = 500
	txB.ShieldedSpends[0].Nullifier = txA.ShieldedSpends[0].Nullifier

	block = h.makeBlock(t, cctx, 10_000, txA, txB)
	err = h.blockVerifier.VerifyBlock(ctx, block, cctx)
	require.True(t, IsRuleErrorCode(err, ErrNullifierReuse))
}

// TestVerifyBlockCoinbaseOverpays asserts the monetary policy bound.
func TestVerifyBlockCoinbaseOverpays(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	cctx, _ := newMockChainCtx(100)

	// Claim one satoshi more than subsidy plus fees.
	block := h.makeBlock(t, cctx, 1)

	err := h.blockVerifier.VerifyBlock(context.Background(), block, cctx)
	require.True(t, IsRuleErrorCode(err, ErrBadCoinbaseValue))
}
