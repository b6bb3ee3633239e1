package consensus

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/cinderchain/cinderd/batchverify"
	"github.com/cinderchain/cinderd/chain"
	"golang.org/x/sync/errgroup"
)

const (
	// minCoinbaseScriptLen and maxCoinbaseScriptLen bound the coinbase
	// signature script, which carries arbitrary miner data.
	minCoinbaseScriptLen = 2
	maxCoinbaseScriptLen = 100

	// defaultSigCacheSize is the number of script signature verification
	// results memoized across blocks.
	defaultSigCacheSize = 50_000
)

// UtxoView resolves transparent outpoints to unspent outputs as of a
// particular branch and position. Implementations must treat outputs
// already spent on that branch as absent.
type UtxoView interface {
	// FetchUTXO returns the output for the given outpoint if it exists
	// and is unspent in this view.
	FetchUTXO(op wire.OutPoint) (chain.UTXO, bool)
}

// TxVerifierConfig bundles the dependencies of a TxVerifier.
type TxVerifierConfig struct {
	// Params are the consensus parameters to verify against.
	Params *chain.Params

	// Batch is the scheduler all shielded proof and binding signature
	// checks are submitted to.
	Batch *batchverify.Scheduler

	// SigCache memoizes transparent script signature checks. If nil, a
	// cache of defaultSigCacheSize entries is created.
	SigCache *txscript.SigCache
}

// TxVerifier validates individual transactions. It holds no mutable state
// of its own; all buffering lives in the batch scheduler it feeds, so one
// verifier may be shared by any number of concurrent callers.
type TxVerifier struct {
	cfg TxVerifierConfig
}

// NewTxVerifier constructs a TxVerifier from the given config.
func NewTxVerifier(cfg TxVerifierConfig) *TxVerifier {
	if cfg.SigCache == nil {
		cfg.SigCache = txscript.NewSigCache(defaultSigCacheSize)
	}

	return &TxVerifier{cfg: cfg}
}

// VerifyStandalone validates a transaction outside any block, as the
// mempool does. It applies every VerifyTx rule and additionally rejects
// coinbase transactions, which are only meaningful inside a block.
func (v *TxVerifier) VerifyStandalone(ctx context.Context, tx *chain.Tx,
	view UtxoView, height uint32) (btcutil.Amount, error) {

	if tx.IsCoinBase() {
		return 0, ruleError(ErrMalformedStructure,
			"standalone coinbase transaction")
	}

	return v.VerifyTx(ctx, tx, view, height)
}

// VerifyTx validates one transaction as a candidate for inclusion at the
// given height, in order: structural well-formedness, height-bound rules,
// transparent input resolution and the value balance equation, transparent
// script execution, and finally the shielded proof checks, which suspend on
// the batch scheduler. It returns the fee the transaction pays.
//
// The view must be branch-relative: spent-on-branch outputs absent,
// earlier-in-block outputs present. VerifyTx performs no mutation, so a
// rejection leaves no trace.
func (v *TxVerifier) VerifyTx(ctx context.Context, tx *chain.Tx,
	view UtxoView, height uint32) (btcutil.Amount, error) {

	if err := v.checkSanity(tx); err != nil {
		return 0, err
	}

	if err := v.checkHeightRules(tx, height); err != nil {
		return 0, err
	}

	// Coinbases create value rather than spending it: input resolution,
	// scripts, and shielded checks do not apply. The amount the
	// coinbase may create is a block-level rule.
	if tx.IsCoinBase() {
		return 0, nil
	}

	fee, utxos, err := v.checkInputsAndBalance(tx, view, height)
	if err != nil {
		return 0, err
	}

	if err := v.checkScripts(tx, utxos); err != nil {
		return 0, err
	}

	if err := v.checkShielded(ctx, tx); err != nil {
		return 0, err
	}

	return fee, nil
}

// checkSanity enforces the context-free structural rules.
func (v *TxVerifier) checkSanity(tx *chain.Tx) error {
	params := v.cfg.Params
	transparent := tx.Transparent

	if transparent == nil {
		return ruleError(ErrMalformedStructure,
			"transaction has no transparent half")
	}

	hasInputs := len(transparent.TxIn) > 0 || len(tx.ShieldedSpends) > 0
	if !hasInputs {
		return ruleError(ErrMalformedStructure,
			"transaction has no inputs")
	}

	hasOutputs := len(transparent.TxOut) > 0 ||
		len(tx.ShieldedOutputs) > 0
	if !hasOutputs {
		return ruleError(ErrMalformedStructure,
			"transaction has no outputs")
	}

	if size := tx.SerializeSize(); size > params.MaxTxSize {
		return ruleError(ErrMalformedStructure, fmt.Sprintf(
			"transaction size %d exceeds max %d", size,
			params.MaxTxSize))
	}

	// Output values must be in range individually and in aggregate.
	var totalOut int64
	for i, txOut := range transparent.TxOut {
		if txOut.Value < 0 {
			return ruleError(ErrMalformedStructure, fmt.Sprintf(
				"output %d has negative value", i))
		}
		if txOut.Value > btcutil.MaxSatoshi {
			return ruleError(ErrMalformedStructure, fmt.Sprintf(
				"output %d value %d exceeds max money", i,
				txOut.Value))
		}

		totalOut += txOut.Value
		if totalOut > btcutil.MaxSatoshi {
			return ruleError(ErrMalformedStructure,
				"total output value exceeds max money")
		}
	}

	if tx.ValueBalance > btcutil.MaxSatoshi ||
		tx.ValueBalance < -btcutil.MaxSatoshi {

		return ruleError(ErrMalformedStructure,
			"value balance out of range")
	}
	if !tx.HasShieldedData() && tx.ValueBalance != 0 {
		return ruleError(ErrMalformedStructure,
			"nonzero value balance without shielded data")
	}

	// No duplicate transparent inputs.
	seenOutpoints := make(
		map[wire.OutPoint]struct{}, len(transparent.TxIn),
	)
	for _, txIn := range transparent.TxIn {
		op := txIn.PreviousOutPoint
		if _, ok := seenOutpoints[op]; ok {
			return ruleError(ErrMalformedStructure, fmt.Sprintf(
				"duplicate input %v", op))
		}
		seenOutpoints[op] = struct{}{}
	}

	// No duplicate nullifiers within the transaction.
	seenNullifiers := make(
		map[chain.Nullifier]struct{}, len(tx.ShieldedSpends),
	)
	for _, spend := range tx.ShieldedSpends {
		if _, ok := seenNullifiers[spend.Nullifier]; ok {
			return ruleError(ErrMalformedStructure, fmt.Sprintf(
				"duplicate nullifier %v", spend.Nullifier))
		}
		seenNullifiers[spend.Nullifier] = struct{}{}
	}

	if tx.IsCoinBase() {
		if tx.HasShieldedData() {
			return ruleError(ErrMalformedStructure,
				"coinbase carries shielded data")
		}

		scriptLen := len(transparent.TxIn[0].SignatureScript)
		if scriptLen < minCoinbaseScriptLen ||
			scriptLen > maxCoinbaseScriptLen {

			return ruleError(ErrMalformedStructure, fmt.Sprintf(
				"coinbase script length %d out of range "+
					"[%d, %d]", scriptLen,
				minCoinbaseScriptLen, maxCoinbaseScriptLen))
		}

		return nil
	}

	// Non-coinbase transactions may not reference the null outpoint.
	for _, txIn := range transparent.TxIn {
		prevOut := &txIn.PreviousOutPoint
		if prevOut.Index == wire.MaxPrevOutIndex &&
			prevOut.Hash == zeroHash {

			return ruleError(ErrMalformedStructure,
				"transaction references null outpoint")
		}
	}

	return nil
}

// zeroHash is the all-zero hash referenced only by coinbase inputs.
var zeroHash chainhash.Hash

// checkHeightRules enforces the rules bound to the candidate height.
func (v *TxVerifier) checkHeightRules(tx *chain.Tx, height uint32) error {
	if tx.ExpiryHeight != 0 && height > tx.ExpiryHeight {
		return ruleError(ErrTxExpired, fmt.Sprintf(
			"transaction expired at height %d, candidate "+
				"height %d", tx.ExpiryHeight, height))
	}

	activation := v.cfg.Params.ShieldedActivationHeight
	if tx.HasShieldedData() && height < activation {
		return ruleError(ErrShieldedNotActive, fmt.Sprintf(
			"shielded data before activation height %d",
			activation))
	}

	return nil
}

// checkInputsAndBalance resolves every transparent input against the view,
// applies the maturity rule, and checks the value balance equation. It
// returns the fee and the resolved outputs for the script checks.
func (v *TxVerifier) checkInputsAndBalance(tx *chain.Tx, view UtxoView,
	height uint32) (btcutil.Amount, []chain.UTXO, error) {

	params := v.cfg.Params

	var (
		totalIn int64
		utxos   = make([]chain.UTXO, len(tx.Transparent.TxIn))
	)
	for i, txIn := range tx.Transparent.TxIn {
		op := txIn.PreviousOutPoint

		utxo, ok := view.FetchUTXO(op)
		if !ok {
			return 0, nil, ruleError(ErrDoubleSpend, fmt.Sprintf(
				"output %v missing or already spent on "+
					"this branch", op))
		}

		if utxo.Coinbase {
			confirms := int64(height) - int64(utxo.Height)
			if confirms < int64(params.CoinbaseMaturity) {
				return 0, nil, ruleError(ErrImmatureSpend,
					fmt.Sprintf("coinbase output %v "+
						"spent at %d confirmations, "+
						"maturity is %d", op,
						confirms,
						params.CoinbaseMaturity))
			}
		}

		totalIn += int64(utxo.Value)
		if totalIn > btcutil.MaxSatoshi {
			return 0, nil, ruleError(ErrMalformedStructure,
				"total input value exceeds max money")
		}

		utxos[i] = utxo
	}

	var totalOut int64
	for _, txOut := range tx.Transparent.TxOut {
		totalOut += txOut.Value
	}

	// The shielded pool contributes ValueBalance to the transparent
	// side when positive and drains it when negative.
	fee := totalIn + int64(tx.ValueBalance) - totalOut
	if fee < 0 {
		return 0, nil, ruleError(ErrValueImbalance, fmt.Sprintf(
			"inputs %d plus value balance %d insufficient for "+
				"outputs %d", totalIn, tx.ValueBalance,
			totalOut))
	}

	return btcutil.Amount(fee), utxos, nil
}

// checkScripts executes every transparent input script against the output
// it spends.
func (v *TxVerifier) checkScripts(tx *chain.Tx, utxos []chain.UTXO) error {
	prevFetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, txIn := range tx.Transparent.TxIn {
		prevFetcher.AddPrevOut(txIn.PreviousOutPoint, &wire.TxOut{
			Value:    int64(utxos[i].Value),
			PkScript: utxos[i].PkScript,
		})
	}
	hashCache := txscript.NewTxSigHashes(tx.Transparent, prevFetcher)

	for i := range tx.Transparent.TxIn {
		engine, err := txscript.NewEngine(
			utxos[i].PkScript, tx.Transparent, i,
			txscript.StandardVerifyFlags, v.cfg.SigCache,
			hashCache, int64(utxos[i].Value), prevFetcher,
		)
		if err != nil {
			return mapScriptError(i, err)
		}

		if err := engine.Execute(); err != nil {
			return mapScriptError(i, err)
		}
	}

	return nil
}

// mapScriptError classifies a script engine failure as either a signature
// defect or a general script failure.
func mapScriptError(inputIdx int, err error) error {
	var scriptErr txscript.Error
	if errors.As(err, &scriptErr) {
		switch scriptErr.ErrorCode {
		case txscript.ErrNullFail, txscript.ErrInvalidSigHashType,
			txscript.ErrSigTooShort, txscript.ErrSigTooLong,
			txscript.ErrSigHighS:

			return ruleError(ErrSignatureInvalid, fmt.Sprintf(
				"input %d signature invalid: %v", inputIdx,
				err))
		}
	}

	return ruleError(ErrScriptFailure, fmt.Sprintf(
		"input %d script failed: %v", inputIdx, err))
}

// checkShielded submits every shielded proof and the binding signature to
// the batch scheduler and waits for all of them to resolve. The submission
// suspends until the batch window that absorbed each check completes.
func (v *TxVerifier) checkShielded(ctx context.Context,
	tx *chain.Tx) error {

	if !tx.HasShieldedData() {
		return nil
	}

	stmtHash := tx.StatementHash()

	eg, egCtx := errgroup.WithContext(ctx)

	for _, spend := range tx.ShieldedSpends {
		check := &batchverify.Check{
			Kind:    batchverify.KindSpendProof,
			Key:     spend.RandomizedKey,
			Message: spend.StatementDigest(stmtHash),
			Proof:   spend.Proof,
		}

		eg.Go(func() error {
			err := v.cfg.Batch.VerifyCheck(egCtx, check)
			return mapShieldedError(ErrProofInvalid,
				"spend proof", err)
		})
	}

	for _, output := range tx.ShieldedOutputs {
		check := &batchverify.Check{
			Kind:    batchverify.KindOutputProof,
			Key:     output.EphemeralKey,
			Message: output.StatementDigest(stmtHash),
			Proof:   output.Proof,
		}

		eg.Go(func() error {
			err := v.cfg.Batch.VerifyCheck(egCtx, check)
			return mapShieldedError(ErrProofInvalid,
				"output proof", err)
		})
	}

	bindingCheck := &batchverify.Check{
		Kind:    batchverify.KindBindingSig,
		Key:     tx.BindingKey,
		Message: tx.BindingDigest(stmtHash),
		Proof:   tx.BindingSig,
	}
	eg.Go(func() error {
		err := v.cfg.Batch.VerifyCheck(egCtx, bindingCheck)
		return mapShieldedError(ErrSignatureInvalid,
			"binding signature", err)
	})

	return eg.Wait()
}

// mapShieldedError translates batch verifier outcomes into the consensus
// taxonomy. Operational failures (shutdown, cancellation) pass through
// unchanged: they are not properties of the transaction and must not be
// cached against its hash.
func mapShieldedError(code ErrorCode, what string, err error) error {
	switch {
	case err == nil:
		return nil

	case errors.Is(err, batchverify.ErrInvalidProof),
		errors.Is(err, batchverify.ErrMalformedCheck):

		return ruleError(code, fmt.Sprintf("%s invalid: %v", what,
			err))

	default:
		return err
	}
}
