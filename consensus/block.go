package consensus

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/cinderchain/cinderd/chain"
	"github.com/lightningnetwork/lnd/clock"
	"golang.org/x/sync/errgroup"
)

// ChainContext supplies the branch-relative facts a block is validated
// against: its candidate height, the difficulty and timestamp context
// derived from its ancestors, and the unspent-output and nullifier views of
// the branch it extends. Implementations are read-only snapshots.
type ChainContext interface {
	// Height is the height the candidate block would occupy.
	Height() uint32

	// RequiredBits is the compact target the candidate must claim,
	// derived from the branch's recent history.
	RequiredBits() uint32

	// MedianTimePast is the median timestamp of the branch's most
	// recent blocks.
	MedianTimePast() time.Time

	// FetchUTXO resolves an outpoint that exists and is unspent on the
	// branch.
	FetchUTXO(op wire.OutPoint) (chain.UTXO, bool)

	// NullifierSeen reports whether the nullifier was revealed anywhere
	// on the branch.
	NullifierSeen(nf chain.Nullifier) bool
}

// BlockVerifierConfig bundles the dependencies of a BlockVerifier.
type BlockVerifierConfig struct {
	// Params are the consensus parameters to verify against.
	Params *chain.Params

	// TxVerifier validates the block's transactions.
	TxVerifier *TxVerifier

	// Clock is the wall clock used for the future-timestamp bound.
	Clock clock.Clock

	// VerifyWorkers bounds how many transactions are verified in
	// parallel. Zero means one worker per CPU.
	VerifyWorkers int
}

// BlockVerifier validates candidate blocks: header rules, commitments,
// every contained transaction, and the contextual rules against the branch
// being extended. Acceptance is atomic; a rejection leaves no state behind.
type BlockVerifier struct {
	cfg BlockVerifierConfig
}

// NewBlockVerifier constructs a BlockVerifier from the given config.
func NewBlockVerifier(cfg BlockVerifierConfig) *BlockVerifier {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.VerifyWorkers <= 0 {
		cfg.VerifyWorkers = runtime.GOMAXPROCS(0)
	}

	return &BlockVerifier{cfg: cfg}
}

// VerifyBlock fully validates block as a candidate at the position
// described by cctx. On success the block is ready for insertion into the
// chain state; on failure the returned RuleError identifies the first rule
// violated.
func (v *BlockVerifier) VerifyBlock(ctx context.Context, block *chain.Block,
	cctx ChainContext) error {

	start := time.Now()
	blockHash := block.BlockHash()

	if err := v.checkSanity(block); err != nil {
		return err
	}

	if err := v.checkHeader(&block.Header, blockHash, cctx); err != nil {
		return err
	}

	view, err := buildBlockView(block, cctx)
	if err != nil {
		return err
	}

	totalFees, err := v.verifyTransactions(ctx, block, view, cctx)
	if err != nil {
		return err
	}

	err = v.checkCoinbaseValue(block, cctx.Height(), totalFees)
	if err != nil {
		return err
	}

	log.Debugf("Verified block %v (height=%d, %d txns) in %v",
		blockHash, cctx.Height(), len(block.Transactions),
		time.Since(start))

	return nil
}

// checkSanity enforces the context-free block rules: a single leading
// coinbase, the size bound, and an unmutated transaction list committed to
// by the merkle root.
func (v *BlockVerifier) checkSanity(block *chain.Block) error {
	if len(block.Transactions) == 0 ||
		!block.Transactions[0].IsCoinBase() {

		return ruleError(ErrMissingCoinbase,
			"first transaction is not a coinbase")
	}

	for i, tx := range block.Transactions[1:] {
		if tx.IsCoinBase() {
			return ruleError(ErrMultipleCoinbase, fmt.Sprintf(
				"transaction %d is an extra coinbase", i+1))
		}
	}

	if size := block.SerializeSize(); size > v.cfg.Params.MaxBlockSize {
		return ruleError(ErrBlockTooBig, fmt.Sprintf(
			"block size %d exceeds max %d", size,
			v.cfg.Params.MaxBlockSize))
	}

	// Duplicate transactions produce the same merkle root as the
	// original list, so they must be rejected explicitly to rule out
	// mutated blocks.
	seen := make(map[chainhash.Hash]struct{}, len(block.Transactions))
	for _, tx := range block.Transactions {
		txHash := tx.TxHash()
		if _, ok := seen[txHash]; ok {
			return ruleError(ErrBadMerkleRoot, fmt.Sprintf(
				"duplicate transaction %v", txHash))
		}
		seen[txHash] = struct{}{}
	}

	merkleRoot := chain.CalcMerkleRoot(block.Transactions)
	if merkleRoot != block.Header.MerkleRoot {
		return ruleError(ErrBadMerkleRoot, fmt.Sprintf(
			"header commits to %v, transactions hash to %v",
			block.Header.MerkleRoot, merkleRoot))
	}

	return nil
}

// checkHeader enforces the proof-of-work and timestamp rules.
func (v *BlockVerifier) checkHeader(header *chain.BlockHeader,
	blockHash chainhash.Hash, cctx ChainContext) error {

	required := cctx.RequiredBits()
	if header.Bits != required {
		return ruleError(ErrBadDiffBits, fmt.Sprintf(
			"header claims target %08x, required %08x",
			header.Bits, required))
	}

	target := blockchain.CompactToBig(header.Bits)
	if blockchain.HashToBig(&blockHash).Cmp(target) > 0 {
		return ruleError(ErrHighHash, fmt.Sprintf(
			"block hash %v does not meet target %08x",
			blockHash, header.Bits))
	}

	if mtp := cctx.MedianTimePast(); !header.Timestamp.After(mtp) {
		return ruleError(ErrTimeTooOld, fmt.Sprintf(
			"timestamp %v not after median time past %v",
			header.Timestamp, mtp))
	}

	maxTime := v.cfg.Clock.Now().Add(v.cfg.Params.MaxTimeOffset)
	if header.Timestamp.After(maxTime) {
		return ruleError(ErrTimeTooNew, fmt.Sprintf(
			"timestamp %v more than %v in the future",
			header.Timestamp, v.cfg.Params.MaxTimeOffset))
	}

	return nil
}

// blockUtxoView resolves outpoints against the parent branch plus the
// outputs created by the block itself. It is frozen after buildBlockView,
// so concurrent per-transaction verification may read it freely.
type blockUtxoView struct {
	chainView ChainContext
	created   map[wire.OutPoint]chain.UTXO
}

// FetchUTXO returns the output for the given outpoint from the enclosing
// block or the parent branch.
//
// NOTE: Part of the UtxoView interface.
func (b *blockUtxoView) FetchUTXO(op wire.OutPoint) (chain.UTXO, bool) {
	if utxo, ok := b.created[op]; ok {
		return utxo, true
	}

	return b.chainView.FetchUTXO(op)
}

// buildBlockView walks the block once in order, enforcing the contextual
// rules that depend on transaction order: every spent output must exist and
// be unspent on the branch or created by an earlier transaction in this
// block, and every nullifier must be fresh for the branch and the block.
// The resulting view resolves outpoints for the parallel per-transaction
// phase.
func buildBlockView(block *chain.Block,
	cctx ChainContext) (*blockUtxoView, error) {

	view := &blockUtxoView{
		chainView: cctx,
		created:   make(map[wire.OutPoint]chain.UTXO),
	}

	spent := make(map[wire.OutPoint]struct{})
	nullifiers := make(map[chain.Nullifier]struct{})

	for i, tx := range block.Transactions {
		txHash := tx.TxHash()

		for _, spend := range tx.ShieldedSpends {
			nf := spend.Nullifier

			if _, ok := nullifiers[nf]; ok {
				return nil, ruleError(ErrNullifierReuse,
					fmt.Sprintf("nullifier %v reused "+
						"within block", nf))
			}
			if cctx.NullifierSeen(nf) {
				return nil, ruleError(ErrNullifierReuse,
					fmt.Sprintf("nullifier %v already "+
						"seen on this branch", nf))
			}

			nullifiers[nf] = struct{}{}
		}

		if i != 0 {
			for _, txIn := range tx.Transparent.TxIn {
				op := txIn.PreviousOutPoint

				if _, ok := spent[op]; ok {
					return nil, ruleError(ErrDoubleSpend,
						fmt.Sprintf("output %v "+
							"spent twice within "+
							"block", op))
				}
				if _, ok := view.FetchUTXO(op); !ok {
					return nil, ruleError(ErrDoubleSpend,
						fmt.Sprintf("output %v "+
							"missing or already "+
							"spent on this "+
							"branch", op))
				}

				spent[op] = struct{}{}
			}
		}

		for idx, txOut := range tx.Transparent.TxOut {
			op := wire.OutPoint{Hash: txHash, Index: uint32(idx)}
			view.created[op] = chain.UTXO{
				Value:    btcutil.Amount(txOut.Value),
				PkScript: txOut.PkScript,
				Height:   cctx.Height(),
				Coinbase: i == 0,
			}
		}
	}

	return view, nil
}

// verifyTransactions runs the transaction verifier over every transaction
// in the block. Independent transactions verify in parallel with bounded
// concurrency; their shielded checks suspend together on the batch
// scheduler, which is what makes the amortized aggregate checks large.
func (v *BlockVerifier) verifyTransactions(ctx context.Context,
	block *chain.Block, view UtxoView,
	cctx ChainContext) (btcutil.Amount, error) {

	height := cctx.Height()

	fees := make([]btcutil.Amount, len(block.Transactions))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(v.cfg.VerifyWorkers)

	for i, tx := range block.Transactions {
		i, tx := i, tx

		eg.Go(func() error {
			fee, err := v.cfg.TxVerifier.VerifyTx(
				egCtx, tx, view, height,
			)
			if err != nil {
				return fmt.Errorf("transaction %v: %w",
					tx.TxHash(), err)
			}

			fees[i] = fee
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return 0, err
	}

	var total btcutil.Amount
	for _, fee := range fees {
		total += fee
	}

	return total, nil
}

// checkCoinbaseValue enforces the monetary policy: the coinbase may pay out
// at most the block subsidy plus the fees collected from the block's
// transactions.
func (v *BlockVerifier) checkCoinbaseValue(block *chain.Block,
	height uint32, totalFees btcutil.Amount) error {

	var paid btcutil.Amount
	for _, txOut := range block.Transactions[0].Transparent.TxOut {
		paid += btcutil.Amount(txOut.Value)
	}

	allowed := chain.BlockSubsidy(height, v.cfg.Params) + totalFees
	if paid > allowed {
		return ruleError(ErrBadCoinbaseValue, fmt.Sprintf(
			"coinbase pays %v, allowed %v (subsidy plus %v in "+
				"fees)", paid, allowed, totalFees))
	}

	return nil
}
