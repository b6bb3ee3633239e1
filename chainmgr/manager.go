package chainmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/cinderchain/cinderd/cdutils"
	"github.com/cinderchain/cinderd/chain"
	"github.com/cinderchain/cinderd/chaindb"
	"github.com/cinderchain/cinderd/chainstate"
	"github.com/cinderchain/cinderd/consensus"
	"github.com/lightninglabs/neutrino/cache/lru"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultOrphanPoolSize is the default bound on blocks held while
	// awaiting their parents.
	DefaultOrphanPoolSize = 64

	// DefaultOrphanTTL is the default lifetime of a pooled orphan.
	DefaultOrphanTTL = 10 * time.Minute

	// DefaultSweepInterval is how often expired orphans are swept.
	DefaultSweepInterval = time.Minute

	// DefaultRejectedCacheSize bounds the cache of sticky rejection
	// verdicts.
	DefaultRejectedCacheSize = 1024
)

// ErrManagerShuttingDown is returned by operations that arrive after Stop.
var ErrManagerShuttingDown = errors.New("chain manager shutting down")

// SubmitStatus is the disposition of a submitted block.
type SubmitStatus uint8

const (
	// StatusAccepted means the block was verified and entered the
	// forest.
	StatusAccepted SubmitStatus = iota

	// StatusRejected means the block failed a consensus rule. The
	// verdict is sticky: resubmitting the same hash yields the same
	// answer without re-verification.
	StatusRejected

	// StatusOrphan means the block's parent is unknown; the block is
	// pooled and will be retried when the parent arrives.
	StatusOrphan

	// StatusDuplicate means the block is already part of chain state.
	StatusDuplicate
)

// String returns a human readable submit status.
func (s SubmitStatus) String() string {
	switch s {
	case StatusAccepted:
		return "Accepted"
	case StatusRejected:
		return "Rejected"
	case StatusOrphan:
		return "OrphanHeld"
	case StatusDuplicate:
		return "Duplicate"
	default:
		return "Unknown"
	}
}

// SubmitResult describes how a submitted block was handled.
type SubmitResult struct {
	// Status is the disposition.
	Status SubmitStatus

	// Ref locates the block when the status is Accepted.
	Ref chainstate.BlockRef

	// ParentHash is the awaited parent when the status is OrphanHeld.
	ParentHash chainhash.Hash

	// RejectErr carries the consensus rule violation when the status
	// is Rejected.
	RejectErr *consensus.RuleError
}

// rejectedVerdict caches the rule violation a block hash was rejected for.
type rejectedVerdict struct {
	ruleErr *consensus.RuleError
}

// Size returns the "size" of an entry.
func (r *rejectedVerdict) Size() (uint64, error) {
	return 1, nil
}

// Config bundles the dependencies of the chain manager.
type Config struct {
	// Params are the consensus parameters.
	Params *chain.Params

	// Forest is the non-finalized chain state.
	Forest *chainstate.NonFinalizedState

	// DB is the durable finalized store.
	DB *chaindb.DB

	// TxVerifier validates standalone transactions.
	TxVerifier *consensus.TxVerifier

	// Clock is the time source for orphan expiry. Nil applies the
	// default wall clock.
	Clock clock.Clock

	// OrphanPoolSize bounds the orphan pool. Zero applies the default.
	OrphanPoolSize int

	// OrphanTTL is the pooled orphan lifetime. Zero applies the
	// default.
	OrphanTTL time.Duration

	// SweepTicker drives orphan expiry sweeps. Nil applies a default
	// interval ticker.
	SweepTicker ticker.Ticker

	// RejectedCacheSize bounds the sticky rejection cache. Zero
	// applies the default.
	RejectedCacheSize int
}

// ChainManager is the single logical writer of chain state. It routes
// submitted blocks through verification into the forest, pools orphans
// until their parents arrive, caches rejection verdicts, drives
// finalization into the durable store, and answers queries spanning both
// layers.
type ChainManager struct {
	started sync.Once
	stopped sync.Once

	cfg Config

	// writer serializes every state mutation: block submission, orphan
	// bookkeeping, and finalization.
	writer sync.Mutex

	orphans  *orphanPool
	rejected *lru.Cache[chainhash.Hash, *rejectedVerdict]

	tipQueue   *queue.ConcurrentQueue
	tipUpdates chan chainstate.BlockRef

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewChainManager constructs a chain manager from the given config.
func NewChainManager(cfg Config) *ChainManager {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.OrphanPoolSize <= 0 {
		cfg.OrphanPoolSize = DefaultOrphanPoolSize
	}
	if cfg.OrphanTTL <= 0 {
		cfg.OrphanTTL = DefaultOrphanTTL
	}
	if cfg.SweepTicker == nil {
		cfg.SweepTicker = ticker.New(DefaultSweepInterval)
	}
	if cfg.RejectedCacheSize <= 0 {
		cfg.RejectedCacheSize = DefaultRejectedCacheSize
	}

	return &ChainManager{
		cfg:     cfg,
		orphans: newOrphanPool(cfg.OrphanPoolSize, cfg.OrphanTTL),
		rejected: lru.NewCache[chainhash.Hash, *rejectedVerdict](
			uint64(cfg.RejectedCacheSize),
		),
		tipQueue:   queue.NewConcurrentQueue(16),
		tipUpdates: make(chan chainstate.BlockRef),
		quit:       make(chan struct{}),
	}
}

// Start launches the orphan sweeper and the tip notification forwarder.
func (m *ChainManager) Start() error {
	var err error
	m.started.Do(func() {
		log.Info("ChainManager starting")

		m.tipQueue.Start()
		m.cfg.SweepTicker.Resume()

		m.wg.Add(2)
		go m.sweepLoop()
		go m.forwardTipUpdates()
	})

	return err
}

// Stop halts the background loops and waits for them to exit.
func (m *ChainManager) Stop() error {
	m.stopped.Do(func() {
		log.Info("ChainManager shutting down...")

		close(m.quit)
		m.cfg.SweepTicker.Stop()
		m.wg.Wait()
		m.tipQueue.Stop()

		log.Debug("ChainManager shutdown complete")
	})

	return nil
}

// TipUpdates returns the stream of best-tip changes. Each accepted block
// that changes the best tip produces one update. Slow consumers never
// block the writer: updates are buffered through an unbounded queue.
func (m *ChainManager) TipUpdates() <-chan chainstate.BlockRef {
	return m.tipUpdates
}

// sweepLoop expires stale orphans on every ticker fire.
func (m *ChainManager) sweepLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.cfg.SweepTicker.Ticks():
			m.writer.Lock()
			expired := m.orphans.sweep(m.cfg.Clock.Now())
			remaining := m.orphans.size()
			m.writer.Unlock()

			if expired > 0 {
				log.Debugf("Swept %d expired orphans, %d "+
					"remain pooled", expired, remaining)
			}

		case <-m.quit:
			return
		}
	}
}

// forwardTipUpdates drains the internal queue into the typed update
// channel.
func (m *ChainManager) forwardTipUpdates() {
	defer m.wg.Done()

	for {
		select {
		case update, ok := <-m.tipQueue.ChanOut():
			if !ok {
				return
			}

			ref, ok := update.(chainstate.BlockRef)
			if !ok {
				continue
			}

			select {
			case m.tipUpdates <- ref:
			case <-m.quit:
				return
			}

		case <-m.quit:
			return
		}
	}
}

// SubmitBlock routes a block through verification into chain state and
// reports its disposition. Consensus violations are returned inside the
// result, not as an error; the error return is reserved for operational
// failures (cancellation, shutdown, storage faults), after which the
// submission may be retried.
//
// Submissions are serialized: concurrent callers are admitted one at a
// time, though verification inside each admission still fans out across
// the batch scheduler and script workers.
func (m *ChainManager) SubmitBlock(ctx context.Context,
	block *chain.Block) (SubmitResult, error) {

	select {
	case <-m.quit:
		return SubmitResult{}, ErrManagerShuttingDown
	default:
	}

	blockHash := block.BlockHash()

	m.writer.Lock()
	defer m.writer.Unlock()

	// A hash with a cached verdict is answered without touching the
	// verifiers again.
	if verdict, err := m.rejected.Get(blockHash); err == nil {
		log.Debugf("Block %v rejected from cache: %v", blockHash,
			verdict.ruleErr)

		return SubmitResult{
			Status:    StatusRejected,
			RejectErr: verdict.ruleErr,
		}, nil
	}

	// A block already pooled as an orphan stays pooled.
	if m.orphans.contains(blockHash) {
		return SubmitResult{
			Status:     StatusOrphan,
			ParentHash: block.Header.PrevBlock,
		}, nil
	}

	// A block below the finalization boundary is a duplicate, not a
	// reorg attempt.
	if _, err := m.cfg.DB.FetchBlock(blockHash); err == nil {
		return SubmitResult{Status: StatusDuplicate}, nil
	}

	result, err := m.insertBlock(ctx, block, blockHash)
	if err != nil || result.Status != StatusAccepted {
		return result, err
	}

	// The parent's arrival may unblock pooled orphans, transitively.
	if err := m.adoptOrphans(ctx, blockHash); err != nil {
		return result, err
	}

	if err := m.finalize(); err != nil {
		return result, err
	}

	return result, nil
}

// insertBlock attempts forest insertion and classifies the outcome. The
// writer lock must be held.
func (m *ChainManager) insertBlock(ctx context.Context, block *chain.Block,
	blockHash chainhash.Hash) (SubmitResult, error) {

	prevBest := m.cfg.Forest.BestTip()

	ref, err := m.cfg.Forest.Insert(ctx, block)
	switch {
	case err == nil:

	case errors.Is(err, chainstate.ErrDuplicateBlock):
		return SubmitResult{Status: StatusDuplicate}, nil

	case errors.Is(err, chainstate.ErrUnknownParent):
		return m.poolOrphan(block, blockHash), nil

	default:
		// Rule violations earn a sticky verdict. Anything else is
		// operational and must stay retryable.
		var ruleErr consensus.RuleError
		if !errors.As(err, &ruleErr) {
			return SubmitResult{}, err
		}

		log.Debugf("Block %v rejected: %v", blockHash, ruleErr)
		_, _ = m.rejected.Put(
			blockHash, &rejectedVerdict{ruleErr: &ruleErr},
		)

		return SubmitResult{
			Status:    StatusRejected,
			RejectErr: &ruleErr,
		}, nil
	}

	log.Infof("Accepted block %v at height %d", ref.Hash, ref.Height)

	if newBest := m.cfg.Forest.BestTip(); newBest != prevBest {
		m.notifyTip(newBest)
	}

	return SubmitResult{Status: StatusAccepted, Ref: ref}, nil
}

// poolOrphan holds a parentless block for later retry. The writer lock
// must be held.
func (m *ChainManager) poolOrphan(block *chain.Block,
	blockHash chainhash.Hash) SubmitResult {

	evicted, didEvict := m.orphans.add(
		block, blockHash, m.cfg.Clock.Now(),
	)
	if didEvict {
		log.Debugf("Orphan pool full, evicted oldest orphan %v",
			evicted)
	}

	log.Debugf("Pooled orphan %v awaiting parent %v (%d pooled)",
		blockHash, block.Header.PrevBlock, m.orphans.size())

	return SubmitResult{
		Status:     StatusOrphan,
		ParentHash: block.Header.PrevBlock,
	}
}

// adoptOrphans retries every pooled orphan whose awaited parent just
// arrived, cascading through grandchildren as branches reconnect. The
// writer lock must be held.
func (m *ChainManager) adoptOrphans(ctx context.Context,
	parent chainhash.Hash) error {

	arrived := []chainhash.Hash{parent}
	for len(arrived) > 0 {
		next := arrived[0]
		arrived = arrived[1:]

		entries := m.orphans.take(next)
		for i, entry := range entries {
			result, err := m.insertBlock(
				ctx, entry.block, entry.hash,
			)
			if err != nil {
				// An operational failure is retryable, so the
				// failed entry and its untried siblings go
				// back into the pool with their original
				// arrival times.
				for _, pending := range entries[i:] {
					m.orphans.add(
						pending.block, pending.hash,
						pending.receivedAt,
					)
				}

				return err
			}

			if result.Status == StatusAccepted {
				log.Debugf("Adopted orphan %v at height %d",
					entry.hash, result.Ref.Height)
				arrived = append(arrived, entry.hash)
			}
		}
	}

	return nil
}

// finalize drains every block the forest deems safely buried into the
// durable store. The forest hands each diff to the store before it forgets
// the block, so a commit failure leaves the forest unchanged and the
// submission may be retried. The writer lock must be held.
func (m *ChainManager) finalize() error {
	for {
		finalized, err := m.cfg.Forest.FinalizeIfReady(m.cfg.DB.Commit)
		if err != nil {
			return fmt.Errorf("unable to commit finalized "+
				"block: %w", err)
		}

		fb := finalized.UnwrapOr(nil)
		if fb == nil {
			return nil
		}

		log.Tracef("Finalized diff at height %d: %v", fb.Height,
			cdutils.NewLogClosure(func() string {
				return fmt.Sprintf("created=%d spent=%d "+
					"nullifiers=%d", len(fb.Created),
					len(fb.Spent), len(fb.Nullifiers))
			}))
	}
}

// notifyTip enqueues a best-tip update without ever blocking the writer.
func (m *ChainManager) notifyTip(ref chainstate.BlockRef) {
	select {
	case m.tipQueue.ChanIn() <- ref:
	case <-m.quit:
	}
}

// SubmitTransaction validates a standalone transaction against the
// current best branch, returning the fee it pays. Nothing is mutated; the
// caller owns mempool admission.
func (m *ChainManager) SubmitTransaction(ctx context.Context,
	tx *chain.Tx) (btcutil.Amount, error) {

	view := m.cfg.Forest.BestView()

	return m.cfg.TxVerifier.VerifyStandalone(ctx, tx, view, view.Height())
}

// BestTip returns the best tip across chain state: the heaviest forest
// branch, or the finalized tip when the forest is empty.
func (m *ChainManager) BestTip() chainstate.BlockRef {
	return m.cfg.Forest.BestTip()
}

// FetchBlock returns the block with the given hash from the forest or the
// finalized store.
func (m *ChainManager) FetchBlock(hash chainhash.Hash) (*chain.Block,
	error) {

	if block := m.cfg.Forest.FetchBlock(hash).UnwrapOr(nil); block != nil {
		return block, nil
	}

	return m.cfg.DB.FetchBlock(hash)
}

// FetchBlockByHeight returns the block at the given height, serving
// non-finalized heights from the best branch and the rest from the
// finalized store.
func (m *ChainManager) FetchBlockByHeight(height uint32) (*chain.Block,
	error) {

	block := m.cfg.Forest.BlockAtHeight(height).UnwrapOr(nil)
	if block != nil {
		return block, nil
	}

	return m.cfg.DB.FetchBlockByHeight(height)
}

// UnspentUTXO reports whether the outpoint is unspent as of the best
// branch tip.
func (m *ChainManager) UnspentUTXO(op wire.OutPoint) fn.Option[chain.UTXO] {
	if utxo, ok := m.cfg.Forest.BestView().FetchUTXO(op); ok {
		return fn.Some(utxo)
	}

	return fn.None[chain.UTXO]()
}

// NullifierSeen reports whether the nullifier was revealed as of the best
// branch tip.
func (m *ChainManager) NullifierSeen(nf chain.Nullifier) bool {
	return m.cfg.Forest.BestView().NullifierSeen(nf)
}
