package chainstate

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/cinderchain/cinderd/chain"
	"github.com/cinderchain/cinderd/consensus"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrUnknownParent is returned when a block's parent is neither the
	// finalized tip nor a block in the forest. The block is an orphan:
	// callers may hold it and retry once the parent arrives.
	ErrUnknownParent = errors.New("block parent is unknown")

	// ErrDuplicateBlock is returned when the submitted block is already
	// present in the forest or is the finalized root itself.
	ErrDuplicateBlock = errors.New("block already known")

	// ErrUnknownTip is returned by branch-relative queries naming a tip
	// that does not exist.
	ErrUnknownTip = errors.New("unknown branch tip")
)

// DefaultMaxBranches bounds how many candidate tips are tracked
// simultaneously before the weakest branches are evicted.
const DefaultMaxBranches = 16

// BlockVerifier is the verification dependency of the forest. Insert calls
// it with the parent branch's overlay as context before any mutation.
type BlockVerifier interface {
	// VerifyBlock fully validates the block as a candidate at the
	// position described by the chain context.
	VerifyBlock(ctx context.Context, block *chain.Block,
		cctx consensus.ChainContext) error
}

// BlockRef names a block by hash together with its height.
type BlockRef struct {
	Hash   chainhash.Hash
	Height uint32
}

// String returns a compact description of the reference.
func (r BlockRef) String() string {
	return fmt.Sprintf("%v@%d", r.Hash, r.Height)
}

// TipStatus describes where a branch tip stands relative to its siblings.
type TipStatus uint8

const (
	// StatusBestTip marks the tip of the branch with maximum cumulative
	// work.
	StatusBestTip TipStatus = iota

	// StatusSuperseded marks a tip whose branch has been overtaken.
	// The branch remains queryable until it forks below the
	// finalization boundary or is evicted.
	StatusSuperseded
)

// String returns a human readable tip status.
func (s TipStatus) String() string {
	switch s {
	case StatusBestTip:
		return "BestTip"
	case StatusSuperseded:
		return "Superseded"
	default:
		return "Unknown"
	}
}

// FinalizedBlock is a block leaving the forest, paired with the overlay
// diff the durable store must apply atomically.
type FinalizedBlock struct {
	// Block is the finalized block.
	Block *chain.Block

	// Height is its height.
	Height uint32

	// Created holds the transparent outputs the block created, keyed
	// by outpoint. Outputs both created and spent within the block are
	// already elided.
	Created map[wire.OutPoint]chain.UTXO

	// Spent lists the previously finalized outpoints the block spent.
	Spent []wire.OutPoint

	// Nullifiers lists the nullifiers the block revealed.
	Nullifiers []chain.Nullifier
}

// blockNode is one block in the forest: the block itself, its chain
// position, and the overlay diff it contributes to every branch passing
// through it. Overlays are immutable after insertion, which is what lets
// branch views read them without locks; the parent link is only written
// under the state lock when the forest re-roots, and escaped views never
// follow it.
type blockNode struct {
	block  *chain.Block
	hash   chainhash.Hash
	parent *blockNode
	height uint32

	// workSum is the cumulative work of the branch from the finalized
	// root through this block.
	workSum *big.Int

	// seq is the insertion sequence number, the deterministic
	// tie-break for equal-work tips: earliest seen wins.
	seq uint64

	created    map[wire.OutPoint]chain.UTXO
	spent      map[wire.OutPoint]struct{}
	nullifiers map[chain.Nullifier]struct{}
}

// Config bundles the dependencies of the forest.
type Config struct {
	// Params are the consensus parameters.
	Params *chain.Params

	// Verifier validates candidate blocks before insertion.
	Verifier BlockVerifier

	// FinalizedView is the read side of durable history.
	FinalizedView FinalizedView

	// TipHash and TipHeight locate the finalized tip the forest is
	// rooted at, typically loaded from the durable store at startup.
	TipHash   chainhash.Hash
	TipHeight uint32

	// MaxBranches bounds the number of simultaneously tracked tips.
	// Zero applies DefaultMaxBranches.
	MaxBranches int
}

// NonFinalizedState is the in-memory forest of candidate chains rooted at
// the last finalized block. It tracks every branch's cumulative work and
// overlay, selects the best chain, and decides when the oldest common
// block is buried deeply enough to finalize.
//
// All mutation happens under one writer lock; a reorg is nothing more than
// best-tip selection answering differently, since overlays are
// branch-local and reads simply consult a different overlay.
type NonFinalizedState struct {
	mtx sync.RWMutex

	cfg Config

	rootHash   chainhash.Hash
	rootHeight uint32

	index    map[chainhash.Hash]*blockNode
	children map[chainhash.Hash][]*blockNode
	tips     map[chainhash.Hash]*blockNode

	nextSeq uint64
}

// NewNonFinalizedState constructs an empty forest rooted at the finalized
// tip given in the config.
func NewNonFinalizedState(cfg Config) *NonFinalizedState {
	if cfg.MaxBranches <= 0 {
		cfg.MaxBranches = DefaultMaxBranches
	}

	return &NonFinalizedState{
		cfg:        cfg,
		rootHash:   cfg.TipHash,
		rootHeight: cfg.TipHeight,
		index:      make(map[chainhash.Hash]*blockNode),
		children:   make(map[chainhash.Hash][]*blockNode),
		tips:       make(map[chainhash.Hash]*blockNode),
	}
}

// Insert verifies the block against its parent branch's overlay and, on
// success, adds it to the forest, extending an existing branch or starting
// a new one. The parent must be the finalized tip or a forest node;
// otherwise the block is an orphan and ErrUnknownParent is returned.
//
// Verification runs without holding the writer lock: node overlays are
// immutable, so the snapshot taken under the read lock stays valid. The
// caller must serialize Insert and FinalizeIfReady invocations (a single
// logical writer), which the chain manager does.
func (s *NonFinalizedState) Insert(ctx context.Context,
	block *chain.Block) (BlockRef, error) {

	blockHash := block.BlockHash()

	// Snapshot the parent branch.
	s.mtx.RLock()
	if _, ok := s.index[blockHash]; ok || blockHash == s.rootHash {
		s.mtx.RUnlock()
		return BlockRef{}, ErrDuplicateBlock
	}

	var parent *blockNode
	prev := block.Header.PrevBlock
	if prev != s.rootHash {
		parent = s.index[prev]
		if parent == nil {
			s.mtx.RUnlock()
			return BlockRef{}, ErrUnknownParent
		}
	}
	view := s.newBranchView(parent)
	s.mtx.RUnlock()

	err := s.cfg.Verifier.VerifyBlock(ctx, block, view)
	if err != nil {
		return BlockRef{}, err
	}

	node := newBlockNode(block, blockHash, parent, view.height)

	s.mtx.Lock()
	defer s.mtx.Unlock()

	node.seq = s.nextSeq
	s.nextSeq++

	s.index[blockHash] = node
	s.children[prev] = append(s.children[prev], node)

	// The parent stops being a tip once extended.
	delete(s.tips, prev)
	s.tips[blockHash] = node

	s.enforceBranchLimit()

	log.Debugf("Inserted block %v at height %d (work=%v, tips=%d)",
		blockHash, node.height, node.workSum, len(s.tips))

	return BlockRef{Hash: blockHash, Height: node.height}, nil
}

// newBlockNode derives a node and its overlay diff from a fully verified
// block.
func newBlockNode(block *chain.Block, hash chainhash.Hash,
	parent *blockNode, height uint32) *blockNode {

	work := blockchain.CalcWork(block.Header.Bits)
	if parent != nil {
		work.Add(work, parent.workSum)
	}

	node := &blockNode{
		block:      block,
		hash:       hash,
		parent:     parent,
		height:     height,
		workSum:    work,
		created:    make(map[wire.OutPoint]chain.UTXO),
		spent:      make(map[wire.OutPoint]struct{}),
		nullifiers: make(map[chain.Nullifier]struct{}),
	}

	for i, tx := range block.Transactions {
		txHash := tx.TxHash()

		if i != 0 {
			for _, txIn := range tx.Transparent.TxIn {
				node.spent[txIn.PreviousOutPoint] = struct{}{}
			}
		}

		for idx, txOut := range tx.Transparent.TxOut {
			op := wire.OutPoint{
				Hash:  txHash,
				Index: uint32(idx),
			}
			node.created[op] = chain.UTXO{
				Value:    btcutil.Amount(txOut.Value),
				PkScript: txOut.PkScript,
				Height:   height,
				Coinbase: i == 0,
			}
		}

		for _, spend := range tx.ShieldedSpends {
			node.nullifiers[spend.Nullifier] = struct{}{}
		}
	}

	return node
}

// BestTip returns the tip with maximum cumulative work, ties broken by
// earliest insertion. With an empty forest it returns the finalized root.
func (s *NonFinalizedState) BestTip() BlockRef {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	best := s.bestTipNode()
	if best == nil {
		return BlockRef{Hash: s.rootHash, Height: s.rootHeight}
	}

	return BlockRef{Hash: best.hash, Height: best.height}
}

// bestTipNode scans the tip set for the maximum-work tip. It must be
// called with the state lock held.
func (s *NonFinalizedState) bestTipNode() *blockNode {
	var best *blockNode
	for _, tip := range s.tips {
		if best == nil {
			best = tip
			continue
		}

		switch tip.workSum.Cmp(best.workSum) {
		case 1:
			best = tip
		case 0:
			if tip.seq < best.seq {
				best = tip
			}
		}
	}

	return best
}

// TipStatus reports where the given tip stands relative to its siblings.
func (s *NonFinalizedState) TipStatus(tip chainhash.Hash) (TipStatus,
	error) {

	s.mtx.RLock()
	defer s.mtx.RUnlock()

	node, ok := s.tips[tip]
	if !ok {
		return 0, ErrUnknownTip
	}

	if node == s.bestTipNode() {
		return StatusBestTip, nil
	}

	return StatusSuperseded, nil
}

// HasBlock reports whether the forest contains the given block.
func (s *NonFinalizedState) HasBlock(hash chainhash.Hash) bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	_, ok := s.index[hash]
	return ok
}

// FetchBlock returns the given block if the forest contains it.
func (s *NonFinalizedState) FetchBlock(
	hash chainhash.Hash) fn.Option[*chain.Block] {

	s.mtx.RLock()
	defer s.mtx.RUnlock()

	if node, ok := s.index[hash]; ok {
		return fn.Some(node.block)
	}

	return fn.None[*chain.Block]()
}

// BestView returns a read-only snapshot of the current best branch,
// positioned at the next candidate height. It is suitable for standalone
// transaction validation and stays consistent while new blocks arrive.
func (s *NonFinalizedState) BestView() consensus.ChainContext {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	return s.newBranchView(s.bestTipNode())
}

// BlockAtHeight returns the block at the given height on the best branch,
// if the height lies above the finalized root.
func (s *NonFinalizedState) BlockAtHeight(
	height uint32) fn.Option[*chain.Block] {

	s.mtx.RLock()
	defer s.mtx.RUnlock()

	node := s.bestTipNode()
	if node == nil || height > node.height || height <= s.rootHeight {
		return fn.None[*chain.Block]()
	}

	for node.height > height {
		node = node.parent
	}

	return fn.Some(node.block)
}

// QueryUnspent reports whether the outpoint is unspent as of the given
// branch tip. The query never mutates state.
func (s *NonFinalizedState) QueryUnspent(op wire.OutPoint,
	asOfTip chainhash.Hash) (fn.Option[chain.UTXO], error) {

	s.mtx.RLock()
	defer s.mtx.RUnlock()

	node, ok := s.index[asOfTip]
	if !ok {
		return fn.None[chain.UTXO](), ErrUnknownTip
	}

	view := &branchView{state: s, nodes: snapshotChain(node)}
	if utxo, ok := view.FetchUTXO(op); ok {
		return fn.Some(utxo), nil
	}

	return fn.None[chain.UTXO](), nil
}

// QueryNullifierSeen reports whether the nullifier was revealed as of the
// given branch tip. The query never mutates state.
func (s *NonFinalizedState) QueryNullifierSeen(nf chain.Nullifier,
	asOfTip chainhash.Hash) (bool, error) {

	s.mtx.RLock()
	defer s.mtx.RUnlock()

	node, ok := s.index[asOfTip]
	if !ok {
		return false, ErrUnknownTip
	}

	view := &branchView{state: s, nodes: snapshotChain(node)}

	return view.NullifierSeen(nf), nil
}

// FinalizeIfReady finalizes the next block that is safe to finalize: the
// lowest block common to all current tips, provided it is buried at least
// FinalizationDepth below every tip so that no surviving branch can revert
// it. The overlay diff is handed to commit for durable storage while the
// block is still in the forest, so a read started at any point resolves
// the block's effects through either the overlay or the store, never
// neither. Only after commit succeeds is the block removed, every branch
// forking at or below it discarded, and the forest re-rooted at it; a
// commit failure leaves the forest unchanged and the call may be retried.
//
// Calling again without new insertions returns None, making finalization
// idempotent. The caller must serialize this with Insert (a single
// logical writer).
func (s *NonFinalizedState) FinalizeIfReady(
	commit func(*FinalizedBlock) error) (fn.Option[*FinalizedBlock],
	error) {

	s.mtx.RLock()
	candidate := s.finalizationCandidate()
	s.mtx.RUnlock()

	if candidate == nil {
		return fn.None[*FinalizedBlock](), nil
	}

	fb := finalizedDiff(candidate)
	if err := commit(fb); err != nil {
		return fn.None[*FinalizedBlock](), err
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	// Discard every branch not descending through the candidate.
	for _, sibling := range s.children[s.rootHash] {
		if sibling != candidate {
			s.removeSubtree(sibling)
		}
	}
	delete(s.children, s.rootHash)

	// Re-root the forest at the candidate. Escaped views carry their own
	// chain snapshots, so unlinking the parent pointers here is invisible
	// to them.
	delete(s.index, candidate.hash)
	delete(s.tips, candidate.hash)
	for _, child := range s.children[candidate.hash] {
		child.parent = nil
	}
	s.rootHash = candidate.hash
	s.rootHeight = candidate.height

	log.Infof("Finalized block %v at height %d (%d tips remain)",
		candidate.hash, candidate.height, len(s.tips))

	return fn.Some(fb), nil
}

// finalizationCandidate returns the root child that every tip descends
// through, provided it is buried FinalizationDepth deep under all of them,
// and nil otherwise. It must be called with the state lock held.
func (s *NonFinalizedState) finalizationCandidate() *blockNode {
	if len(s.tips) == 0 {
		return nil
	}

	// The only candidate is the root's child every tip descends
	// through. Two root children with live tips means the fork is
	// still contested at the finalization boundary.
	candidateHeight := s.rootHeight + 1

	var candidate *blockNode
	for _, tip := range s.tips {
		if tip.height < candidateHeight+
			s.cfg.Params.FinalizationDepth {

			return nil
		}

		ancestor := tip
		for ancestor.height > candidateHeight {
			ancestor = ancestor.parent
		}

		if candidate == nil {
			candidate = ancestor
		} else if candidate != ancestor {
			return nil
		}
	}

	return candidate
}

// finalizedDiff converts a node's overlay into the diff the durable store
// applies: outputs created and spent within the same block cancel out.
func finalizedDiff(node *blockNode) *FinalizedBlock {
	created := make(map[wire.OutPoint]chain.UTXO, len(node.created))
	for op, utxo := range node.created {
		created[op] = utxo
	}

	spent := make([]wire.OutPoint, 0, len(node.spent))
	for op := range node.spent {
		if _, ok := created[op]; ok {
			delete(created, op)
			continue
		}
		spent = append(spent, op)
	}

	nullifiers := make([]chain.Nullifier, 0, len(node.nullifiers))
	for nf := range node.nullifiers {
		nullifiers = append(nullifiers, nf)
	}

	return &FinalizedBlock{
		Block:      node.block,
		Height:     node.height,
		Created:    created,
		Spent:      spent,
		Nullifiers: nullifiers,
	}
}

// removeSubtree prunes the node and all of its descendants. It must be
// called with the state lock held.
func (s *NonFinalizedState) removeSubtree(node *blockNode) {
	for _, child := range s.children[node.hash] {
		s.removeSubtree(child)
	}
	delete(s.children, node.hash)
	delete(s.index, node.hash)
	delete(s.tips, node.hash)

	log.Tracef("Pruned block %v at height %d", node.hash, node.height)
}

// enforceBranchLimit evicts the weakest tips while more than MaxBranches
// are tracked. The best tip is never evicted. It must be called with the
// state lock held.
func (s *NonFinalizedState) enforceBranchLimit() {
	for len(s.tips) > s.cfg.MaxBranches {
		best := s.bestTipNode()

		var worst *blockNode
		for _, tip := range s.tips {
			if tip == best {
				continue
			}
			if worst == nil {
				worst = tip
				continue
			}

			switch tip.workSum.Cmp(worst.workSum) {
			case -1:
				worst = tip
			case 0:
				// Among equals, the latest seen loses.
				if tip.seq > worst.seq {
					worst = tip
				}
			}
		}
		if worst == nil {
			return
		}

		s.evictBranch(worst)
	}
}

// evictBranch removes the unique suffix of the branch ending at tip: nodes
// from the tip down to (but excluding) the first node shared with another
// branch. It must be called with the state lock held.
func (s *NonFinalizedState) evictBranch(tip *blockNode) {
	log.Debugf("Evicting branch tip %v at height %d (work deficit "+
		"bound exceeded)", tip.hash, tip.height)

	node := tip
	for node != nil && len(s.children[node.hash]) == 0 {
		parent := node.parent

		delete(s.index, node.hash)
		delete(s.tips, node.hash)

		// Unlink from the parent's child list.
		parentHash := s.rootHash
		if parent != nil {
			parentHash = parent.hash
		}
		siblings := s.children[parentHash]
		for i, sibling := range siblings {
			if sibling == node {
				siblings = append(
					siblings[:i], siblings[i+1:]...,
				)
				break
			}
		}
		if len(siblings) == 0 {
			delete(s.children, parentHash)
		} else {
			s.children[parentHash] = siblings
		}

		// A parent that still has other children belongs to another
		// branch and survives; but if this eviction made it
		// childless, it becomes a tip again only if it was one
		// before, which it was not. Stop at any shared node.
		if parent == nil || len(s.children[parentHash]) > 0 {
			return
		}

		node = parent
	}
}
