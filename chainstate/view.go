package chainstate

import (
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/cinderchain/cinderd/chain"
	"github.com/cinderchain/cinderd/consensus"
)

// FinalizedView is the read side of durable finalized history that branch
// overlays fall through to. The finalized store implements it; reads are
// against immutable committed state and are safe from any goroutine.
type FinalizedView interface {
	// FetchUTXO returns the unspent output for the given outpoint in
	// finalized history.
	FetchUTXO(op wire.OutPoint) (chain.UTXO, bool)

	// HasNullifier reports whether the nullifier was revealed in
	// finalized history.
	HasNullifier(nf chain.Nullifier) bool

	// HeaderByHeight returns the header of the finalized block at the
	// given height.
	HeaderByHeight(height uint32) (*chain.BlockHeader, bool)
}

// branchView is an immutable snapshot of one branch: the overlay chain
// captured at construction plus the finalized fall-through. It implements
// consensus.ChainContext for the candidate block extending the branch, and
// consensus.UtxoView for standalone transaction checks.
//
// Node overlays never mutate after insertion, and the view carries its own
// copy of the chain rather than following live parent links, so it stays
// consistent without holding any lock even while finalization re-roots the
// forest underneath it.
type branchView struct {
	state *NonFinalizedState

	// nodes is the branch overlay chain, tip first. Empty for a branch
	// rooted directly at the finalized tip.
	nodes []*blockNode

	height uint32

	requiredBits   uint32
	medianTimePast time.Time
}

// A branchView serves both block verification and standalone transaction
// verification.
var _ consensus.ChainContext = (*branchView)(nil)
var _ consensus.UtxoView = (*branchView)(nil)

// Height returns the height a candidate block extending the branch would
// occupy.
//
// NOTE: Part of the consensus.ChainContext interface.
func (v *branchView) Height() uint32 {
	return v.height
}

// RequiredBits returns the compact difficulty target derived from the
// branch's recent headers.
//
// NOTE: Part of the consensus.ChainContext interface.
func (v *branchView) RequiredBits() uint32 {
	return v.requiredBits
}

// MedianTimePast returns the median timestamp of the branch's most recent
// headers.
//
// NOTE: Part of the consensus.ChainContext interface.
func (v *branchView) MedianTimePast() time.Time {
	return v.medianTimePast
}

// FetchUTXO resolves an outpoint against the branch overlay, walking from
// the branch tip towards the finalized root and falling through to the
// finalized store. An output spent anywhere along the branch is absent.
//
// NOTE: Part of the consensus.ChainContext interface.
func (v *branchView) FetchUTXO(op wire.OutPoint) (chain.UTXO, bool) {
	for _, node := range v.nodes {
		if _, ok := node.spent[op]; ok {
			return chain.UTXO{}, false
		}
		if utxo, ok := node.created[op]; ok {
			return utxo, true
		}
	}

	return v.state.cfg.FinalizedView.FetchUTXO(op)
}

// NullifierSeen reports whether the nullifier was revealed on the branch or
// in finalized history.
//
// NOTE: Part of the consensus.ChainContext interface.
func (v *branchView) NullifierSeen(nf chain.Nullifier) bool {
	for _, node := range v.nodes {
		if _, ok := node.nullifiers[nf]; ok {
			return true
		}
	}

	return v.state.cfg.FinalizedView.HasNullifier(nf)
}

// snapshotChain collects the overlay chain ending at parent, tip first.
// It must be called with the state lock held: views keep the returned
// slice instead of following parent links, which finalization unlinks
// when the forest re-roots.
func snapshotChain(parent *blockNode) []*blockNode {
	var nodes []*blockNode
	for node := parent; node != nil; node = node.parent {
		nodes = append(nodes, node)
	}

	return nodes
}

// recentHeaders collects up to count headers ending at the branch parent,
// oldest first, crossing into finalized history when the branch is shorter
// than the window.
func (s *NonFinalizedState) recentHeaders(parent *blockNode,
	count int) []*chain.BlockHeader {

	headers := make([]*chain.BlockHeader, 0, count)

	// Branch portion, collected tip-first.
	node := parent
	for node != nil && len(headers) < count {
		headers = append(headers, &node.block.Header)
		node = node.parent
	}

	// Finalized portion, continuing downward from the root.
	height := s.rootHeight
	for len(headers) < count {
		header, ok := s.cfg.FinalizedView.HeaderByHeight(height)
		if !ok {
			break
		}
		headers = append(headers, header)

		if height == 0 {
			break
		}
		height--
	}

	// Reverse into oldest-first order.
	for i, j := 0, len(headers)-1; i < j; i, j = i+1, j-1 {
		headers[i], headers[j] = headers[j], headers[i]
	}

	return headers
}

// newBranchView snapshots the branch ending at parent (nil for the
// finalized root) and precomputes the difficulty and timestamp context for
// a candidate at the next height.
func (s *NonFinalizedState) newBranchView(parent *blockNode) *branchView {
	params := s.cfg.Params

	var height uint32
	if parent != nil {
		height = parent.height + 1
	} else {
		height = s.rootHeight + 1
	}

	retargetHeaders := s.recentHeaders(parent, params.RetargetWindow)
	mtpHeaders := s.recentHeaders(parent, params.MedianTimeBlocks)

	return &branchView{
		state:  s,
		nodes:  snapshotChain(parent),
		height: height,
		requiredBits: consensus.CalcNextRequiredDifficulty(
			retargetHeaders, params,
		),
		medianTimePast: consensus.CalcMedianTimePast(mtpHeaders),
	}
}
