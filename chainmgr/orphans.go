package chainmgr

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/cinderchain/cinderd/chain"
)

// orphanEntry is a block waiting for its parent, stamped with its arrival
// time so stale entries can be expired.
type orphanEntry struct {
	block      *chain.Block
	hash       chainhash.Hash
	parent     chainhash.Hash
	receivedAt time.Time
}

// orphanPool holds blocks whose parents have not arrived yet, indexed both
// by block hash and by the awaited parent hash. The pool is bounded: when
// full, the oldest entry is evicted. Entries also expire after a TTL via
// periodic sweeps.
//
// The pool is not safe for concurrent use; the chain manager serializes
// access under its writer lock.
type orphanPool struct {
	maxSize int
	ttl     time.Duration

	byHash   map[chainhash.Hash]*orphanEntry
	byParent map[chainhash.Hash][]*orphanEntry
}

func newOrphanPool(maxSize int, ttl time.Duration) *orphanPool {
	return &orphanPool{
		maxSize:  maxSize,
		ttl:      ttl,
		byHash:   make(map[chainhash.Hash]*orphanEntry),
		byParent: make(map[chainhash.Hash][]*orphanEntry),
	}
}

// contains reports whether the block is already pooled.
func (p *orphanPool) contains(hash chainhash.Hash) bool {
	_, ok := p.byHash[hash]
	return ok
}

// add pools an orphan, evicting the oldest entry if the pool is full. It
// returns the evicted entry's hash, if any.
func (p *orphanPool) add(block *chain.Block, hash chainhash.Hash,
	now time.Time) (chainhash.Hash, bool) {

	var (
		evicted  chainhash.Hash
		didEvict bool
	)
	if len(p.byHash) >= p.maxSize {
		var oldest *orphanEntry
		for _, entry := range p.byHash {
			if oldest == nil ||
				entry.receivedAt.Before(oldest.receivedAt) {

				oldest = entry
			}
		}
		if oldest != nil {
			p.remove(oldest)
			evicted, didEvict = oldest.hash, true
		}
	}

	entry := &orphanEntry{
		block:      block,
		hash:       hash,
		parent:     block.Header.PrevBlock,
		receivedAt: now,
	}
	p.byHash[hash] = entry
	p.byParent[entry.parent] = append(p.byParent[entry.parent], entry)

	return evicted, didEvict
}

// take removes and returns all orphans waiting on the given parent.
func (p *orphanPool) take(parent chainhash.Hash) []*orphanEntry {
	entries := p.byParent[parent]
	if len(entries) == 0 {
		return nil
	}

	delete(p.byParent, parent)
	for _, entry := range entries {
		delete(p.byHash, entry.hash)
	}

	return entries
}

// remove unlinks a single entry from both indexes.
func (p *orphanPool) remove(entry *orphanEntry) {
	delete(p.byHash, entry.hash)

	siblings := p.byParent[entry.parent]
	for i, sibling := range siblings {
		if sibling == entry {
			siblings = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	if len(siblings) == 0 {
		delete(p.byParent, entry.parent)
	} else {
		p.byParent[entry.parent] = siblings
	}
}

// sweep expires every entry older than the TTL and returns how many were
// dropped.
func (p *orphanPool) sweep(now time.Time) int {
	var expired []*orphanEntry
	for _, entry := range p.byHash {
		if now.Sub(entry.receivedAt) >= p.ttl {
			expired = append(expired, entry)
		}
	}

	for _, entry := range expired {
		p.remove(entry)
	}

	return len(expired)
}

// size returns the number of pooled orphans.
func (p *orphanPool) size() int {
	return len(p.byHash)
}
