package chaindb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/cinderchain/cinderd/chain"
	"github.com/cinderchain/cinderd/chainstate"
	"github.com/lightningnetwork/lnd/kvdb"
)

var (
	// metaBucket stores database-wide metadata: the schema version and
	// the finalized tip.
	metaBucket = []byte("chain-meta")

	// blockBucket stores finalized blocks keyed by big-endian height,
	// so iteration order is chain order.
	blockBucket = []byte("chain-blocks")

	// blockIndexBucket maps block hash to big-endian height.
	blockIndexBucket = []byte("chain-block-index")

	// utxoBucket stores the finalized unspent transparent outputs
	// keyed by serialized outpoint.
	utxoBucket = []byte("chain-utxos")

	// nullifierBucket stores every revealed nullifier keyed by its 32
	// bytes, with the revealing height as value.
	nullifierBucket = []byte("chain-nullifiers")

	// dbVersionKey holds the schema version under the meta bucket.
	dbVersionKey = []byte("version")

	// tipKey holds the finalized tip (hash plus height) under the
	// meta bucket.
	tipKey = []byte("tip")

	// ErrConsistencyFault is returned when a commit does not extend
	// the finalized tip and is not a replay of it. The finalized chain
	// never reorganizes, so this signals either a forest bug or a
	// corrupted store, and the node must halt rather than diverge.
	ErrConsistencyFault = errors.New("finalized chain consistency fault")

	// ErrBlockNotFound is returned when the requested block is not in
	// the finalized store.
	ErrBlockNotFound = errors.New("block not found in finalized store")

	// ErrDBReversion is returned when opening a database that was
	// created by a newer software version.
	ErrDBReversion = errors.New("chain db cannot be reverted to a " +
		"lower schema version")

	byteOrder = binary.BigEndian
)

// migration is a function which takes a prior outdated version of the
// database instance and mutates the key/bucket structure to conform to
// the latest schema.
type migration func(tx kvdb.RwTx) error

type dbVersion struct {
	number    uint32
	migration migration
}

// dbVersions is storing all versions of database. If the current version
// of the database does not match the latest version this list will be
// used for retrieving all migration functions that are needed in order to
// apply the latest schema.
var dbVersions = []dbVersion{
	{
		// The initial schema: all top-level buckets and the genesis
		// block are created on first open, so no migration is
		// needed.
		number:    0,
		migration: nil,
	},
}

// getLatestDBVersion returns the last known database version.
func getLatestDBVersion(versions []dbVersion) uint32 {
	return versions[len(versions)-1].number
}

// getMigrationsToApply retrieves the migration functions that should be
// applied to the database to bring it up to the latest schema.
func getMigrationsToApply(versions []dbVersion,
	version uint32) ([]migration, []uint32) {

	migrations := make([]migration, 0, len(versions))
	migrationVersions := make([]uint32, 0, len(versions))

	for _, v := range versions {
		if v.number > version && v.migration != nil {
			migrations = append(migrations, v.migration)
			migrationVersions = append(
				migrationVersions, v.number,
			)
		}
	}

	return migrations, migrationVersions
}

// Options bundles the knobs of the finalized store.
type Options struct {
	// Params are the consensus parameters, used to seed the genesis
	// block on first open.
	Params *chain.Params

	// NoFreelistSync skips syncing the bolt freelist to disk, trading
	// crash-recovery time for commit latency.
	NoFreelistSync bool

	// ReadOnly opens the backing database read-only.
	ReadOnly bool
}

// DB is the durable append-only store of finalized chain state: blocks in
// chain order, the transparent UTXO set, and the revealed nullifier set.
// It is the source of truth below the finalization boundary and the read
// fallback for every non-finalized branch view.
type DB struct {
	kvdb.Backend

	// tipMtx guards the cached tip reference, which Commit advances
	// while Tip may be called from any goroutine.
	tipMtx    sync.RWMutex
	tipHash   chainhash.Hash
	tipHeight uint32

	params *chain.Params
}

// A compile time check to ensure the store serves branch views.
var _ chainstate.FinalizedView = (*DB)(nil)

// Open creates or opens the finalized store at the given path. A fresh
// database is seeded with the genesis block; an existing one is migrated
// to the latest schema and its tip is loaded.
func Open(path string, opts Options) (*DB, error) {
	backend, err := kvdb.Create(
		kvdb.BoltBackendName, path, opts.NoFreelistSync,
		kvdb.DefaultDBTimeout, opts.ReadOnly,
	)
	if err != nil {
		return nil, err
	}

	db := &DB{
		Backend: backend,
		params:  opts.Params,
	}

	if err := db.init(); err != nil {
		backend.Close()
		return nil, err
	}

	if err := db.syncVersions(dbVersions); err != nil {
		backend.Close()
		return nil, err
	}

	if err := db.loadTip(); err != nil {
		backend.Close()
		return nil, err
	}

	log.Infof("Finalized store open: tip %v at height %d", db.tipHash,
		db.tipHeight)

	return db, nil
}

// init creates the top-level buckets and seeds the genesis block if the
// store is empty.
func (d *DB) init() error {
	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		buckets := [][]byte{
			metaBucket, blockBucket, blockIndexBucket,
			utxoBucket, nullifierBucket,
		}
		for _, bucket := range buckets {
			_, err := tx.CreateTopLevelBucket(bucket)
			if err != nil {
				return err
			}
		}

		meta := tx.ReadWriteBucket(metaBucket)
		if meta.Get(tipKey) != nil {
			return nil
		}

		// Fresh database: pin the schema version and finalize the
		// genesis block.
		var versionBytes [4]byte
		byteOrder.PutUint32(
			versionBytes[:], getLatestDBVersion(dbVersions),
		)
		err := meta.Put(dbVersionKey, versionBytes[:])
		if err != nil {
			return err
		}

		genesis := d.params.GenesisBlock
		diff := genesisDiff(genesis)

		log.Infof("Seeding finalized store with genesis block %v",
			d.params.GenesisHash)

		return putFinalizedBlock(tx, diff)
	}, func() {})
}

// genesisDiff derives the finalization diff of the genesis block: its
// coinbase outputs and nothing else.
func genesisDiff(genesis *chain.Block) *chainstate.FinalizedBlock {
	created := make(map[wire.OutPoint]chain.UTXO)
	coinbase := genesis.Transactions[0]
	coinbaseHash := coinbase.TxHash()
	for idx, txOut := range coinbase.Transparent.TxOut {
		op := wire.OutPoint{Hash: coinbaseHash, Index: uint32(idx)}
		created[op] = chain.UTXO{
			Value:    btcutil.Amount(txOut.Value),
			PkScript: txOut.PkScript,
			Height:   0,
			Coinbase: true,
		}
	}

	return &chainstate.FinalizedBlock{
		Block:   genesis,
		Height:  0,
		Created: created,
	}
}

// syncVersions applies all migrations that are needed in order to bring
// the database up to the latest schema version.
func (d *DB) syncVersions(versions []dbVersion) error {
	var meta uint32
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		var err error
		meta, err = fetchDBVersion(tx)
		return err
	}, func() {
		meta = 0
	})
	if err != nil {
		return err
	}

	latestVersion := getLatestDBVersion(versions)
	log.Infof("Checking for schema update: latest_version=%v, "+
		"db_version=%v", latestVersion, meta)

	switch {
	case meta > latestVersion:
		log.Errorf("Refusing to revert from db_version=%d to "+
			"lower version=%d", meta, latestVersion)
		return ErrDBReversion

	case meta == latestVersion:
		return nil
	}

	log.Infof("Performing database schema migration")

	migrations, migrationVersions := getMigrationsToApply(versions, meta)
	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		for i, migration := range migrations {
			log.Infof("Applying migration #%v",
				migrationVersions[i])

			if err := migration(tx); err != nil {
				log.Infof("Unable to apply migration #%v",
					migrationVersions[i])
				return err
			}
		}

		return putDBVersion(tx, latestVersion)
	}, func() {})
}

// loadTip caches the finalized tip reference from the meta bucket.
func (d *DB) loadTip() error {
	return kvdb.View(d, func(tx kvdb.RTx) error {
		meta := tx.ReadBucket(metaBucket)
		tipBytes := meta.Get(tipKey)
		if len(tipBytes) != chainhash.HashSize+4 {
			return fmt.Errorf("malformed tip record of %d bytes",
				len(tipBytes))
		}

		copy(d.tipHash[:], tipBytes[:chainhash.HashSize])
		d.tipHeight = byteOrder.Uint32(
			tipBytes[chainhash.HashSize:],
		)

		return nil
	}, func() {})
}

func fetchDBVersion(tx kvdb.RTx) (uint32, error) {
	meta := tx.ReadBucket(metaBucket)
	if meta == nil {
		return 0, kvdb.ErrBucketNotFound
	}

	versionBytes := meta.Get(dbVersionKey)
	if len(versionBytes) != 4 {
		return 0, fmt.Errorf("malformed db version record")
	}

	return byteOrder.Uint32(versionBytes), nil
}

func putDBVersion(tx kvdb.RwTx, version uint32) error {
	var versionBytes [4]byte
	byteOrder.PutUint32(versionBytes[:], version)

	return tx.ReadWriteBucket(metaBucket).Put(
		dbVersionKey, versionBytes[:],
	)
}

// Tip returns the finalized tip reference.
func (d *DB) Tip() (chainhash.Hash, uint32) {
	d.tipMtx.RLock()
	defer d.tipMtx.RUnlock()

	return d.tipHash, d.tipHeight
}

// Commit atomically applies a finalized block: stores the block, spends
// its inputs from the UTXO set, adds its outputs, and records its
// nullifiers, then advances the tip. Either every effect is applied or
// none is.
//
// Committing the block that is already the finalized tip is a no-op, so a
// crash between forest finalization and durable commit recovers by simply
// replaying. Any other non-extending block is a consistency fault.
func (d *DB) Commit(fb *chainstate.FinalizedBlock) error {
	blockHash := fb.Block.BlockHash()

	// Commits are serialized: the tip lock is held across the write
	// transaction so the cached tip never disagrees with the store.
	d.tipMtx.Lock()
	defer d.tipMtx.Unlock()

	switch {
	// Idempotent replay of the current tip.
	case blockHash == d.tipHash && fb.Height == d.tipHeight:
		log.Debugf("Skipping already committed block %v at "+
			"height %d", blockHash, fb.Height)
		return nil

	case fb.Block.Header.PrevBlock != d.tipHash ||
		fb.Height != d.tipHeight+1:

		return fmt.Errorf("%w: block %v at height %d does not "+
			"extend tip %v at height %d", ErrConsistencyFault,
			blockHash, fb.Height, d.tipHash, d.tipHeight)
	}

	err := kvdb.Update(d, func(tx kvdb.RwTx) error {
		return putFinalizedBlock(tx, fb)
	}, func() {})
	if err != nil {
		return err
	}

	d.tipHash = blockHash
	d.tipHeight = fb.Height

	log.Debugf("Committed block %v at height %d (%d created, %d "+
		"spent, %d nullifiers)", blockHash, fb.Height,
		len(fb.Created), len(fb.Spent), len(fb.Nullifiers))

	return nil
}

// putFinalizedBlock writes every effect of a finalized block within the
// given transaction.
func putFinalizedBlock(tx kvdb.RwTx, fb *chainstate.FinalizedBlock) error {
	blockHash := fb.Block.BlockHash()

	var heightBytes [4]byte
	byteOrder.PutUint32(heightBytes[:], fb.Height)

	// Block body, keyed by height.
	var blockBuf bytes.Buffer
	if err := fb.Block.Serialize(&blockBuf); err != nil {
		return err
	}
	blocks := tx.ReadWriteBucket(blockBucket)
	err := blocks.Put(heightBytes[:], blockBuf.Bytes())
	if err != nil {
		return err
	}

	// Hash to height index.
	index := tx.ReadWriteBucket(blockIndexBucket)
	if err := index.Put(blockHash[:], heightBytes[:]); err != nil {
		return err
	}

	// UTXO set: remove spends first, then add creations. A spend of a
	// missing output means the forest and store disagree about
	// history, which is unrecoverable.
	utxos := tx.ReadWriteBucket(utxoBucket)
	for _, op := range fb.Spent {
		key := outpointKey(op)
		if utxos.Get(key) == nil {
			return fmt.Errorf("%w: spent outpoint %v not in "+
				"finalized utxo set", ErrConsistencyFault,
				op)
		}
		if err := utxos.Delete(key); err != nil {
			return err
		}
	}
	for op, utxo := range fb.Created {
		var utxoBuf bytes.Buffer
		if err := utxo.Serialize(&utxoBuf); err != nil {
			return err
		}
		err := utxos.Put(outpointKey(op), utxoBuf.Bytes())
		if err != nil {
			return err
		}
	}

	// Nullifier set, recording the revealing height.
	nullifiers := tx.ReadWriteBucket(nullifierBucket)
	for _, nf := range fb.Nullifiers {
		if nullifiers.Get(nf[:]) != nil {
			return fmt.Errorf("%w: nullifier %x already in "+
				"finalized set", ErrConsistencyFault, nf)
		}
		err := nullifiers.Put(nf[:], heightBytes[:])
		if err != nil {
			return err
		}
	}

	// Advance the tip.
	meta := tx.ReadWriteBucket(metaBucket)
	tipBytes := make([]byte, 0, chainhash.HashSize+4)
	tipBytes = append(tipBytes, blockHash[:]...)
	tipBytes = append(tipBytes, heightBytes[:]...)

	return meta.Put(tipKey, tipBytes)
}

// outpointKey serializes an outpoint as a fixed 36 byte key.
func outpointKey(op wire.OutPoint) []byte {
	key := make([]byte, chainhash.HashSize+4)
	copy(key, op.Hash[:])
	byteOrder.PutUint32(key[chainhash.HashSize:], op.Index)

	return key
}

// FetchBlockByHeight returns the finalized block at the given height.
func (d *DB) FetchBlockByHeight(height uint32) (*chain.Block, error) {
	var block *chain.Block
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		var heightBytes [4]byte
		byteOrder.PutUint32(heightBytes[:], height)

		blockBytes := tx.ReadBucket(blockBucket).Get(heightBytes[:])
		if blockBytes == nil {
			return ErrBlockNotFound
		}

		block = new(chain.Block)
		return block.Deserialize(bytes.NewReader(blockBytes))
	}, func() {
		block = nil
	})
	if err != nil {
		return nil, err
	}

	return block, nil
}

// FetchBlock returns the finalized block with the given hash.
func (d *DB) FetchBlock(hash chainhash.Hash) (*chain.Block, error) {
	var block *chain.Block
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		heightBytes := tx.ReadBucket(blockIndexBucket).Get(hash[:])
		if heightBytes == nil {
			return ErrBlockNotFound
		}

		blockBytes := tx.ReadBucket(blockBucket).Get(heightBytes)
		if blockBytes == nil {
			return fmt.Errorf("%w: block %v indexed but body "+
				"missing", ErrConsistencyFault, hash)
		}

		block = new(chain.Block)
		return block.Deserialize(bytes.NewReader(blockBytes))
	}, func() {
		block = nil
	})
	if err != nil {
		return nil, err
	}

	return block, nil
}

// FetchUTXO returns the finalized unspent output for the outpoint, if it
// exists. This is the read fallback of every branch view.
func (d *DB) FetchUTXO(op wire.OutPoint) (chain.UTXO, bool) {
	var (
		utxo  chain.UTXO
		found bool
	)
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		utxoBytes := tx.ReadBucket(utxoBucket).Get(outpointKey(op))
		if utxoBytes == nil {
			return nil
		}

		found = true
		return utxo.Deserialize(bytes.NewReader(utxoBytes))
	}, func() {
		found = false
	})
	if err != nil {
		log.Errorf("Unable to fetch utxo %v: %v", op, err)
		return chain.UTXO{}, false
	}

	return utxo, found
}

// HasNullifier reports whether the nullifier is in the finalized set.
func (d *DB) HasNullifier(nf chain.Nullifier) bool {
	var found bool
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		found = tx.ReadBucket(nullifierBucket).Get(nf[:]) != nil
		return nil
	}, func() {
		found = false
	})
	if err != nil {
		log.Errorf("Unable to query nullifier %x: %v", nf, err)
		return false
	}

	return found
}

// HeaderByHeight returns the header of the finalized block at the given
// height. It backs difficulty and median-time computations when a branch
// view's window reaches below the finalization boundary.
func (d *DB) HeaderByHeight(height uint32) (*chain.BlockHeader, bool) {
	block, err := d.FetchBlockByHeight(height)
	if err != nil {
		return nil, false
	}

	header := block.Header
	return &header, true
}
