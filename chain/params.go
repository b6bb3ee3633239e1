package chain

import (
	"math/big"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Params defines the consensus parameters of a Cinder network. All validity
// rules that vary between deployments (difficulty bounds, monetary policy,
// feature activation heights) are expressed here so that the verifiers and
// the chain-state machinery stay network agnostic.
type Params struct {
	// Name is a human readable identifier for the network.
	Name string

	// PowLimit is the highest (easiest) permitted proof-of-work target.
	PowLimit *big.Int

	// PowLimitBits is PowLimit in compact representation.
	PowLimitBits uint32

	// TargetTimePerBlock is the desired interval between blocks.
	TargetTimePerBlock time.Duration

	// RetargetWindow is the number of trailing blocks whose targets are
	// averaged when deriving the next required difficulty.
	RetargetWindow int

	// MaxAdjustUpPercent and MaxAdjustDownPercent clamp how far the
	// measured timespan may deviate from the ideal timespan during a
	// retarget, in percent of the ideal timespan.
	MaxAdjustUpPercent   int64
	MaxAdjustDownPercent int64

	// MedianTimeBlocks is the number of trailing blocks used to compute
	// the median time past for timestamp validation.
	MedianTimeBlocks int

	// MaxTimeOffset is how far ahead of the local clock a block
	// timestamp may be.
	MaxTimeOffset time.Duration

	// MaxBlockSize is the maximum serialized block size in bytes.
	MaxBlockSize int

	// MaxTxSize is the maximum serialized transaction size in bytes.
	MaxTxSize int

	// BaseSubsidy is the block reward before any halvings.
	BaseSubsidy btcutil.Amount

	// SubsidyHalvingInterval is the number of blocks between reward
	// halvings.
	SubsidyHalvingInterval uint32

	// CoinbaseMaturity is the number of confirmations required before a
	// coinbase output may be spent.
	CoinbaseMaturity uint32

	// FinalizationDepth is the confirmation count beyond which a block
	// is treated as practically immutable and is committed to durable
	// storage.
	FinalizationDepth uint32

	// ShieldedActivationHeight gates shielded spends and outputs.
	// Transactions carrying shielded data below this height violate
	// consensus.
	ShieldedActivationHeight uint32

	// GenesisBlock is the first block of the chain. It is accepted by
	// identity rather than validated.
	GenesisBlock *Block

	// GenesisHash is the hash of GenesisBlock.
	GenesisHash chainhash.Hash
}

// mainPowLimit is 2^243-1, giving mainnet headers a meaningful work
// requirement from the first retarget onwards.
var mainPowLimit = new(big.Int).Sub(
	new(big.Int).Lsh(big.NewInt(1), 243), big.NewInt(1),
)

// regressionPowLimit is 2^255-1 so that test blocks are minable by nonce
// iteration in a few microseconds.
var regressionPowLimit = new(big.Int).Sub(
	new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1),
)

// MainNetParams defines the consensus parameters for the main network.
var MainNetParams = Params{
	Name:                     "mainnet",
	PowLimit:                 mainPowLimit,
	PowLimitBits:             0x1f07ffff,
	TargetTimePerBlock:       150 * time.Second,
	RetargetWindow:           17,
	MaxAdjustUpPercent:       16,
	MaxAdjustDownPercent:     32,
	MedianTimeBlocks:         11,
	MaxTimeOffset:            2 * time.Hour,
	MaxBlockSize:             2_000_000,
	MaxTxSize:                100_000,
	BaseSubsidy:              btcutil.Amount(12_5000_0000),
	SubsidyHalvingInterval:   840_000,
	CoinbaseMaturity:         100,
	FinalizationDepth:        100,
	ShieldedActivationHeight: 0,
	GenesisBlock:             &mainNetGenesisBlock,
	GenesisHash:              mainNetGenesisHash,
}

// RegressionNetParams defines the consensus parameters for regression
// testing: trivial proof of work, a short finalization depth, and fast
// halvings so monetary edge cases are reachable in unit tests.
var RegressionNetParams = Params{
	Name:                     "regtest",
	PowLimit:                 regressionPowLimit,
	PowLimitBits:             0x207fffff,
	TargetTimePerBlock:       150 * time.Second,
	RetargetWindow:           17,
	MaxAdjustUpPercent:       16,
	MaxAdjustDownPercent:     32,
	MedianTimeBlocks:         11,
	MaxTimeOffset:            2 * time.Hour,
	MaxBlockSize:             2_000_000,
	MaxTxSize:                100_000,
	BaseSubsidy:              btcutil.Amount(12_5000_0000),
	SubsidyHalvingInterval:   150,
	CoinbaseMaturity:         10,
	FinalizationDepth:        3,
	ShieldedActivationHeight: 0,
	GenesisBlock:             &regressionNetGenesisBlock,
	GenesisHash:              regressionNetGenesisHash,
}
