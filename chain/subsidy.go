package chain

import (
	"github.com/btcsuite/btcd/btcutil"
)

// BlockSubsidy returns the miner reward for a block at the given height,
// before fees. The base subsidy halves every SubsidyHalvingInterval blocks
// and eventually reaches zero.
func BlockSubsidy(height uint32, params *Params) btcutil.Amount {
	if params.SubsidyHalvingInterval == 0 {
		return params.BaseSubsidy
	}

	halvings := height / params.SubsidyHalvingInterval
	if halvings >= 64 {
		return 0
	}

	return params.BaseSubsidy >> halvings
}
