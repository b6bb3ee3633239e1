package consensus

import (
	"math/big"
	"sort"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/cinderchain/cinderd/chain"
)

// CalcNextRequiredDifficulty derives the compact target the next block must
// meet from the most recent headers, ordered oldest first. It averages the
// targets across the retarget window and scales the mean by the damped,
// clamped ratio of the measured timespan to the ideal timespan, so single
// outlier blocks move difficulty only gently.
//
// With fewer headers than the retarget window (chain bootstrap), the
// proof-of-work limit is required instead.
func CalcNextRequiredDifficulty(prevHeaders []*chain.BlockHeader,
	params *chain.Params) uint32 {

	window := params.RetargetWindow
	if len(prevHeaders) < window {
		return params.PowLimitBits
	}

	recent := prevHeaders[len(prevHeaders)-window:]

	// Mean target over the window.
	meanTarget := new(big.Int)
	for _, header := range recent {
		meanTarget.Add(
			meanTarget, blockchain.CompactToBig(header.Bits),
		)
	}
	meanTarget.Div(meanTarget, big.NewInt(int64(window)))

	idealTimespan := int64(window-1) *
		int64(params.TargetTimePerBlock/time.Second)

	actualTimespan := recent[len(recent)-1].Timestamp.Unix() -
		recent[0].Timestamp.Unix()

	// Damp the measurement so difficulty follows a quarter of the
	// deviation per retarget.
	dampened := idealTimespan + (actualTimespan-idealTimespan)/4

	minTimespan := idealTimespan *
		(100 - params.MaxAdjustUpPercent) / 100
	maxTimespan := idealTimespan *
		(100 + params.MaxAdjustDownPercent) / 100

	switch {
	case dampened < minTimespan:
		dampened = minTimespan
	case dampened > maxTimespan:
		dampened = maxTimespan
	}

	nextTarget := new(big.Int).Mul(meanTarget, big.NewInt(dampened))
	nextTarget.Div(nextTarget, big.NewInt(idealTimespan))

	if nextTarget.Cmp(params.PowLimit) > 0 {
		nextTarget.Set(params.PowLimit)
	}

	return blockchain.BigToCompact(nextTarget)
}

// CalcMedianTimePast returns the median of the given header timestamps,
// which must be the most recent headers of the branch being extended. An
// empty slice yields the zero time, which every valid timestamp is after.
func CalcMedianTimePast(prevHeaders []*chain.BlockHeader) time.Time {
	if len(prevHeaders) == 0 {
		return time.Time{}
	}

	timestamps := make([]int64, len(prevHeaders))
	for i, header := range prevHeaders {
		timestamps[i] = header.Timestamp.Unix()
	}
	sort.Slice(timestamps, func(i, j int) bool {
		return timestamps[i] < timestamps[j]
	})

	return time.Unix(timestamps[len(timestamps)/2], 0)
}
