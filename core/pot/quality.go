package pot

import (
	"github.com/liamzebedee/tinytrust/core"
)

// QualityMetrics are externally reported performance counters for one validator over an epoch. They feed the
// optional quality scaling of the trust reward.
type QualityMetrics struct {
	BlocksProduced uint64 `json:"blocks_produced"`
	BlocksTarget   uint64 `json:"blocks_target"`

	ProofsValid uint64 `json:"proofs_valid"`
	ProofsTotal uint64 `json:"proofs_total"`

	UptimeSlots   uint64 `json:"uptime_slots"`
	EligibleSlots uint64 `json:"eligible_slots"`

	LockDays uint64 `json:"lock_days"`

	FeesCollected uint64 `json:"fees_collected"`
	FeesExpected  uint64 `json:"fees_expected"`

	PeersActive uint64 `json:"peers_active"`
	PeersTarget uint64 `json:"peers_target"`
}

// A QualityStrategy folds metrics into a single score in [0, 1].
type QualityStrategy func(m QualityMetrics) core.Q

// Component weights for WeightedQuality, in basis points. They sum to 10000.
type QualityWeights struct {
	Blocks    uint64
	Proofs    uint64
	Uptime    uint64
	StakeLock uint64
	Fees      uint64
	Network   uint64
}

var DefaultQualityWeights = QualityWeights{
	Blocks:    3_000,
	Proofs:    2_500,
	Uptime:    2_000,
	StakeLock: 1_000,
	Fees:      1_000,
	Network:   500,
}

// Stake locks at or beyond this many days score the full stake-lock component.
const FullLockDays = 365

// ratio returns num/den clamped to [0, 1]. An empty denominator means nothing was expected, which scores as met.
func ratio(num, den uint64) core.Q {
	if den == 0 {
		return core.ONE
	}
	return core.QClamp01(core.QFromRatio(num, den))
}

// WeightedQuality returns a strategy that combines the six metric ratios linearly with the given weights.
func WeightedQuality(w QualityWeights) QualityStrategy {
	total := w.Blocks + w.Proofs + w.Uptime + w.StakeLock + w.Fees + w.Network
	return func(m QualityMetrics) core.Q {
		if total == 0 {
			return 0
		}
		components := []struct {
			score  core.Q
			weight uint64
		}{
			{ratio(m.BlocksProduced, m.BlocksTarget), w.Blocks},
			{ratio(m.ProofsValid, m.ProofsTotal), w.Proofs},
			{ratio(m.UptimeSlots, m.EligibleSlots), w.Uptime},
			{ratio(m.LockDays, FullLockDays), w.StakeLock},
			{ratio(m.FeesCollected, m.FeesExpected), w.Fees},
			{ratio(m.PeersActive, m.PeersTarget), w.Network},
		}

		var acc core.Q
		for _, c := range components {
			acc = core.QAdd(acc, core.Q(core.MulDiv(uint64(c.score), c.weight, total)))
		}
		return core.QClamp01(acc)
	}
}
