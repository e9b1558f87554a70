package pot

import (
	"errors"
	"fmt"

	"github.com/liamzebedee/tinytrust/core"
)

const MaxBasisPoints = 10_000

var ErrUnknownValidator = errors.New("validator not in registry")

// Slash cuts bps basis points from stake. bps is clamped to [0, 10000], so the cut never exceeds the stake.
func Slash(stake uint64, bps int64) (remaining uint64, cut uint64) {
	if bps < 0 {
		bps = 0
	}
	if bps > MaxBasisPoints {
		bps = MaxBasisPoints
	}
	cut = core.MulDiv(stake, uint64(bps), MaxBasisPoints)
	if cut > stake {
		cut = stake
	}
	return stake - cut, cut
}

// Offense is a protocol violation the caller may choose to penalize.
type Offense int

const (
	OffenseEquivocation Offense = iota
	OffenseNoReveal
	OffenseInvalidReveal
	OffenseInvalidWitness
)

func (o Offense) String() string {
	switch o {
	case OffenseEquivocation:
		return "equivocation"
	case OffenseNoReveal:
		return "no-reveal"
	case OffenseInvalidReveal:
		return "invalid-reveal"
	case OffenseInvalidWitness:
		return "invalid-witness"
	}
	return fmt.Sprintf("Offense(%d)", int(o))
}

// SlashingConfig is the severity table for every offense, in basis points of stake.
type SlashingConfig struct {
	EquivocationBps   int64 `json:"equivocation_bps"`
	NoRevealBps       int64 `json:"no_reveal_bps"`
	InvalidRevealBps  int64 `json:"invalid_reveal_bps"`
	InvalidWitnessBps int64 `json:"invalid_witness_bps"`

	// Reset the offender's trust to the initial value in addition to cutting stake.
	ResetTrust bool `json:"reset_trust"`
}

var DefaultSlashingConfig = SlashingConfig{
	EquivocationBps:   1000,
	NoRevealBps:       100,
	InvalidRevealBps:  500,
	InvalidWitnessBps: 500,
	ResetTrust:        true,
}

func (c SlashingConfig) Validate() error {
	for _, f := range []struct {
		name string
		bps  int64
	}{
		{"equivocation_bps", c.EquivocationBps},
		{"no_reveal_bps", c.NoRevealBps},
		{"invalid_reveal_bps", c.InvalidRevealBps},
		{"invalid_witness_bps", c.InvalidWitnessBps},
	} {
		if f.bps < 0 || f.bps > MaxBasisPoints {
			return fmt.Errorf("slashing %s must be in [0, %d], got %d", f.name, MaxBasisPoints, f.bps)
		}
	}
	return nil
}

// NewSlashingConfig validates c and returns it.
func NewSlashingConfig(c SlashingConfig) (SlashingConfig, error) {
	if err := c.Validate(); err != nil {
		return SlashingConfig{}, err
	}
	return c, nil
}

// BasisPoints returns the penalty for an offense.
func (c SlashingConfig) BasisPoints(o Offense) int64 {
	switch o {
	case OffenseEquivocation:
		return c.EquivocationBps
	case OffenseNoReveal:
		return c.NoRevealBps
	case OffenseInvalidReveal:
		return c.InvalidRevealBps
	case OffenseInvalidWitness:
		return c.InvalidWitnessBps
	}
	return 0
}

// Penalize cuts the offender's stake in the registry and, if configured, resets their trust to at most the
// initial value. A penalty never raises trust. It is never called implicitly by detection; the caller decides.
func (c SlashingConfig) Penalize(registry *Registry, trust *TrustState, offense Offense, id Identity) (uint64, error) {
	entry, ok := registry.Get(id)
	if !ok {
		return 0, fmt.Errorf("penalize %s for %s: %w", id.Short(), offense, ErrUnknownValidator)
	}
	remaining, cut := Slash(entry.Stake, c.BasisPoints(offense))
	registry.SetStake(id, remaining)
	if c.ResetTrust && trust != nil {
		trust.Reset(id, core.QMin(trust.Get(id), trust.Params().Initial))
	}
	return cut, nil
}
