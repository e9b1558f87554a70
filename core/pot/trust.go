package pot

import (
	"fmt"
	"slices"

	"github.com/liamzebedee/tinytrust/core"
)

// Trust parameters.
//
// Each accepted block moves the proposer's trust along t' = clamp01(Alpha*t + Beta): the old score decays by Alpha
// and the block adds Beta. Repeated rewards converge on Beta/(1-Alpha); repeated decay alone converges on zero.
type TrustParams struct {
	// Decay factor, in [0, 1].
	Alpha core.Q `json:"alpha"`

	// Reward increment per accepted block, in [0, 1].
	Beta core.Q `json:"beta"`

	// Trust assigned to a validator we have never seen.
	Initial core.Q `json:"initial"`
}

func (p TrustParams) Validate() error {
	if p.Alpha > core.ONE {
		return fmt.Errorf("trust alpha must be <= 1.0, got %s", p.Alpha)
	}
	if p.Beta > core.ONE {
		return fmt.Errorf("trust beta must be <= 1.0, got %s", p.Beta)
	}
	if p.Initial > core.ONE {
		return fmt.Errorf("trust initial value must be <= 1.0, got %s", p.Initial)
	}
	return nil
}

// Decay applies the decay factor only.
func (p TrustParams) Decay(t core.Q) core.Q {
	return core.QMul(core.QClamp01(t), p.Alpha)
}

// Step is the decay-then-reward transition for one accepted block.
func (p TrustParams) Step(t core.Q) core.Q {
	return p.stepWithBeta(t, p.Beta)
}

func (p TrustParams) stepWithBeta(t core.Q, beta core.Q) core.Q {
	return core.QClamp01(core.QAdd(p.Decay(t), beta))
}

// FixedPoint returns Beta/(1-Alpha), clamped to [0, 1]: the value trust converges to under continuous rewards.
func (p TrustParams) FixedPoint() core.Q {
	if p.Alpha >= core.ONE {
		if p.Beta == 0 {
			return 0
		}
		return core.ONE
	}
	return core.QClamp01(core.QDiv(p.Beta, core.ONE-p.Alpha))
}

// TrustState holds every validator's trust score. Unseen validators read as the configured initial value without
// being stored.
//
// TrustState is not safe for concurrent mutation; the Engine serialises all writes.
type TrustState struct {
	params TrustParams
	scores map[Identity]core.Q
}

func NewTrustState(params TrustParams) *TrustState {
	return &TrustState{params: params, scores: make(map[Identity]core.Q)}
}

func (s *TrustState) Params() TrustParams {
	return s.params
}

// Get returns the current trust, or the initial value if the validator has never been seen.
func (s *TrustState) Get(id Identity) core.Q {
	if t, ok := s.scores[id]; ok {
		return t
	}
	return core.QClamp01(s.params.Initial)
}

// Set stores a trust value, clamped into [0, 1].
func (s *TrustState) Set(id Identity, t core.Q) {
	s.scores[id] = core.QClamp01(t)
}

// ApplyBlockReward applies exactly one decay-then-reward step for a block accepted from id, and returns the new
// trust.
func (s *TrustState) ApplyBlockReward(id Identity) core.Q {
	next := s.params.Step(s.Get(id))
	s.scores[id] = next
	return next
}

// ApplyBlockRewardWithQuality is ApplyBlockReward with the reward increment scaled by a quality score in [0, 1].
// It is still a single bounded update.
func (s *TrustState) ApplyBlockRewardWithQuality(id Identity, quality core.Q) core.Q {
	beta := core.QMul(s.params.Beta, core.QClamp01(quality))
	next := s.params.stepWithBeta(s.Get(id), beta)
	s.scores[id] = next
	return next
}

// Decay applies the decay factor without a reward, eg. to a validator that stayed idle for an epoch.
func (s *TrustState) Decay(id Identity) core.Q {
	next := s.params.Decay(s.Get(id))
	s.scores[id] = next
	return next
}

// Reset overwrites a validator's trust. It is the explicit trust-slashing hook.
func (s *TrustState) Reset(id Identity, t core.Q) {
	s.Set(id, t)
}

// Identities returns every validator with a stored score, sorted.
func (s *TrustState) Identities() []Identity {
	ids := make([]Identity, 0, len(s.scores))
	for id := range s.scores {
		ids = append(ids, id)
	}
	sortIdentities(ids)
	return ids
}

func (s *TrustState) Clone() *TrustState {
	c := NewTrustState(s.params)
	for id, t := range s.scores {
		c.scores[id] = t
	}
	return c
}

// Equal reports whether both states hold the same stored scores.
func (s *TrustState) Equal(other *TrustState) bool {
	a, b := s.Identities(), other.Identities()
	if !slices.Equal(a, b) {
		return false
	}
	for _, id := range a {
		if s.scores[id] != other.scores[id] {
			return false
		}
	}
	return true
}
