package pot

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/liamzebedee/tinytrust/core"
)

// An EligibilityProof binds a witness's claimed (stake fraction, trust) to a snapshot root. It is one of
// *MerkleWitness or *OpaqueProof.
type EligibilityProof interface {
	isEligibilityProof()
}

// A MerkleWitness is a classical inclusion proof of the claimed row in the snapshot's weight tree.
type MerkleWitness struct {
	LeafIndex uint64     `json:"leaf_index"`
	Siblings  [][32]byte `json:"siblings"`
}

// An OpaqueProof is a succinct proof of the same statement, checked by an injected ProofVerifier whose public
// inputs are only (weights root, beacon value, threshold).
type OpaqueProof struct {
	Scheme string `json:"scheme"`
	Data   []byte `json:"data"`
}

func (*MerkleWitness) isEligibilityProof() {}
func (*OpaqueProof) isEligibilityProof()   {}

// A LeaderWitness is a validator's claim to lead a slot. The identity is assumed authenticated upstream.
type LeaderWitness struct {
	Identity      Identity
	Epoch         uint64
	Slot          uint64
	StakeFraction core.Q
	Trust         core.Q
	WeightsRoot   Hash
	Proof         EligibilityProof
}

type PublicInputs struct {
	WeightsRoot Hash
	BeaconValue Hash
	Threshold   core.Q
}

// ProofVerifier is the zero-knowledge collaborator for the opaque proof path.
type ProofVerifier interface {
	Verify(inputs PublicInputs, proof []byte) bool
}

// BeaconReader provides finalized per-slot beacon values.
type BeaconReader interface {
	Value(epoch, slot uint64) (Hash, bool)
}

// Reason explains a verdict.
type Reason int

const (
	ReasonEligible Reason = iota

	// Stale or mismatched input.
	ReasonWrongEpoch
	ReasonRootMismatch
	ReasonNoBeacon

	// Protocol violations, which the caller may slash for.
	ReasonMalformed
	ReasonBadMerkleProof
	ReasonProofRejected

	// Honest but unlucky, or misconfigured.
	ReasonInactive
	ReasonNoVerifier
	ReasonDegenerate
	ReasonAboveThreshold
)

var reasonNames = map[Reason]string{
	ReasonEligible:       "eligible",
	ReasonWrongEpoch:     "wrong epoch",
	ReasonRootMismatch:   "weights root mismatch",
	ReasonNoBeacon:       "beacon not finalized",
	ReasonMalformed:      "malformed witness",
	ReasonBadMerkleProof: "invalid merkle proof",
	ReasonProofRejected:  "eligibility proof rejected",
	ReasonInactive:       "inactive or under-bonded",
	ReasonNoVerifier:     "no proof verifier configured",
	ReasonDegenerate:     "empty snapshot",
	ReasonAboveThreshold: "hash above threshold",
}

func (r Reason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

// IsViolation reports whether the verdict is grounds for slashing.
func (r Reason) IsViolation() bool {
	switch r {
	case ReasonMalformed, ReasonBadMerkleProof, ReasonProofRejected:
		return true
	}
	return false
}

// A Verdict is the result of verifying a LeaderWitness.
type Verdict struct {
	Eligible  bool
	Reason    Reason
	EligHash  *uint256.Int
	Threshold core.Q
	// TieBreak is only set for eligible witnesses.
	TieBreak *uint256.Int
}

func reject(r Reason) Verdict {
	return Verdict{Eligible: false, Reason: r}
}

type SortitionParams struct {
	// Expected fraction of total weight that wins each slot.
	Lambda core.Q `json:"lambda"`

	// Minimum stake to take part.
	MinBond uint64 `json:"min_bond"`

	// A witness's slot must fall inside its epoch.
	EpochLengthSlots uint64 `json:"epoch_length_slots"`
}

// EligHash is the pseudorandom draw of a validator for a slot, as a 256-bit integer.
func EligHash(beaconValue Hash, slot uint64, id Identity) *uint256.Int {
	h := core.HashTagged(core.TagEligibility, beaconValue[:], core.Uint64Bytes(slot), id[:])
	return new(uint256.Int).SetBytes32(h[:])
}

// Threshold returns clamp01(lambda * weight / sumWeights), computed as a single exact floor so that it is monotone
// in weight.
func Threshold(lambda, weight, sumWeights core.Q) core.Q {
	if sumWeights < MinSumWeights {
		sumWeights = MinSumWeights
	}
	return core.QClamp01(core.Q(core.MulDiv(uint64(lambda), uint64(weight), uint64(sumWeights))))
}

// ScaledBound scales threshold into the 256-bit hash domain, ie. threshold * 2^224. always is set when the
// threshold is ONE or more and every draw passes.
func ScaledBound(threshold core.Q) (bound *uint256.Int, always bool) {
	if threshold >= core.ONE {
		return nil, true
	}
	bound = uint256.NewInt(uint64(threshold))
	return bound.Lsh(bound, 256-core.QScale), false
}

// PassesThreshold reports whether h, a draw from [0, 2^256), is strictly below the scaled bound of threshold.
func PassesThreshold(h *uint256.Int, threshold core.Q) bool {
	if threshold == 0 {
		return false
	}
	bound, always := ScaledBound(threshold)
	if always {
		return true
	}
	return h.Lt(bound)
}

// TieBreakWeight returns floor((2^256-1) / (h+1)). Smaller draws give larger weights. It is the weight used both
// to pick between competing proposals for a slot and to accumulate chain weight.
func TieBreakWeight(h *uint256.Int) *uint256.Int {
	denom, overflow := new(uint256.Int).AddOverflow(h, uint256.NewInt(1))
	if overflow {
		return new(uint256.Int)
	}
	max := new(uint256.Int).SetAllOne()
	return max.Div(max, denom)
}

// A Verifier checks leader witnesses against one epoch's snapshot and beacon.
type Verifier struct {
	Params   SortitionParams
	Registry *Registry
	Snapshot SnapshotHeader
	Beacon   BeaconReader
	Proofs   ProofVerifier
}

// Verify decides whether w is a valid leader for its slot. It never panics and never returns an error: every
// failure is a negative verdict with a reason.
func (v *Verifier) Verify(w *LeaderWitness) Verdict {
	if w == nil {
		return reject(ReasonMalformed)
	}
	if w.Epoch != v.Snapshot.Epoch {
		return reject(ReasonWrongEpoch)
	}
	if v.Params.EpochLengthSlots == 0 || w.Slot/v.Params.EpochLengthSlots != w.Epoch {
		return reject(ReasonWrongEpoch)
	}
	if w.WeightsRoot != v.Snapshot.Root {
		return reject(ReasonRootMismatch)
	}
	if v.Registry == nil || !v.Registry.IsEligible(w.Identity, v.Params.MinBond) {
		return reject(ReasonInactive)
	}
	if w.StakeFraction > core.ONE || w.Trust > core.ONE {
		return reject(ReasonMalformed)
	}
	if v.Snapshot.Count == 0 {
		return reject(ReasonDegenerate)
	}
	if v.Beacon == nil {
		return reject(ReasonNoBeacon)
	}
	beaconValue, ok := v.Beacon.Value(w.Epoch, w.Slot)
	if !ok {
		return reject(ReasonNoBeacon)
	}

	weight := WeightOf(w.StakeFraction, w.Trust)
	threshold := Threshold(v.Params.Lambda, weight, v.Snapshot.SumWeights)

	switch proof := w.Proof.(type) {
	case *MerkleWitness:
		if !v.Snapshot.VerifyInclusion(proof, w.Identity, w.StakeFraction, w.Trust) {
			return reject(ReasonBadMerkleProof)
		}
	case *OpaqueProof:
		if proof == nil {
			return reject(ReasonMalformed)
		}
		if v.Proofs == nil {
			return reject(ReasonNoVerifier)
		}
		inputs := PublicInputs{WeightsRoot: v.Snapshot.Root, BeaconValue: beaconValue, Threshold: threshold}
		if !v.Proofs.Verify(inputs, proof.Data) {
			return reject(ReasonProofRejected)
		}
	default:
		return reject(ReasonMalformed)
	}

	h := EligHash(beaconValue, w.Slot, w.Identity)
	verdict := Verdict{Reason: ReasonAboveThreshold, EligHash: h, Threshold: threshold}
	if !PassesThreshold(h, threshold) {
		return verdict
	}

	verdict.Eligible = true
	verdict.Reason = ReasonEligible
	verdict.TieBreak = TieBreakWeight(h)
	return verdict
}

// TryLead builds a Merkle witness for a local validator from the full snapshot and returns it if the validator is
// eligible for the slot.
func (v *Verifier) TryLead(snap *EpochSnapshot, id Identity, slot uint64) (*LeaderWitness, Verdict) {
	entry, ok := snap.Entry(id)
	if !ok {
		return nil, reject(ReasonInactive)
	}
	mw, ok := snap.BuildWitness(id)
	if !ok {
		return nil, reject(ReasonInactive)
	}
	w := &LeaderWitness{
		Identity:      id,
		Epoch:         snap.Epoch(),
		Slot:          slot,
		StakeFraction: entry.StakeFraction,
		Trust:         entry.Trust,
		WeightsRoot:   snap.WeightsRoot(),
		Proof:         mw,
	}
	verdict := v.Verify(w)
	if !verdict.Eligible {
		return nil, verdict
	}
	return w, verdict
}
