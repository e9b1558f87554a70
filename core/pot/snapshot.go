package pot

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/liamzebedee/tinytrust/core"
)

var snapshotLogger = core.NewLogger("pot", "snapshot")

// MinSumWeights is the floor applied to a snapshot's weight sum, so that thresholds never divide by zero. A
// snapshot with no eligible validators still verifies nobody, because nobody has an inclusion proof.
const MinSumWeights = core.ONE / 1_000_000

// A SnapshotEntry is one validator's committed row.
type SnapshotEntry struct {
	Identity      Identity `json:"identity"`
	StakeFraction core.Q   `json:"stake_fraction"`
	Trust         core.Q   `json:"trust"`
	Weight        core.Q   `json:"weight"`
}

// LeafHash commits to (identity, stake fraction, trust).
func (e SnapshotEntry) LeafHash() Hash {
	return WeightLeafHash(e.Identity, e.StakeFraction, e.Trust)
}

func WeightLeafHash(id Identity, stakeFraction, trust core.Q) Hash {
	return hashTagged(core.TagWeightLeaf, id[:], stakeFraction.Bytes(), trust.Bytes())
}

// WeightOf combines trust and stake linearly: weight = (2/3)*trust + (1/3)*stake.
// The combination is a sum, not a product, so a zero in one factor never zeroes the weight.
func WeightOf(stakeFraction, trust core.Q) core.Q {
	s := uint64(core.QClamp01(stakeFraction))
	t := uint64(core.QClamp01(trust))
	return core.Q((2*t + s) / 3)
}

// SnapshotHeader is the public commitment of a snapshot. It is all a stateless verifier needs: proofs are checked
// against Root, and their depth against Count.
type SnapshotHeader struct {
	Epoch      uint64 `json:"epoch"`
	Root       Hash   `json:"root"`
	SumWeights core.Q `json:"sum_weights"`
	Count      uint64 `json:"count"`
}

// An EpochSnapshot is the immutable, Merkle-committed weight table of an epoch. Entries are sorted by identity so
// that independent builders produce an identical root from the same inputs.
type EpochSnapshot struct {
	header  SnapshotHeader
	entries []SnapshotEntry
	leaves  [][32]byte
	index   map[Identity]int
}

// BuildSnapshot builds the snapshot of an epoch from the registry and trust state. Only active validators bonded
// with at least minBond are included. The inputs are only read.
func BuildSnapshot(epoch uint64, registry *Registry, trust *TrustState, params TrustParams, minBond uint64) *EpochSnapshot {
	eligible := make([]RegistryEntry, 0, registry.Len())
	total := new(uint256.Int)
	for _, e := range registry.Entries() {
		if !e.Active || e.Stake < minBond {
			continue
		}
		eligible = append(eligible, e)
		total.Add(total, uint256.NewInt(e.Stake))
	}

	entries := make([]SnapshotEntry, 0, len(eligible))
	for _, e := range eligible {
		stakeFraction := stakeFractionOf(e.Stake, total)
		t := params.Initial
		if trust != nil {
			t = trust.Get(e.Identity)
		}
		t = core.QClamp01(t)
		entries = append(entries, SnapshotEntry{
			Identity:      e.Identity,
			StakeFraction: stakeFraction,
			Trust:         t,
			Weight:        WeightOf(stakeFraction, t),
		})
	}

	snap := newSnapshot(epoch, entries)
	snapshotLogger.Printf("epoch=%d validators=%d root=%s sum_weights=%s\n", epoch, len(entries), snap.header.Root.String()[:16], snap.header.SumWeights)
	return snap
}

// stakeFractionOf returns stake/total in Q32.32, computed exactly in 256 bits.
func stakeFractionOf(stake uint64, total *uint256.Int) core.Q {
	if total.IsZero() {
		return 0
	}
	num := uint256.NewInt(stake)
	num.Lsh(num, core.QScale)
	num.Div(num, total)
	if !num.IsUint64() {
		return core.ONE
	}
	return core.QClamp01(core.Q(num.Uint64()))
}

// newSnapshot commits to entries, which must already be sorted by identity.
func newSnapshot(epoch uint64, entries []SnapshotEntry) *EpochSnapshot {
	snap := &EpochSnapshot{
		entries: entries,
		leaves:  make([][32]byte, len(entries)),
		index:   make(map[Identity]int, len(entries)),
	}

	var sum core.Q
	for i, e := range entries {
		snap.leaves[i] = e.LeafHash()
		snap.index[e.Identity] = i
		sum = core.QAdd(sum, e.Weight)
	}
	if sum < MinSumWeights {
		sum = MinSumWeights
	}

	snap.header = SnapshotHeader{
		Epoch:      epoch,
		Root:       Hash(core.ComputeMerkleRoot(snap.leaves)),
		SumWeights: sum,
		Count:      uint64(len(entries)),
	}
	return snap
}

// RestoreSnapshot rebuilds a snapshot from persisted entries and checks it against the expected root.
func RestoreSnapshot(epoch uint64, entries []SnapshotEntry, expectedRoot Hash) (*EpochSnapshot, error) {
	for i := 1; i < len(entries); i++ {
		if entries[i-1].Identity.Compare(entries[i].Identity) >= 0 {
			return nil, fmt.Errorf("snapshot entries for epoch %d are not strictly sorted", epoch)
		}
	}
	for i := range entries {
		entries[i].StakeFraction = core.QClamp01(entries[i].StakeFraction)
		entries[i].Trust = core.QClamp01(entries[i].Trust)
		entries[i].Weight = WeightOf(entries[i].StakeFraction, entries[i].Trust)
	}
	snap := newSnapshot(epoch, entries)
	if snap.header.Root != expectedRoot {
		return nil, fmt.Errorf("snapshot root mismatch for epoch %d: expected %s, got %s", epoch, expectedRoot, snap.header.Root)
	}
	return snap, nil
}

func (s *EpochSnapshot) Header() SnapshotHeader {
	return s.header
}

func (s *EpochSnapshot) Epoch() uint64 {
	return s.header.Epoch
}

func (s *EpochSnapshot) WeightsRoot() Hash {
	return s.header.Root
}

func (s *EpochSnapshot) SumWeights() core.Q {
	return s.header.SumWeights
}

func (s *EpochSnapshot) Len() int {
	return len(s.entries)
}

// Entries returns a copy of the rows in leaf order.
func (s *EpochSnapshot) Entries() []SnapshotEntry {
	out := make([]SnapshotEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *EpochSnapshot) Entry(id Identity) (SnapshotEntry, bool) {
	i, ok := s.index[id]
	if !ok {
		return SnapshotEntry{}, false
	}
	return s.entries[i], true
}

// IndexOf returns the leaf position of id.
func (s *EpochSnapshot) IndexOf(id Identity) (int, bool) {
	i, ok := s.index[id]
	return i, ok
}

// NormalizedWeight returns weight/sum for id, or 0 if id is not in the snapshot.
func (s *EpochSnapshot) NormalizedWeight(id Identity) core.Q {
	e, ok := s.Entry(id)
	if !ok {
		return 0
	}
	return core.QDiv(e.Weight, s.header.SumWeights)
}

// SumTrust returns the saturating sum of all trust values.
func (s *EpochSnapshot) SumTrust() core.Q {
	var sum core.Q
	for _, e := range s.entries {
		sum = core.QAdd(sum, e.Trust)
	}
	return sum
}

// BuildWitness regenerates the Merkle inclusion proof of id's row.
func (s *EpochSnapshot) BuildWitness(id Identity) (*MerkleWitness, bool) {
	i, ok := s.index[id]
	if !ok {
		return nil, false
	}
	proof, err := core.BuildMerkleProof(s.leaves, i)
	if err != nil {
		return nil, false
	}
	return &MerkleWitness{LeafIndex: proof.LeafIndex, Siblings: proof.Siblings}, true
}

// VerifyInclusion checks a claimed row against the snapshot header.
func (h SnapshotHeader) VerifyInclusion(w *MerkleWitness, id Identity, stakeFraction, trust core.Q) bool {
	if w == nil {
		return false
	}
	if stakeFraction > core.ONE || trust > core.ONE {
		return false
	}
	if w.LeafIndex >= h.Count {
		return false
	}
	if uint64(len(w.Siblings)) != uint64(core.MerkleDepth(int(h.Count))) {
		return false
	}
	leaf := WeightLeafHash(id, stakeFraction, trust)
	proof := core.MerkleProof{LeafIndex: w.LeafIndex, Siblings: w.Siblings}
	return core.VerifyMerkleProof(proof, leaf, h.Root)
}
