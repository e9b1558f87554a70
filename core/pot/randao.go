package pot

import (
	"errors"
	"fmt"
	"slices"

	lru "github.com/hashicorp/golang-lru"
	"github.com/liamzebedee/tinytrust/core"
)

var beaconLogger = core.NewLogger("pot", "beacon")

var (
	ErrEpochFinalized       = errors.New("randao: epoch already finalized")
	ErrCommitClosed         = errors.New("randao: commit phase closed")
	ErrAlreadyCommitted     = errors.New("randao: identity already committed")
	ErrNoCommitment         = errors.New("randao: no commitment for identity")
	ErrAlreadyRevealed      = errors.New("randao: identity already revealed")
	ErrInvalidReveal        = errors.New("randao: reveal does not match commitment")
	ErrPreviousNotFinalized = errors.New("randao: previous epoch not finalized")
	ErrEpochBeforeGenesis   = errors.New("randao: epoch precedes the first beacon epoch")
)

// IsViolation reports whether a beacon error is a protocol violation that the caller may slash for, as opposed to
// a stale or duplicate message.
func IsViolation(err error) bool {
	return errors.Is(err, ErrInvalidReveal)
}

type RandaoPhase int

const (
	PhaseOpen RandaoPhase = iota
	PhaseReveal
	PhaseFinalized
)

func (p RandaoPhase) String() string {
	switch p {
	case PhaseOpen:
		return "open"
	case PhaseReveal:
		return "reveal"
	case PhaseFinalized:
		return "finalized"
	}
	return fmt.Sprintf("RandaoPhase(%d)", int(p))
}

// RandaoEpochState is the commit-reveal state of a single epoch.
//
// Reveals are folded into an accumulator by XOR-ing a per-identity contribution hash. XOR is commutative and each
// identity can contribute at most once, so any two nodes that see the same set of reveals arrive at the same seed
// regardless of delivery order.
type RandaoEpochState struct {
	Epoch uint64

	phase       RandaoPhase
	commitments map[Identity]Hash
	reveals     map[Identity][32]byte
	acc         Hash
	seed        Hash
}

func NewRandaoEpochState(epoch uint64) *RandaoEpochState {
	return &RandaoEpochState{
		Epoch:       epoch,
		phase:       PhaseOpen,
		commitments: make(map[Identity]Hash),
		reveals:     make(map[Identity][32]byte),
	}
}

// CommitmentFor computes the commitment a validator publishes for its secret preimage. Binding the epoch and the
// identity stops a commitment being replayed across epochs or copied by another validator.
func CommitmentFor(epoch uint64, id Identity, preimage [32]byte) Hash {
	return hashTagged(core.TagRandaoCommit, core.Uint64Bytes(epoch), id[:], preimage[:])
}

func contribution(id Identity, preimage [32]byte) Hash {
	return hashTagged(core.TagRandaoContrib, id[:], preimage[:])
}

func (s *RandaoEpochState) Phase() RandaoPhase {
	return s.phase
}

func (s *RandaoEpochState) Finalized() bool {
	return s.phase == PhaseFinalized
}

// Seed returns the finalized seed.
func (s *RandaoEpochState) Seed() (Hash, bool) {
	if s.phase != PhaseFinalized {
		return Hash{}, false
	}
	return s.seed, true
}

func (s *RandaoEpochState) Commitment(id Identity) (Hash, bool) {
	c, ok := s.commitments[id]
	return c, ok
}

func (s *RandaoEpochState) HasRevealed(id Identity) bool {
	_, ok := s.reveals[id]
	return ok
}

func (s *RandaoEpochState) NumCommitments() int {
	return len(s.commitments)
}

func (s *RandaoEpochState) NumReveals() int {
	return len(s.reveals)
}

// Commit records id's commitment. Commitments are only accepted while the epoch is open.
func (s *RandaoEpochState) Commit(id Identity, commitment Hash) error {
	switch s.phase {
	case PhaseFinalized:
		return ErrEpochFinalized
	case PhaseReveal:
		return ErrCommitClosed
	}
	if _, ok := s.commitments[id]; ok {
		return ErrAlreadyCommitted
	}
	s.commitments[id] = commitment
	return nil
}

// Reveal checks the preimage against id's commitment and folds it into the accumulator. The first valid reveal
// closes the commit phase.
func (s *RandaoEpochState) Reveal(id Identity, preimage [32]byte) error {
	if s.phase == PhaseFinalized {
		return ErrEpochFinalized
	}
	commitment, ok := s.commitments[id]
	if !ok {
		return ErrNoCommitment
	}
	if _, ok := s.reveals[id]; ok {
		return ErrAlreadyRevealed
	}
	if CommitmentFor(s.Epoch, id, preimage) != commitment {
		return fmt.Errorf("%w: identity %s epoch %d", ErrInvalidReveal, id.Short(), s.Epoch)
	}

	s.reveals[id] = preimage
	c := contribution(id, preimage)
	for i := range s.acc {
		s.acc[i] ^= c[i]
	}
	s.phase = PhaseReveal
	return nil
}

// Finalize seals the epoch. The seed mixes the previous epoch's seed with the accumulated reveals. It returns the
// identities that committed but never revealed, sorted; the caller decides on penalties.
//
// Finalizing twice returns the same seed and no missing identities.
func (s *RandaoEpochState) Finalize(prevSeed Hash) (Hash, []Identity) {
	if s.phase == PhaseFinalized {
		return s.seed, nil
	}

	s.seed = hashTagged(
		core.TagRandaoSeed,
		core.Uint64Bytes(s.Epoch),
		prevSeed[:],
		s.acc[:],
		core.Uint64Bytes(uint64(len(s.reveals))),
	)
	s.phase = PhaseFinalized

	return s.seed, s.noReveals()
}

func (s *RandaoEpochState) noReveals() []Identity {
	missing := []Identity{}
	for id := range s.commitments {
		if _, ok := s.reveals[id]; !ok {
			missing = append(missing, id)
		}
	}
	sortIdentities(missing)
	return missing
}

// NoReveals lists the identities that have committed but not revealed so far.
func (s *RandaoEpochState) NoReveals() []Identity {
	return s.noReveals()
}

type slotKey struct {
	epoch uint64
	slot  uint64
}

// The Beacon chains epoch seeds together: the seed of epoch N is mixed into epoch N+1. Epoch N's seed drives
// sortition for the slots of epoch N, so its commit-reveal round has to run ahead of time, during epoch N-1.
type Beacon struct {
	genesisSeed Hash
	firstEpoch  uint64
	epochs      map[uint64]*RandaoEpochState
	values      *lru.Cache
}

const beaconValueCacheSize = 4096

func NewBeacon(genesisSeed Hash, firstEpoch uint64) *Beacon {
	values, err := lru.New(beaconValueCacheSize)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &Beacon{
		genesisSeed: genesisSeed,
		firstEpoch:  firstEpoch,
		epochs:      make(map[uint64]*RandaoEpochState),
		values:      values,
	}
}

func (b *Beacon) GenesisSeed() Hash {
	return b.genesisSeed
}

func (b *Beacon) FirstEpoch() uint64 {
	return b.firstEpoch
}

// Epoch returns the state for an epoch, creating it if needed.
func (b *Beacon) Epoch(epoch uint64) *RandaoEpochState {
	s, ok := b.epochs[epoch]
	if !ok {
		s = NewRandaoEpochState(epoch)
		b.epochs[epoch] = s
	}
	return s
}

// Lookup returns the state for an epoch without creating it.
func (b *Beacon) Lookup(epoch uint64) (*RandaoEpochState, bool) {
	s, ok := b.epochs[epoch]
	return s, ok
}

// Epochs lists every epoch with state, ascending.
func (b *Beacon) Epochs() []uint64 {
	epochs := make([]uint64, 0, len(b.epochs))
	for epoch := range b.epochs {
		epochs = append(epochs, epoch)
	}
	slices.Sort(epochs)
	return epochs
}

// Restore installs a previously persisted epoch state.
func (b *Beacon) Restore(s *RandaoEpochState) {
	b.epochs[s.Epoch] = s
}

func (b *Beacon) Commit(epoch uint64, id Identity, commitment Hash) error {
	if epoch < b.firstEpoch {
		return ErrEpochBeforeGenesis
	}
	return b.Epoch(epoch).Commit(id, commitment)
}

func (b *Beacon) Reveal(epoch uint64, id Identity, preimage [32]byte) error {
	if epoch < b.firstEpoch {
		return ErrEpochBeforeGenesis
	}
	return b.Epoch(epoch).Reveal(id, preimage)
}

// Finalize seals an epoch. Every epoch after the first requires its predecessor to be finalized, so that all
// nodes chain the same seeds.
func (b *Beacon) Finalize(epoch uint64) (Hash, []Identity, error) {
	if epoch < b.firstEpoch {
		return Hash{}, nil, ErrEpochBeforeGenesis
	}

	prev := b.genesisSeed
	if epoch > b.firstEpoch {
		prevState, ok := b.epochs[epoch-1]
		if !ok || !prevState.Finalized() {
			return Hash{}, nil, fmt.Errorf("%w: epoch %d", ErrPreviousNotFinalized, epoch-1)
		}
		prev = prevState.seed
	}

	s := b.Epoch(epoch)
	wasFinalized := s.Finalized()
	seed, missing := s.Finalize(prev)
	if !wasFinalized {
		beaconLogger.Printf("epoch=%d finalized seed=%s reveals=%d missing=%d\n", epoch, seed.String()[:16], s.NumReveals(), len(missing))
	}
	return seed, missing, nil
}

func (b *Beacon) Seed(epoch uint64) (Hash, bool) {
	s, ok := b.epochs[epoch]
	if !ok {
		return Hash{}, false
	}
	return s.Seed()
}

// Value returns the per-slot beacon value for (epoch, slot). It is only defined once the epoch is finalized.
func (b *Beacon) Value(epoch, slot uint64) (Hash, bool) {
	key := slotKey{epoch, slot}
	if v, ok := b.values.Get(key); ok {
		return v.(Hash), true
	}
	seed, ok := b.Seed(epoch)
	if !ok {
		return Hash{}, false
	}
	v := SlotValue(epoch, slot, seed)
	b.values.Add(key, v)
	return v, true
}

// SlotValue derives the beacon value of a slot from a finalized seed.
func SlotValue(epoch, slot uint64, seed Hash) Hash {
	return hashTagged(core.TagRandaoSlot, core.Uint64Bytes(epoch), core.Uint64Bytes(slot), seed[:])
}

// Commitments returns a copy of the recorded commitments.
func (s *RandaoEpochState) Commitments() map[Identity]Hash {
	out := make(map[Identity]Hash, len(s.commitments))
	for id, c := range s.commitments {
		out[id] = c
	}
	return out
}

// Reveals returns a copy of the accepted preimages.
func (s *RandaoEpochState) Reveals() map[Identity][32]byte {
	out := make(map[Identity][32]byte, len(s.reveals))
	for id, r := range s.reveals {
		out[id] = r
	}
	return out
}

// RestoreRandaoEpochState rebuilds an epoch state from persisted commitments and reveals. Reveals are re-checked
// against their commitments, so a corrupted store cannot inject entropy.
func RestoreRandaoEpochState(epoch uint64, commitments map[Identity]Hash, reveals map[Identity][32]byte, finalized bool, seed Hash) (*RandaoEpochState, error) {
	s := NewRandaoEpochState(epoch)
	for id, c := range commitments {
		s.commitments[id] = c
	}

	ids := make([]Identity, 0, len(reveals))
	for id := range reveals {
		ids = append(ids, id)
	}
	sortIdentities(ids)
	for _, id := range ids {
		if err := s.Reveal(id, reveals[id]); err != nil {
			return nil, fmt.Errorf("restoring epoch %d: %w", epoch, err)
		}
	}

	if finalized {
		s.seed = seed
		s.phase = PhaseFinalized
	}
	return s, nil
}
