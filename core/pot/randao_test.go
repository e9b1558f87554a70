package pot

import (
	"math/rand"
	"testing"

	"github.com/liamzebedee/tinytrust/core"
	"github.com/stretchr/testify/assert"
)

func preimageFor(label string) [32]byte {
	return core.Hash([]byte("preimage " + label))
}

func TestRandaoCommitReveal(t *testing.T) {
	assert := assert.New(t)

	s := NewRandaoEpochState(3)
	a, b := IdentityFromSeed("a"), IdentityFromSeed("b")

	assert.Nil(s.Commit(a, CommitmentFor(3, a, preimageFor("a"))))
	assert.Equal(ErrAlreadyCommitted, s.Commit(a, Hash{}))
	assert.Nil(s.Commit(b, CommitmentFor(3, b, preimageFor("b"))))
	assert.Equal(PhaseOpen, s.Phase())

	// A commitment bound to another epoch does not open.
	c := IdentityFromSeed("c")
	assert.Nil(s.Commit(c, CommitmentFor(4, c, preimageFor("c"))))
	err := s.Reveal(c, preimageFor("c"))
	assert.ErrorIs(err, ErrInvalidReveal)
	assert.True(IsViolation(err))

	assert.Nil(s.Reveal(a, preimageFor("a")))
	assert.Equal(PhaseReveal, s.Phase())
	assert.Equal(ErrAlreadyRevealed, s.Reveal(a, preimageFor("a")))
	assert.False(IsViolation(ErrAlreadyRevealed))
	assert.Equal(ErrCommitClosed, s.Commit(IdentityFromSeed("d"), Hash{}))
	assert.Equal(ErrNoCommitment, s.Reveal(IdentityFromSeed("d"), preimageFor("d")))

	assert.Equal(1, s.NumReveals())
	assert.Equal(3, s.NumCommitments())
	assert.ElementsMatch([]Identity{b, c}, s.NoReveals())

	seed, missing := s.Finalize(Hash{})
	assert.ElementsMatch([]Identity{b, c}, missing)
	got, ok := s.Seed()
	assert.True(ok)
	assert.Equal(seed, got)

	// Finalizing again is a no-op.
	again, missing := s.Finalize(Hash{1})
	assert.Equal(seed, again)
	assert.Empty(missing)
	assert.Equal(ErrEpochFinalized, s.Reveal(b, preimageFor("b")))
	assert.Equal(ErrEpochFinalized, s.Commit(IdentityFromSeed("e"), Hash{}))
}

func TestRandaoRevealOrderIndependent(t *testing.T) {
	assert := assert.New(t)

	labels := []string{"a", "b", "c", "d", "e", "f"}
	run := func(order []int) Hash {
		s := NewRandaoEpochState(1)
		for _, label := range labels {
			id := IdentityFromSeed(label)
			assert.Nil(s.Commit(id, CommitmentFor(1, id, preimageFor(label))))
		}
		for _, i := range order {
			id := IdentityFromSeed(labels[i])
			assert.Nil(s.Reveal(id, preimageFor(labels[i])))
		}
		seed, _ := s.Finalize(Hash{7})
		return seed
	}

	rng := rand.New(rand.NewSource(42))
	want := run([]int{0, 1, 2, 3, 4})
	for i := 0; i < 20; i++ {
		order := rng.Perm(len(labels))
		// Leave out whoever lands on labels[5] so the same set is revealed every time.
		filtered := []int{}
		for _, j := range order {
			if j != 5 {
				filtered = append(filtered, j)
			}
		}
		assert.Equal(want, run(filtered))
	}

	// A different reveal set yields a different seed.
	assert.NotEqual(want, run([]int{0, 1, 2, 3}))
}

func TestBeaconChainsSeeds(t *testing.T) {
	assert := assert.New(t)

	genesis := Hash(core.Hash([]byte("genesis")))
	b := NewBeacon(genesis, 0)

	_, _, err := b.Finalize(1)
	assert.ErrorIs(err, ErrPreviousNotFinalized)

	_, ok := b.Value(0, 0)
	assert.False(ok)

	seed0, missing, err := b.Finalize(0)
	assert.Nil(err)
	assert.Empty(missing)

	a := IdentityFromSeed("a")
	assert.Nil(b.Commit(1, a, CommitmentFor(1, a, preimageFor("a"))))
	assert.Nil(b.Reveal(1, a, preimageFor("a")))
	seed1, _, err := b.Finalize(1)
	assert.Nil(err)
	assert.NotEqual(seed0, seed1)

	// Same reveals on a different chain give a different seed.
	other := NewBeacon(Hash{9}, 0)
	_, _, err = other.Finalize(0)
	assert.Nil(err)
	assert.Nil(other.Commit(1, a, CommitmentFor(1, a, preimageFor("a"))))
	assert.Nil(other.Reveal(1, a, preimageFor("a")))
	otherSeed1, _, err := other.Finalize(1)
	assert.Nil(err)
	assert.NotEqual(seed1, otherSeed1)

	v, ok := b.Value(1, 12)
	assert.True(ok)
	assert.Equal(SlotValue(1, 12, seed1), v)
	cached, _ := b.Value(1, 12)
	assert.Equal(v, cached)
	other13, _ := b.Value(1, 13)
	assert.NotEqual(v, other13)

	assert.Equal([]uint64{0, 1}, b.Epochs())
}

func TestBeaconFirstEpoch(t *testing.T) {
	assert := assert.New(t)

	b := NewBeacon(Hash{1}, 5)
	a := IdentityFromSeed("a")
	assert.Equal(ErrEpochBeforeGenesis, b.Commit(4, a, Hash{}))
	assert.Equal(ErrEpochBeforeGenesis, b.Reveal(4, a, [32]byte{}))
	_, _, err := b.Finalize(4)
	assert.Equal(ErrEpochBeforeGenesis, err)

	// The first epoch chains from the genesis seed and needs no predecessor.
	_, _, err = b.Finalize(5)
	assert.Nil(err)
}

func TestRestoreRandaoEpochState(t *testing.T) {
	assert := assert.New(t)

	a, b := IdentityFromSeed("a"), IdentityFromSeed("b")
	s := NewRandaoEpochState(2)
	assert.Nil(s.Commit(a, CommitmentFor(2, a, preimageFor("a"))))
	assert.Nil(s.Commit(b, CommitmentFor(2, b, preimageFor("b"))))
	assert.Nil(s.Reveal(a, preimageFor("a")))
	seed, _ := s.Finalize(Hash{3})

	restored, err := RestoreRandaoEpochState(2, s.Commitments(), s.Reveals(), false, Hash{})
	assert.Nil(err)
	again, missing := restored.Finalize(Hash{3})
	assert.Equal(seed, again)
	assert.Equal([]Identity{b}, missing)

	final, err := RestoreRandaoEpochState(2, s.Commitments(), s.Reveals(), true, seed)
	assert.Nil(err)
	got, ok := final.Seed()
	assert.True(ok)
	assert.Equal(seed, got)

	// A tampered reveal is rejected.
	_, err = RestoreRandaoEpochState(2, s.Commitments(), map[Identity][32]byte{a: preimageFor("x")}, false, Hash{})
	assert.ErrorIs(err, ErrInvalidReveal)
}
