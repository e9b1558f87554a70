package pot

import (
	"context"
	"testing"

	"github.com/liamzebedee/tinytrust/core"
)

func testTrustParams() TrustParams {
	return TrustParams{
		Alpha:   core.QFromBasisPoints(9000),
		Beta:    core.QFromBasisPoints(1000),
		Initial: core.QFromBasisPoints(5000),
	}
}

func testConfig() ConsensusConfig {
	return ConsensusConfig{
		EpochLengthSlots:    8,
		SlotDurationMillis:  100,
		CommitWindowSlots:   3,
		RevealDeadlineSlots: 6,
		Lambda:              core.ONE,
		MinBond:             100,
		Trust:               testTrustParams(),
		Slashing:            DefaultSlashingConfig,
		GenesisSeed:         Hash(core.Hash([]byte("test genesis"))),
	}
}

// testRegistry registers each label with the stake at the same position.
func testRegistry(labels []string, stakes []uint64) (*Registry, []Identity) {
	r := NewRegistry()
	ids := make([]Identity, len(labels))
	for i, label := range labels {
		ids[i] = IdentityFromSeed(label)
		r.Set(ids[i], stakes[i], true)
	}
	return r, ids
}

// startEngine runs an engine until the test ends.
func startEngine(t *testing.T, e *Engine) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.Run(ctx)
	return ctx
}

// staticBeacon serves fixed values for every slot of one epoch.
type staticBeacon struct {
	epoch uint64
	value Hash
}

func (b staticBeacon) Value(epoch, slot uint64) (Hash, bool) {
	if epoch != b.epoch {
		return Hash{}, false
	}
	return SlotValue(epoch, slot, b.value), true
}

// fakeProofs accepts a fixed proof and records the inputs it was called with.
type fakeProofs struct {
	accept []byte
	calls  []PublicInputs
}

func (f *fakeProofs) Verify(in PublicInputs, proof []byte) bool {
	f.calls = append(f.calls, in)
	return string(proof) == string(f.accept)
}
