package zk

import (
	"math/big"
	"testing"

	"github.com/liamzebedee/tinytrust/core"
	"github.com/liamzebedee/tinytrust/core/pot"
	"github.com/stretchr/testify/assert"
	"github.com/vocdoni/go-snark/types"
)

// BN254 scalar field modulus.
var fieldModulus, _ = new(big.Int).SetString("21888242871839275222246405745257275088548364400416034343698204186575808495617", 10)

func TestPublicSignalsLayout(t *testing.T) {
	assert := assert.New(t)

	var root, beacon pot.Hash
	for i := range root {
		root[i] = 0xff
		beacon[i] = byte(i)
	}
	signals := PublicSignals(pot.PublicInputs{WeightsRoot: root, BeaconValue: beacon, Threshold: core.ONE / 4})

	assert.Len(signals, NumPublicSignals)
	for _, s := range signals {
		assert.True(s.Cmp(fieldModulus) < 0, "signal %s exceeds field", s)
	}

	// Limbs reassemble into the original hash.
	reassembled := new(big.Int).Lsh(signals[2], 128)
	reassembled.Add(reassembled, signals[3])
	assert.Equal(new(big.Int).SetBytes(beacon[:]), reassembled)

	assert.Equal(uint64(core.ONE/4), signals[4].Uint64())
}

func TestNewGroth16VerifierRejectsBadKey(t *testing.T) {
	assert := assert.New(t)

	_, err := NewGroth16Verifier([]byte("not json"))
	assert.NotNil(err)

	_, err = LoadGroth16Verifier("/nonexistent/vk.json")
	assert.NotNil(err)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	assert := assert.New(t)

	g := &Groth16Verifier{vk: &types.Vk{}}
	in := pot.PublicInputs{Threshold: core.ONE}

	assert.False(g.Verify(in, nil))
	assert.False(g.Verify(in, []byte("{}")))
	assert.False(g.Verify(in, []byte(`{"pi_a": ["1"]}`)))
}

func TestGroth16VerifierIsProofVerifier(t *testing.T) {
	var _ pot.ProofVerifier = &Groth16Verifier{}
}
