// Package zk verifies opaque eligibility proofs with Groth16 over BN254.
//
// The circuit proves, for a hidden (identity, stake fraction, trust, Merkle path), that the row is included in the
// weights root and that its eligibility hash falls under the threshold. Its public signals are the weights root
// and beacon value, each split into two 128-bit limbs so they fit the scalar field, followed by the threshold:
//
//	[root_hi, root_lo, beacon_hi, beacon_lo, threshold]
package zk

import (
	"fmt"
	"math/big"
	"os"

	"github.com/liamzebedee/tinytrust/core"
	"github.com/liamzebedee/tinytrust/core/pot"
	"github.com/vocdoni/go-snark/parsers"
	"github.com/vocdoni/go-snark/types"
	"github.com/vocdoni/go-snark/verifier"
)

const Scheme = "groth16-bn254"

var logger = core.NewLogger("zk", "")

type Groth16Verifier struct {
	vk *types.Vk
}

// NewGroth16Verifier parses a snarkjs verification key.
func NewGroth16Verifier(vkJSON []byte) (*Groth16Verifier, error) {
	vk, err := parsers.ParseVk(vkJSON)
	if err != nil {
		return nil, fmt.Errorf("error parsing verification key: %w", err)
	}
	if len(vk.IC) != NumPublicSignals+1 {
		return nil, fmt.Errorf("verification key has %d public inputs, expected %d", len(vk.IC)-1, NumPublicSignals)
	}
	return &Groth16Verifier{vk: vk}, nil
}

func LoadGroth16Verifier(path string) (*Groth16Verifier, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading verification key: %w", err)
	}
	return NewGroth16Verifier(buf)
}

const NumPublicSignals = 5

// PublicSignals lays out the public inputs as circuit signals.
func PublicSignals(in pot.PublicInputs) []*big.Int {
	signals := make([]*big.Int, 0, NumPublicSignals)
	signals = append(signals, limbs(in.WeightsRoot)...)
	signals = append(signals, limbs(in.BeaconValue)...)
	signals = append(signals, new(big.Int).SetUint64(uint64(in.Threshold)))
	return signals
}

func limbs(h pot.Hash) []*big.Int {
	return []*big.Int{
		new(big.Int).SetBytes(h[:16]),
		new(big.Int).SetBytes(h[16:]),
	}
}

// Verify checks a snarkjs JSON proof. Unparseable proofs are rejected.
func (g *Groth16Verifier) Verify(in pot.PublicInputs, proof []byte) (ok bool) {
	// Short coordinate arrays and points off the curve make the parser and pairing code panic.
	defer func() {
		if r := recover(); r != nil {
			logger.Printf("rejecting proof: %v\n", r)
			ok = false
		}
	}()
	p, err := parsers.ParseProof(proof)
	if err != nil {
		return false
	}
	return verifier.Verify(g.vk, p, PublicSignals(in))
}
