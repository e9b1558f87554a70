package core

import (
	"fmt"
)

// The maximum depth of a Merkle proof we will ever verify. 64 levels covers 2^64 leaves.
const MaxMerkleDepth = 64

// A Merkle inclusion proof. Siblings are ordered leaf-first; bit i of LeafIndex says whether the running hash is
// the right (1) or left (0) child at level i.
type MerkleProof struct {
	LeafIndex uint64     `json:"leaf_index"`
	Siblings  [][32]byte `json:"siblings"`
}

func merkleParent(left, right [32]byte) [32]byte {
	return HashTagged(TagMerkleNode, left[:], right[:])
}

// EmptyMerkleRoot is the root of a tree with no leaves. It uses its own domain tag so that it can never equal the
// hash of a real leaf, or the all-zero hash.
func EmptyMerkleRoot() [32]byte {
	return HashTagged(TagMerkleEmpty)
}

// ComputeMerkleRoot builds the tree bottom-up over already-hashed leaves. A node without a sibling on its level is
// paired with itself.
func ComputeMerkleRoot(leaves [][32]byte) [32]byte {
	if len(leaves) == 0 {
		return EmptyMerkleRoot()
	}
	layer := make([][32]byte, len(leaves))
	copy(layer, leaves)
	for len(layer) > 1 {
		layer = nextMerkleLayer(layer)
	}
	return layer[0]
}

func nextMerkleLayer(layer [][32]byte) [][32]byte {
	next := make([][32]byte, 0, (len(layer)+1)/2)
	for i := 0; i < len(layer); i += 2 {
		left := layer[i]
		right := left
		if i+1 < len(layer) {
			right = layer[i+1]
		}
		next = append(next, merkleParent(left, right))
	}
	return next
}

// MerkleDepth returns the number of siblings in a proof for a tree of n leaves.
func MerkleDepth(n int) int {
	depth := 0
	for width := n; width > 1; width = (width + 1) / 2 {
		depth++
	}
	return depth
}

// BuildMerkleProof returns the inclusion proof for leaves[index].
func BuildMerkleProof(leaves [][32]byte, index int) (MerkleProof, error) {
	if index < 0 || index >= len(leaves) {
		return MerkleProof{}, fmt.Errorf("leaf index %d out of range (%d leaves)", index, len(leaves))
	}

	proof := MerkleProof{LeafIndex: uint64(index)}
	layer := make([][32]byte, len(leaves))
	copy(layer, leaves)

	idx := index
	for len(layer) > 1 {
		sibling := idx ^ 1
		if sibling >= len(layer) {
			sibling = idx
		}
		proof.Siblings = append(proof.Siblings, layer[sibling])
		layer = nextMerkleLayer(layer)
		idx /= 2
	}
	return proof, nil
}

// VerifyMerkleProof checks that leaf is included under root. It rejects proofs that are too deep, and proofs whose
// index has bits left over once the path is consumed, so one leaf cannot be claimed at several positions.
func VerifyMerkleProof(proof MerkleProof, leaf [32]byte, root [32]byte) bool {
	if len(proof.Siblings) > MaxMerkleDepth {
		return false
	}
	if len(proof.Siblings) < 64 && proof.LeafIndex>>uint(len(proof.Siblings)) != 0 {
		return false
	}

	acc := leaf
	idx := proof.LeafIndex
	for _, sibling := range proof.Siblings {
		if idx&1 == 0 {
			acc = merkleParent(acc, sibling)
		} else {
			acc = merkleParent(sibling, acc)
		}
		idx >>= 1
	}
	return acc == root
}
