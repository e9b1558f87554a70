package core

import (
	"crypto/sha256"
)

// Domain tags. Every hash computed by the consensus core is prefixed with one of these so that a digest from
// one context can never be replayed as a digest in another.
const (
	TagWeightLeaf     = "WGT.v1"
	TagMerkleNode     = "MRK.v1"
	TagMerkleEmpty    = "MRK.empty.v1"
	TagRandaoCommit   = "RANDAO.commit.v1"
	TagRandaoContrib  = "RANDAO.contrib.v1"
	TagRandaoSeed     = "RANDAO.seed.v1"
	TagRandaoSlot     = "RANDAO.slot.v1"
	TagEligibility    = "ELIG.v1"
	TagProposalHeader = "PROPOSAL.v1"
)

func Hash(data []byte) [32]byte {
	return HashSHA2(data)
}

func HashSHA2(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// HashTagged computes SHA256(len(tag) || tag || parts...).
// The tag length prefix keeps tags from bleeding into the first part.
func HashTagged(tag string, parts ...[]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte{byte(len(tag))})
	h.Write([]byte(tag))
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
