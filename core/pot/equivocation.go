package pot

import (
	"bytes"
	"slices"

	"github.com/liamzebedee/tinytrust/core"
)

// A Proposal is a signed block header seen for a slot, reduced to what equivocation detection needs.
type Proposal struct {
	Identity   Identity `json:"identity"`
	Slot       uint64   `json:"slot"`
	HeaderHash Hash     `json:"header_hash"`
}

// ProposalHeaderHash commits to the content of a proposal for a slot.
func ProposalHeaderHash(epoch, slot uint64, id Identity, parent Hash, body []byte) Hash {
	return hashTagged(core.TagProposalHeader, core.Uint64Bytes(epoch), core.Uint64Bytes(slot), id[:], parent[:], body)
}

// EquivocationEvidence is two distinct headers signed by the same validator for the same slot.
type EquivocationEvidence struct {
	Offender     Identity `json:"offender"`
	Slot         uint64   `json:"slot"`
	FirstHeader  Hash     `json:"first_header"`
	SecondHeader Hash     `json:"second_header"`
}

type proposalKey struct {
	id   Identity
	slot uint64
}

// FindEquivocations groups a batch of proposals by (identity, slot) and returns one piece of evidence per group
// that contains two or more distinct headers. Proposals for different identities or slots are never compared.
// The result is sorted by offender, then slot.
func FindEquivocations(proposals []Proposal) []EquivocationEvidence {
	groups := make(map[proposalKey][]Hash)
	for _, p := range proposals {
		k := proposalKey{p.Identity, p.Slot}
		groups[k] = append(groups[k], p.HeaderHash)
	}

	evidence := []EquivocationEvidence{}
	for k, hashes := range groups {
		if len(hashes) < 2 {
			continue
		}
		slices.SortFunc(hashes, func(a, b Hash) int {
			return bytes.Compare(a[:], b[:])
		})
		hashes = slices.Compact(hashes)
		if len(hashes) < 2 {
			// Duplicate deliveries of the same header.
			continue
		}
		evidence = append(evidence, EquivocationEvidence{
			Offender:     k.id,
			Slot:         k.slot,
			FirstHeader:  hashes[0],
			SecondHeader: hashes[1],
		})
	}

	slices.SortFunc(evidence, func(a, b EquivocationEvidence) int {
		if c := a.Offender.Compare(b.Offender); c != 0 {
			return c
		}
		switch {
		case a.Slot < b.Slot:
			return -1
		case a.Slot > b.Slot:
			return 1
		}
		return 0
	})
	return evidence
}

// DetectEquivocation reports whether any validator produced two differing proposals for the same slot.
func DetectEquivocation(proposals []Proposal) bool {
	return len(FindEquivocations(proposals)) > 0
}

// Verify checks that the evidence is internally consistent: two different headers.
func (e EquivocationEvidence) Verify() bool {
	return e.FirstHeader != e.SecondHeader
}
