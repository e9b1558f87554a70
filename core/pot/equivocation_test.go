package pot

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFindEquivocations(t *testing.T) {
	assert := assert.New(t)

	a, b := IdentityFromSeed("a"), IdentityFromSeed("b")
	h1 := ProposalHeaderHash(1, 10, a, Hash{}, []byte("one"))
	h2 := ProposalHeaderHash(1, 10, a, Hash{}, []byte("two"))

	// Different identities or slots never conflict.
	assert.False(DetectEquivocation([]Proposal{
		{a, 10, h1},
		{b, 10, h2},
		{a, 11, h2},
	}))

	// A repeated delivery of the same header is not equivocation.
	assert.False(DetectEquivocation([]Proposal{{a, 10, h1}, {a, 10, h1}}))

	evidence := FindEquivocations([]Proposal{
		{b, 3, h2},
		{a, 10, h2},
		{b, 3, h1},
		{a, 10, h1},
		{a, 10, h1},
		{a, 2, h1},
	})
	assert.Len(evidence, 2)
	for _, e := range evidence {
		assert.True(e.Verify())
	}
	assert.True(evidence[0].Offender.Compare(evidence[1].Offender) < 0)
	for _, e := range evidence {
		if e.Offender == a {
			assert.Equal(uint64(10), e.Slot)
		} else {
			assert.Equal(b, e.Offender)
			assert.Equal(uint64(3), e.Slot)
		}
		assert.ElementsMatch([]Hash{h1, h2}, []Hash{e.FirstHeader, e.SecondHeader})
	}

	// The result is the same regardless of arrival order.
	again := FindEquivocations([]Proposal{{a, 10, h1}, {b, 3, h1}, {a, 10, h2}, {b, 3, h2}})
	assert.Equal(evidence, again)

	assert.False(EquivocationEvidence{Offender: a, FirstHeader: h1, SecondHeader: h1}.Verify())
	assert.Empty(FindEquivocations(nil))
}

func TestProposalHeaderHash(t *testing.T) {
	assert := assert.New(t)

	a := IdentityFromSeed("a")
	base := ProposalHeaderHash(1, 2, a, Hash{3}, []byte("body"))
	assert.NotEqual(base, ProposalHeaderHash(2, 2, a, Hash{3}, []byte("body")))
	assert.NotEqual(base, ProposalHeaderHash(1, 3, a, Hash{3}, []byte("body")))
	assert.NotEqual(base, ProposalHeaderHash(1, 2, IdentityFromSeed("b"), Hash{3}, []byte("body")))
	assert.NotEqual(base, ProposalHeaderHash(1, 2, a, Hash{4}, []byte("body")))
	assert.NotEqual(base, ProposalHeaderHash(1, 2, a, Hash{3}, []byte("bodz")))
}
