package pot

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var (
	ErrDuplicateBlock = errors.New("block already known")
	ErrUnknownParent  = errors.New("parent block unknown")
	ErrSlotNotAfter   = errors.New("block slot must be after its parent's")
)

// A BlockRef is the fork choice view of a block: where it sits in the tree, and how much sortition weight its
// chain has accumulated.
type BlockRef struct {
	Hash      Hash
	Parent    Hash
	Epoch     uint64
	Slot      uint64
	Height    uint64
	Leader    Identity
	TieBreak  *uint256.Int
	AccWeight *uint256.Int
}

// A Candidate is a competing proposal for one slot.
type Candidate struct {
	Hash     Hash
	TieBreak *uint256.Int
}

// Better reports whether a beats b for the same slot: a higher tie-break weight wins, then a lower hash.
func Better(a, b Candidate) bool {
	if c := a.TieBreak.Cmp(b.TieBreak); c != 0 {
		return c > 0
	}
	return bytes.Compare(a.Hash[:], b.Hash[:]) < 0
}

// ForkChoice tracks a tree of accepted blocks rooted at genesis and selects the heaviest chain, where a chain's
// weight is the sum of its blocks' tie-break weights.
type ForkChoice struct {
	blocks  map[Hash]*BlockRef
	genesis Hash
	head    Hash
}

func NewForkChoice(genesis Hash) *ForkChoice {
	root := &BlockRef{
		Hash:      genesis,
		TieBreak:  new(uint256.Int),
		AccWeight: new(uint256.Int),
	}
	return &ForkChoice{
		blocks:  map[Hash]*BlockRef{genesis: root},
		genesis: genesis,
		head:    genesis,
	}
}

// Insert adds a block whose leader has already been verified. It returns whether the head changed.
func (fc *ForkChoice) Insert(hash, parent Hash, epoch, slot uint64, leader Identity, tieBreak *uint256.Int) (bool, error) {
	if _, ok := fc.blocks[hash]; ok {
		return false, fmt.Errorf("insert %s: %w", hash, ErrDuplicateBlock)
	}
	p, ok := fc.blocks[parent]
	if !ok {
		return false, fmt.Errorf("insert %s: %w", hash, ErrUnknownParent)
	}
	if parent != fc.genesis && slot <= p.Slot {
		return false, fmt.Errorf("insert %s at slot %d on parent slot %d: %w", hash, slot, p.Slot, ErrSlotNotAfter)
	}

	acc, overflow := new(uint256.Int).AddOverflow(p.AccWeight, tieBreak)
	if overflow {
		acc.SetAllOne()
	}
	b := &BlockRef{
		Hash:      hash,
		Parent:    parent,
		Epoch:     epoch,
		Slot:      slot,
		Height:    p.Height + 1,
		Leader:    leader,
		TieBreak:  new(uint256.Int).Set(tieBreak),
		AccWeight: acc,
	}
	fc.blocks[hash] = b

	if heavier(b, fc.blocks[fc.head]) {
		fc.head = hash
		return true, nil
	}
	return false, nil
}

func heavier(a, b *BlockRef) bool {
	if c := a.AccWeight.Cmp(b.AccWeight); c != 0 {
		return c > 0
	}
	return bytes.Compare(a.Hash[:], b.Hash[:]) < 0
}

func (fc *ForkChoice) Head() BlockRef {
	return *fc.blocks[fc.head]
}

func (fc *ForkChoice) Genesis() Hash {
	return fc.genesis
}

func (fc *ForkChoice) Get(hash Hash) (BlockRef, bool) {
	b, ok := fc.blocks[hash]
	if !ok {
		return BlockRef{}, false
	}
	return *b, true
}

func (fc *ForkChoice) Len() int {
	return len(fc.blocks)
}

// IsCanonical reports whether hash is on the chain ending at the current head.
func (fc *ForkChoice) IsCanonical(hash Hash) bool {
	for cur := fc.head; ; {
		if cur == hash {
			return true
		}
		if cur == fc.genesis {
			return false
		}
		cur = fc.blocks[cur].Parent
	}
}
