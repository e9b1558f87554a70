package pot

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/jackpal/bencode-go"
	"github.com/liamzebedee/tinytrust/core"
)

// Gossip payloads are bencoded. Binary fields travel as bencode byte strings and are length-checked on decode.

var ErrMalformedMessage = errors.New("malformed message")

const (
	proofKindMerkle = "merkle"
	proofKindOpaque = "opaque"

	maxOpaqueProofBytes = 1 << 16
)

// A Commit announces a beacon commitment.
type Commit struct {
	Epoch      uint64
	Identity   Identity
	Commitment Hash
}

// A Reveal opens a beacon commitment.
type Reveal struct {
	Epoch    uint64
	Identity Identity
	Preimage [32]byte
}

type wireCommit struct {
	Epoch      int64  `bencode:"epoch"`
	Identity   string `bencode:"identity"`
	Commitment string `bencode:"commitment"`
}

type wireReveal struct {
	Epoch    int64  `bencode:"epoch"`
	Identity string `bencode:"identity"`
	Preimage string `bencode:"preimage"`
}

type wireWitness struct {
	Identity      string   `bencode:"identity"`
	Epoch         int64    `bencode:"epoch"`
	Slot          int64    `bencode:"slot"`
	StakeFraction int64    `bencode:"stake_fraction"`
	Trust         int64    `bencode:"trust"`
	WeightsRoot   string   `bencode:"weights_root"`
	ProofKind     string   `bencode:"proof_kind"`
	LeafIndex     int64    `bencode:"leaf_index"`
	Siblings      []string `bencode:"siblings"`
	Scheme        string   `bencode:"scheme"`
	Data          string   `bencode:"data"`
}

type wireProposal struct {
	Witness wireWitness `bencode:"witness"`
	Parent  string      `bencode:"parent"`
	Body    string      `bencode:"body"`
}

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(buf []byte, v interface{}) error {
	if err := bencode.Unmarshal(bytes.NewReader(buf), v); err != nil {
		return fmt.Errorf("%w: %s", ErrMalformedMessage, err)
	}
	return nil
}

func fixed32(field, s string) ([32]byte, error) {
	var out [32]byte
	if len(s) != len(out) {
		return out, fmt.Errorf("%w: %s must be %d bytes, got %d", ErrMalformedMessage, field, len(out), len(s))
	}
	copy(out[:], s)
	return out, nil
}

func nonNegative(field string, v int64) (uint64, error) {
	if v < 0 {
		return 0, fmt.Errorf("%w: negative %s", ErrMalformedMessage, field)
	}
	return uint64(v), nil
}

// toWireInt narrows a counter for the wire. Epochs and slots beyond 2^63 are not representable.
func toWireInt(field string, v uint64) (int64, error) {
	if v > 1<<63-1 {
		return 0, fmt.Errorf("%s %d out of range", field, v)
	}
	return int64(v), nil
}

func EncodeCommit(c Commit) ([]byte, error) {
	epoch, err := toWireInt("epoch", c.Epoch)
	if err != nil {
		return nil, err
	}
	return encode(wireCommit{Epoch: epoch, Identity: string(c.Identity[:]), Commitment: string(c.Commitment[:])})
}

func DecodeCommit(buf []byte) (Commit, error) {
	var w wireCommit
	if err := decode(buf, &w); err != nil {
		return Commit{}, err
	}
	epoch, err := nonNegative("epoch", w.Epoch)
	if err != nil {
		return Commit{}, err
	}
	id, err := fixed32("identity", w.Identity)
	if err != nil {
		return Commit{}, err
	}
	c, err := fixed32("commitment", w.Commitment)
	if err != nil {
		return Commit{}, err
	}
	return Commit{Epoch: epoch, Identity: id, Commitment: c}, nil
}

func EncodeReveal(r Reveal) ([]byte, error) {
	epoch, err := toWireInt("epoch", r.Epoch)
	if err != nil {
		return nil, err
	}
	return encode(wireReveal{Epoch: epoch, Identity: string(r.Identity[:]), Preimage: string(r.Preimage[:])})
}

func DecodeReveal(buf []byte) (Reveal, error) {
	var w wireReveal
	if err := decode(buf, &w); err != nil {
		return Reveal{}, err
	}
	epoch, err := nonNegative("epoch", w.Epoch)
	if err != nil {
		return Reveal{}, err
	}
	id, err := fixed32("identity", w.Identity)
	if err != nil {
		return Reveal{}, err
	}
	p, err := fixed32("preimage", w.Preimage)
	if err != nil {
		return Reveal{}, err
	}
	return Reveal{Epoch: epoch, Identity: id, Preimage: p}, nil
}

func toWireWitness(w *LeaderWitness) (wireWitness, error) {
	if w == nil {
		return wireWitness{}, errors.New("nil witness")
	}
	epoch, err := toWireInt("epoch", w.Epoch)
	if err != nil {
		return wireWitness{}, err
	}
	slot, err := toWireInt("slot", w.Slot)
	if err != nil {
		return wireWitness{}, err
	}
	if w.StakeFraction > core.ONE || w.Trust > core.ONE {
		return wireWitness{}, errors.New("witness fractions exceed 1.0")
	}
	out := wireWitness{
		Identity:      string(w.Identity[:]),
		Epoch:         epoch,
		Slot:          slot,
		StakeFraction: int64(w.StakeFraction),
		Trust:         int64(w.Trust),
		WeightsRoot:   string(w.WeightsRoot[:]),
		Siblings:      []string{},
	}
	switch p := w.Proof.(type) {
	case *MerkleWitness:
		out.ProofKind = proofKindMerkle
		idx, err := toWireInt("leaf index", p.LeafIndex)
		if err != nil {
			return wireWitness{}, err
		}
		out.LeafIndex = idx
		for _, s := range p.Siblings {
			out.Siblings = append(out.Siblings, string(s[:]))
		}
	case *OpaqueProof:
		out.ProofKind = proofKindOpaque
		out.Scheme = p.Scheme
		out.Data = string(p.Data)
	default:
		return wireWitness{}, fmt.Errorf("unsupported proof type %T", w.Proof)
	}
	return out, nil
}

func fromWireWitness(w wireWitness) (*LeaderWitness, error) {
	id, err := fixed32("identity", w.Identity)
	if err != nil {
		return nil, err
	}
	root, err := fixed32("weights_root", w.WeightsRoot)
	if err != nil {
		return nil, err
	}
	epoch, err := nonNegative("epoch", w.Epoch)
	if err != nil {
		return nil, err
	}
	slot, err := nonNegative("slot", w.Slot)
	if err != nil {
		return nil, err
	}
	stake, err := nonNegative("stake_fraction", w.StakeFraction)
	if err != nil {
		return nil, err
	}
	trust, err := nonNegative("trust", w.Trust)
	if err != nil {
		return nil, err
	}

	out := &LeaderWitness{
		Identity:      id,
		Epoch:         epoch,
		Slot:          slot,
		StakeFraction: core.Q(stake),
		Trust:         core.Q(trust),
		WeightsRoot:   root,
	}
	switch w.ProofKind {
	case proofKindMerkle:
		idx, err := nonNegative("leaf_index", w.LeafIndex)
		if err != nil {
			return nil, err
		}
		if len(w.Siblings) > core.MaxMerkleDepth {
			return nil, fmt.Errorf("%w: %d siblings", ErrMalformedMessage, len(w.Siblings))
		}
		mw := &MerkleWitness{LeafIndex: idx, Siblings: make([][32]byte, 0, len(w.Siblings))}
		for _, s := range w.Siblings {
			sib, err := fixed32("sibling", s)
			if err != nil {
				return nil, err
			}
			mw.Siblings = append(mw.Siblings, sib)
		}
		out.Proof = mw
	case proofKindOpaque:
		if len(w.Data) > maxOpaqueProofBytes {
			return nil, fmt.Errorf("%w: opaque proof of %d bytes", ErrMalformedMessage, len(w.Data))
		}
		out.Proof = &OpaqueProof{Scheme: w.Scheme, Data: []byte(w.Data)}
	default:
		return nil, fmt.Errorf("%w: unknown proof kind %q", ErrMalformedMessage, w.ProofKind)
	}
	return out, nil
}

func EncodeWitness(w *LeaderWitness) ([]byte, error) {
	ww, err := toWireWitness(w)
	if err != nil {
		return nil, err
	}
	return encode(ww)
}

func DecodeWitness(buf []byte) (*LeaderWitness, error) {
	var ww wireWitness
	if err := decode(buf, &ww); err != nil {
		return nil, err
	}
	return fromWireWitness(ww)
}

func EncodeProposal(p BlockProposal) ([]byte, error) {
	ww, err := toWireWitness(p.Witness)
	if err != nil {
		return nil, err
	}
	return encode(wireProposal{Witness: ww, Parent: string(p.Parent[:]), Body: string(p.Body)})
}

// DecodeProposal decodes a proposal. Quality metrics are node-local and never travel on the wire.
func DecodeProposal(buf []byte) (BlockProposal, error) {
	var wp wireProposal
	if err := decode(buf, &wp); err != nil {
		return BlockProposal{}, err
	}
	w, err := fromWireWitness(wp.Witness)
	if err != nil {
		return BlockProposal{}, err
	}
	parent, err := fixed32("parent", wp.Parent)
	if err != nil {
		return BlockProposal{}, err
	}
	return BlockProposal{Witness: w, Parent: parent, Body: []byte(wp.Body)}, nil
}
