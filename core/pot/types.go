package pot

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"github.com/liamzebedee/tinytrust/core"
)

// An Identity is the opaque 32 byte identifier of a validator. It is assumed to be authenticated upstream (eg. the
// hash of a verified public key); the consensus core never checks signatures.
type Identity [32]byte

// A Hash is a 32 byte digest.
type Hash [32]byte

func (id Identity) Compare(other Identity) int {
	return bytes.Compare(id[:], other[:])
}

func (id Identity) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first 4 bytes in hex, for logs.
func (id Identity) Short() string {
	return hex.EncodeToString(id[:4])
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func ParseIdentity(s string) (Identity, error) {
	var id Identity
	buf, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return id, fmt.Errorf("invalid identity %q: %w", s, err)
	}
	if len(buf) != len(id) {
		return id, fmt.Errorf("invalid identity %q: expected %d bytes, got %d", s, len(id), len(buf))
	}
	copy(id[:], buf)
	return id, nil
}

func ParseHash(s string) (Hash, error) {
	var h Hash
	buf, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return h, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(buf) != len(h) {
		return h, fmt.Errorf("invalid hash %q: expected %d bytes, got %d", s, len(h), len(buf))
	}
	copy(h[:], buf)
	return h, nil
}

func (id Identity) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *Identity) UnmarshalText(text []byte) error {
	parsed, err := ParseIdentity(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// IdentityFromSeed derives an identity from an arbitrary label. Used for genesis files and simulations.
func IdentityFromSeed(seed string) Identity {
	return Identity(core.Hash([]byte(seed)))
}

func hashTagged(tag string, parts ...[]byte) Hash {
	return Hash(core.HashTagged(tag, parts...))
}

func sortIdentities(ids []Identity) {
	slices.SortFunc(ids, func(a, b Identity) int { return a.Compare(b) })
}
