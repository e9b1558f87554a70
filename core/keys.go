package core

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
)

// A Keypair is a validator's P-256 signing key. Its fingerprint, the hash of the public key, is the validator's
// identity on the network.
type Keypair struct {
	prvkey *ecdsa.PrivateKey
}

func GenerateKeypair() (*Keypair, error) {
	prvkey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Keypair{prvkey: prvkey}, nil
}

func KeypairFromHex(privateKeyHex string) (*Keypair, error) {
	buf, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	curve := elliptic.P256()
	d := new(big.Int).SetBytes(buf)
	if d.Sign() == 0 || d.Cmp(curve.Params().N) >= 0 {
		return nil, fmt.Errorf("invalid private key: out of range")
	}
	prvkey := new(ecdsa.PrivateKey)
	prvkey.D = d
	prvkey.PublicKey.Curve = curve
	prvkey.PublicKey.X, prvkey.PublicKey.Y = curve.ScalarBaseMult(PadBytes(buf, 32))
	return &Keypair{prvkey: prvkey}, nil
}

// PublicKey returns the uncompressed public key: 0x04 || X || Y.
func (k *Keypair) PublicKey() [65]byte {
	pub := k.prvkey.PublicKey
	var out [65]byte
	copy(out[:], elliptic.Marshal(pub.Curve, pub.X, pub.Y))
	return out
}

func (k *Keypair) PublicKeyHex() string {
	pub := k.PublicKey()
	return hex.EncodeToString(pub[:])
}

func (k *Keypair) PrivateKeyHex() string {
	return hex.EncodeToString(PadBytes(k.prvkey.D.Bytes(), 32))
}

// Fingerprint is the SHA-256 of the public key.
func (k *Keypair) Fingerprint() [32]byte {
	return PublicKeyFingerprint(k.PublicKey())
}

func PublicKeyFingerprint(pub [65]byte) [32]byte {
	return Hash(pub[:])
}

// Sign signs the SHA-256 of msg, returning r || s (64 bytes).
func (k *Keypair) Sign(msg []byte) ([]byte, error) {
	hash := sha256.Sum256(msg)
	r, s, err := ecdsa.Sign(rand.Reader, k.prvkey, hash[:])
	if err != nil {
		return nil, err
	}
	return append(PadBytes(r.Bytes(), 32), PadBytes(s.Bytes(), 32)...), nil
}

// VerifySignature checks a 64-byte r || s signature. Malformed keys and signatures verify as false.
func VerifySignature(pub [65]byte, sig, msg []byte) bool {
	if len(sig) != 64 {
		return false
	}
	x, y := elliptic.Unmarshal(elliptic.P256(), pub[:])
	if x == nil {
		return false
	}
	pubkey := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}

	hash := sha256.Sum256(msg)
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	return ecdsa.Verify(pubkey, hash[:], r, s)
}
