package pot

import (
	"errors"
	"fmt"

	"github.com/liamzebedee/tinytrust/core"
)

// Gossip topics.
const (
	TopicCommit   = "commit"
	TopicReveal   = "reveal"
	TopicProposal = "proposal"
)

var ErrBadSignature = errors.New("bad envelope signature")

// An envelope authenticates a gossip payload. The sender's identity is the fingerprint of the signing key.
type wireEnvelope struct {
	Topic     string `bencode:"topic"`
	PublicKey string `bencode:"pubkey"`
	Payload   string `bencode:"payload"`
	Signature string `bencode:"sig"`
}

// IdentityOf returns the validator identity of a signing key.
func IdentityOf(k *core.Keypair) Identity {
	return Identity(k.Fingerprint())
}

func envelopeMessage(topic string, payload []byte) []byte {
	msg := make([]byte, 0, len(topic)+1+len(payload))
	msg = append(msg, topic...)
	msg = append(msg, 0)
	return append(msg, payload...)
}

// SealEnvelope signs payload under topic.
func SealEnvelope(k *core.Keypair, topic string, payload []byte) ([]byte, error) {
	sig, err := k.Sign(envelopeMessage(topic, payload))
	if err != nil {
		return nil, err
	}
	pub := k.PublicKey()
	return encode(wireEnvelope{
		Topic:     topic,
		PublicKey: string(pub[:]),
		Payload:   string(payload),
		Signature: string(sig),
	})
}

// OpenEnvelope checks an envelope's signature and returns its topic, sender and payload.
func OpenEnvelope(buf []byte) (topic string, sender Identity, payload []byte, err error) {
	var env wireEnvelope
	if err := decode(buf, &env); err != nil {
		return "", Identity{}, nil, err
	}
	var pub [65]byte
	if len(env.PublicKey) != len(pub) {
		return "", Identity{}, nil, fmt.Errorf("%w: public key must be %d bytes", ErrMalformedMessage, len(pub))
	}
	copy(pub[:], env.PublicKey)

	payload = []byte(env.Payload)
	if !core.VerifySignature(pub, []byte(env.Signature), envelopeMessage(env.Topic, payload)) {
		return "", Identity{}, nil, ErrBadSignature
	}
	return env.Topic, Identity(core.PublicKeyFingerprint(pub)), payload, nil
}
