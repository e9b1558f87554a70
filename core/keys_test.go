package core

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

const testPrivateKey = "2053e3c0d239d12a554ef55895b89e5d044af7d09d8be9a8f6da22460f8260ca"

func TestGenerateKeypair(t *testing.T) {
	assert := assert.New(t)

	k, err := GenerateKeypair()
	assert.Nil(err)

	k2, err := KeypairFromHex(k.PrivateKeyHex())
	assert.Nil(err)
	assert.Equal(k.PublicKey(), k2.PublicKey())
	assert.Equal(k.Fingerprint(), k2.Fingerprint())
}

func TestKeypairFromHex(t *testing.T) {
	assert := assert.New(t)

	k, err := KeypairFromHex(testPrivateKey)
	assert.Nil(err)
	assert.Equal("04e14529aa7c2a392dbe70f30f18cd0c76422d256fa413e151b87417d9232c41374985d8df6cedf084cf107c397ed658bd13dc2b31d4cbc3979c8684edb8b948bf", k.PublicKeyHex())
	assert.Equal(testPrivateKey, k.PrivateKeyHex())

	_, err = KeypairFromHex("zz")
	assert.NotNil(err)
	_, err = KeypairFromHex("00")
	assert.NotNil(err)
}

func TestSignVerify(t *testing.T) {
	assert := assert.New(t)

	k, err := KeypairFromHex(testPrivateKey)
	assert.Nil(err)

	msg := []byte("commit epoch=1")
	sig, err := k.Sign(msg)
	assert.Nil(err)
	assert.Len(sig, 64)

	assert.True(VerifySignature(k.PublicKey(), sig, msg))
	assert.False(VerifySignature(k.PublicKey(), sig, []byte("commit epoch=2")))

	other, err := GenerateKeypair()
	assert.Nil(err)
	assert.False(VerifySignature(other.PublicKey(), sig, msg))
}

func TestVerifyWithRealSig(t *testing.T) {
	assert := assert.New(t)

	pubHex := "04e14529aa7c2a392dbe70f30f18cd0c76422d256fa413e151b87417d9232c41374985d8df6cedf084cf107c397ed658bd13dc2b31d4cbc3979c8684edb8b948bf"
	sigHex := "732292cff5543cd09efe0079e82edb53457ec9cef36d077b3fbc5dff62fa65f2105042810707505c4f98ed012661e60312c3c4e6b9eb815c64a2169c9c0ec7e8"

	var pub [65]byte
	buf, err := hex.DecodeString(pubHex)
	assert.Nil(err)
	copy(pub[:], buf)
	sig, err := hex.DecodeString(sigHex)
	assert.Nil(err)

	assert.True(VerifySignature(pub, sig, []byte("Gday, world!")))
}

func TestVerifyMalformed(t *testing.T) {
	assert := assert.New(t)

	var pub [65]byte
	assert.False(VerifySignature(pub, make([]byte, 64), []byte("x")))

	k, err := GenerateKeypair()
	assert.Nil(err)
	assert.False(VerifySignature(k.PublicKey(), make([]byte, 63), []byte("x")))
	assert.False(VerifySignature(k.PublicKey(), make([]byte, 64), []byte("x")))
}
