package tonconnect

import (
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	alice, err := NewSessionCrypto()
	require.NoError(t, err)
	bob, err := NewSessionCrypto()
	require.NoError(t, err)

	for _, size := range []int{0, 1, 16, 1024} {
		msg := make([]byte, size)
		_, err := rand.Read(msg)
		require.NoError(t, err)

		envelope := alice.Seal(msg, bob.SessionID)
		opened, err := bob.Open(envelope, alice.SessionID)
		require.NoError(t, err)
		assert.Equal(t, msg, opened)
	}
}

func TestOpenRejectsTamperedEnvelope(t *testing.T) {
	alice, err := NewSessionCrypto()
	require.NoError(t, err)
	bob, err := NewSessionCrypto()
	require.NoError(t, err)

	envelope := alice.Seal([]byte("payload"), bob.SessionID)
	for i := range envelope {
		tampered := make([]byte, len(envelope))
		copy(tampered, envelope)
		tampered[i] ^= 0x01

		_, err := bob.Open(tampered, alice.SessionID)
		assert.ErrorIs(t, err, ErrDecryptFailed, "byte %d", i)
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	alice, err := NewSessionCrypto()
	require.NoError(t, err)
	bob, err := NewSessionCrypto()
	require.NoError(t, err)
	eve, err := NewSessionCrypto()
	require.NoError(t, err)

	envelope := alice.Seal([]byte("payload"), bob.SessionID)
	_, err = eve.Open(envelope, alice.SessionID)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestSessionCryptoKeyPairRoundTrip(t *testing.T) {
	original, err := NewSessionCrypto()
	require.NoError(t, err)

	restored, err := SessionCryptoFromKeyPair(original.KeyPair())
	require.NoError(t, err)
	assert.Equal(t, original.SessionID, restored.SessionID)
	assert.Equal(t, original.PrivateKey, restored.PrivateKey)
}

func TestParseClientID(t *testing.T) {
	valid, err := NewSessionCrypto()
	require.NoError(t, err)

	key, err := ParseClientID(hex.EncodeToString(valid.SessionID[:]))
	require.NoError(t, err)
	assert.Equal(t, valid.SessionID, key)

	for _, bad := range []string{"", "abc", "not hex at all", "zz"} {
		_, err := ParseClientID(bad)
		assert.ErrorIs(t, err, ErrIncorrectClientID, "input %q", bad)
	}
}
