package tonconnect

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
)

var (
	// ErrIncorrectClientID means the dApp's client id is not usable as key
	// material for the session box.
	ErrIncorrectClientID = errors.New("tonconnect: incorrect client id")

	// ErrDecryptFailed means an envelope was not sealed for this session.
	ErrDecryptFailed = errors.New("tonconnect: failed to decrypt envelope")
)

// SessionCrypto owns the per-connection keypair. A fresh one is generated for
// every connect attempt; it becomes the long-lived session key only once the
// connect flow completes and the app is stored in the vault.
type SessionCrypto struct {
	SessionID  nacl.Key
	PrivateKey nacl.Key
}

// NewSessionCrypto generates a fresh keypair.
func NewSessionCrypto() (*SessionCrypto, error) {
	id, pk, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("tonconnect: failed to generate key pair: %w", err)
	}

	return &SessionCrypto{SessionID: id, PrivateKey: pk}, nil
}

// SessionCryptoFromKeyPair restores session crypto from a vault-persisted
// keypair.
func SessionCryptoFromKeyPair(kp KeyPair) (*SessionCrypto, error) {
	pub, err := nacl.Load(kp.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("tonconnect: failed to load session public key: %w", err)
	}
	priv, err := nacl.Load(kp.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("tonconnect: failed to load session private key: %w", err)
	}

	return &SessionCrypto{SessionID: pub, PrivateKey: priv}, nil
}

// KeyPair returns the hex form stored in the vault.
func (s *SessionCrypto) KeyPair() KeyPair {
	return KeyPair{
		PublicKey:  hex.EncodeToString(s.SessionID[:]),
		PrivateKey: hex.EncodeToString(s.PrivateKey[:]),
	}
}

// Seal encrypts msg for the holder of receiver's private key. The envelope is
// nonce-prefixed authenticated ciphertext.
func (s *SessionCrypto) Seal(msg []byte, receiver nacl.Key) []byte {
	return box.EasySeal(msg, receiver, s.PrivateKey)
}

// Open decrypts an envelope sealed by the holder of sender's private key.
func (s *SessionCrypto) Open(envelope []byte, sender nacl.Key) ([]byte, error) {
	data, err := box.EasyOpen(envelope, sender, s.PrivateKey)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	return data, nil
}

// ParseClientID loads a dApp's client id as box key material.
func ParseClientID(clientID string) (nacl.Key, error) {
	key, err := nacl.Load(clientID)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrIncorrectClientID, clientID)
	}

	return key, nil
}
