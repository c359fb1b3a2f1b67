// Package keystore holds passcode-sealed mnemonics and derives signing keys
// from them. Key material never leaves this package except through the
// ed25519 keys handed to a signer.
package keystore

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/secretbox"
	"golang.org/x/crypto/pbkdf2"
)

var (
	ErrInvalidPasscode = errors.New("keystore: invalid passcode")
	ErrUnknownWallet   = errors.New("keystore: unknown wallet")
)

const (
	saltSize       = 16
	pbkdf2Rounds   = 100000
	tonDefaultSeed = "TON default seed"
)

// SealedMnemonic is a mnemonic encrypted under a passcode-derived key.
// Layout: salt || secretbox envelope.
type SealedMnemonic []byte

// Seal encrypts a mnemonic under the passcode.
func Seal(mnemonic []string, passcode string) (SealedMnemonic, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("keystore: failed to generate salt: %w", err)
	}

	key := passcodeKey(passcode, salt)
	sealed := secretbox.EasySeal([]byte(strings.Join(mnemonic, " ")), key)

	return append(salt, sealed...), nil
}

// Open decrypts the mnemonic. A wrong passcode yields ErrInvalidPasscode.
func (s SealedMnemonic) Open(passcode string) ([]string, error) {
	if len(s) <= saltSize {
		return nil, ErrInvalidPasscode
	}

	key := passcodeKey(passcode, s[:saltSize])
	plain, err := secretbox.EasyOpen(s[saltSize:], key)
	if err != nil {
		return nil, ErrInvalidPasscode
	}

	return strings.Split(string(plain), " "), nil
}

func passcodeKey(passcode string, salt []byte) nacl.Key {
	derived := pbkdf2.Key([]byte(passcode), salt, pbkdf2Rounds, nacl.KeySize, sha512.New)
	key := new([nacl.KeySize]byte)
	copy(key[:], derived)
	return key
}

// DeriveKeyPair derives the wallet's ed25519 keypair from a mnemonic using
// the standard TON scheme.
func DeriveKeyPair(mnemonic []string) (ed25519.PublicKey, ed25519.PrivateKey) {
	mac := hmac.New(sha512.New, []byte(strings.Join(mnemonic, " ")))
	hash := mac.Sum(nil)
	seed := pbkdf2.Key(hash, []byte(tonDefaultSeed), pbkdf2Rounds, ed25519.SeedSize, sha512.New)

	private := ed25519.NewKeyFromSeed(seed)
	return private.Public().(ed25519.PublicKey), private
}

// Keystore maps wallet ids to sealed mnemonics.
type Keystore struct {
	mu     sync.RWMutex
	sealed map[string]SealedMnemonic
}

func New() *Keystore {
	return &Keystore{sealed: make(map[string]SealedMnemonic)}
}

// Put stores a sealed mnemonic for a wallet.
func (k *Keystore) Put(walletID string, sealed SealedMnemonic) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.sealed[walletID] = sealed
}

// Derive unseals the wallet's mnemonic with the passcode and derives its
// signing key.
func (k *Keystore) Derive(walletID, passcode string) (ed25519.PrivateKey, error) {
	k.mu.RLock()
	sealed, ok := k.sealed[walletID]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWallet, walletID)
	}

	mnemonic, err := sealed.Open(passcode)
	if err != nil {
		return nil, err
	}

	_, private := DeriveKeyPair(mnemonic)
	return private, nil
}
