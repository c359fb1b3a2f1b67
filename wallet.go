package tonwallet

import (
	"crypto/ed25519"
	"fmt"

	"github.com/xssnick/tonutils-go/address"
)

// WalletKind tells which contract backs a wallet and what the engine is
// allowed to do with it.
type WalletKind string

const (
	KindRegularV3R2 WalletKind = "v3r2"
	KindRegularV4R2 WalletKind = "v4r2"
	KindWatchOnly   WalletKind = "watch-only"
	KindLedger      WalletKind = "ledger"
)

// Network is the TON network id as used on the wire (-239 mainnet, -3 testnet).
type Network int64

const (
	Mainnet Network = -239
	Testnet Network = -3
)

// Wallet identifies one wallet owned by the user. The engine never holds the
// wallet's private key; signing goes through an external handler.
type Wallet struct {
	ID        string
	Label     string
	Kind      WalletKind
	Network   Network
	Address   *address.Address
	PublicKey ed25519.PublicKey
}

// SupportsTonConnect reports whether the wallet can serve TonConnect
// connections. Watch-only wallets have no key material and ledger signing is
// driven by a separate transport, so both are excluded.
func (w Wallet) SupportsTonConnect() bool {
	switch w.Kind {
	case KindRegularV3R2, KindRegularV4R2:
		return true
	default:
		return false
	}
}

// StorageKey is the vault key for this wallet.
func (w Wallet) StorageKey() string {
	return fmt.Sprintf("wallet:%s", w.ID)
}

// RawAddress is the workchain:hex form used by the legacy vault layout.
func (w Wallet) RawAddress() string {
	if w.Address == nil {
		return ""
	}
	return fmt.Sprintf("%d:%x", w.Address.Workchain(), w.Address.Data())
}
