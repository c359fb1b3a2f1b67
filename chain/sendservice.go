// Package chain is the engine's only road to the blockchain. Everything
// above it works on bocs and never talks to the network directly.
package chain

import (
	"context"
	"errors"

	"github.com/xssnick/tonutils-go/tlb"

	"github.com/machinae/tonwallet"
)

var (
	ErrEmulationFailed = errors.New("chain: failed to emulate transaction")
	ErrSendFailed      = errors.New("chain: failed to send transaction")
)

// TransactionInfo is the result of a dry-run evaluation.
type TransactionInfo struct {
	// Fee is the network-estimated total fee for the message.
	Fee tlb.Coins
}

// SendService loads wallet state, emulates and broadcasts transactions.
type SendService interface {
	// LoadSeqno returns the wallet contract's current sequence number.
	LoadSeqno(ctx context.Context, wallet tonwallet.Wallet) (uint32, error)

	// GetTimeoutSafely returns a validity window in seconds that is safe
	// against clock drift between the device and the network.
	GetTimeoutSafely(ctx context.Context, wallet tonwallet.Wallet) uint64

	// LoadTransactionInfo emulates a boc without broadcasting it.
	LoadTransactionInfo(ctx context.Context, boc []byte, wallet tonwallet.Wallet) (*TransactionInfo, error)

	// SendTransaction broadcasts a finalized boc.
	SendTransaction(ctx context.Context, boc []byte, wallet tonwallet.Wallet) error
}
