package transfer

import (
	"math/big"

	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/tlb"
)

// Intent is a closed union over everything the wallet can turn into one
// unsigned external message. Each variant carries all data needed to build
// its message body and knows its own protocol-specific fee surcharge.
type Intent interface {
	// ExtraFee is the surcharge added on top of the network-estimated fee,
	// e.g. a staking pool's fixed overhead. Zero for most variants.
	ExtraFee() tlb.Coins

	isIntent()
}

// RawMessage is one outgoing internal message as requested by a dApp.
// Amount is in nanotons. Payload and StateInit are serialized cells.
type RawMessage struct {
	Address   string
	Amount    string
	Payload   []byte
	StateInit []byte
}

// TonConnectIntent is a dApp-originated batch of messages. Payloads are
// untrusted: jetton transfers inside are rebuilt through a JettonResolver
// before signing.
type TonConnectIntent struct {
	Sender   *address.Address
	Messages []RawMessage
	Resolver JettonResolver
}

func (TonConnectIntent) ExtraFee() tlb.Coins { return tlb.ZeroCoins }
func (TonConnectIntent) isIntent()           {}

// PoolImplementation selects the staking protocol a pool speaks.
type PoolImplementation string

const (
	PoolWhales   PoolImplementation = "whales"
	PoolLiquidTF PoolImplementation = "liquidTF"
)

// Pool describes one staking pool. Fee is the pool's fixed extra fee as
// reported by its current on-chain state.
type Pool struct {
	Address        *address.Address
	Implementation PoolImplementation
	Fee            tlb.Coins
}

// StakeDepositIntent deposits into a staking pool. IsMax means the whole
// spendable balance is attached and the deposit amount is implied.
type StakeDepositIntent struct {
	Pool   Pool
	Amount tlb.Coins
	IsMax  bool
}

func (i StakeDepositIntent) ExtraFee() tlb.Coins { return i.Pool.Fee }
func (StakeDepositIntent) isIntent()             {}

// StakeWithdrawIntent requests a withdrawal from a staking pool. A zero
// amount withdraws everything.
type StakeWithdrawIntent struct {
	Pool   Pool
	Amount tlb.Coins
}

func (i StakeWithdrawIntent) ExtraFee() tlb.Coins { return i.Pool.Fee }
func (StakeWithdrawIntent) isIntent()             {}

// PlainTransferIntent is a basic TON transfer with an optional text comment.
type PlainTransferIntent struct {
	To      *address.Address
	Amount  tlb.Coins
	Comment string
	Bounce  bool
}

func (PlainTransferIntent) ExtraFee() tlb.Coins { return tlb.ZeroCoins }
func (PlainTransferIntent) isIntent()           {}

// NFTTransferIntent moves an NFT item to a new owner. TransferAmount is the
// TON attached to the item contract to pay forwarding costs.
type NFTTransferIntent struct {
	NFT            *address.Address
	NewOwner       *address.Address
	ResponseTo     *address.Address
	Comment        string
	TransferAmount tlb.Coins
}

func (NFTTransferIntent) ExtraFee() tlb.Coins { return tlb.ZeroCoins }
func (NFTTransferIntent) isIntent()           {}

func coinsFromString(amount string) (tlb.Coins, error) {
	n, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return tlb.Coins{}, errInvalidAmount(amount)
	}
	return tlb.FromNanoTON(n), nil
}
