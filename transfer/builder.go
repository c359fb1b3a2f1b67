package transfer

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/tvm/cell"

	"github.com/machinae/tonwallet"
)

var (
	ErrSigningFailed    = errors.New("transfer: failed to sign message")
	ErrTooManyMessages  = errors.New("transfer: wallet contract supports at most 4 messages")
	ErrUnsupportedKind  = errors.New("transfer: wallet kind cannot send transactions")
	ErrNoJettonResolver = errors.New("transfer: no resolver for jetton transfer payload")
)

const subwalletID = 698983191

// Staking pool opcodes.
const (
	opWhalesDeposit   = 2077040623
	opWhalesWithdraw  = 3665837821
	opLiquidTFDeposit = 0x47d54391
	opLiquidTFBurn    = 0x595f07bc
	opComment         = 0
	opNFTTransfer     = 0x5fcc3d14
)

// Signer produces an ed25519 signature over a message hash. Only the signing
// step ever sees key material; everything before it works on unsigned cells.
type Signer func(hash []byte) ([]byte, error)

// KeySigner signs with an in-memory private key.
func KeySigner(key ed25519.PrivateKey) Signer {
	return func(hash []byte) ([]byte, error) {
		return ed25519.Sign(key, hash), nil
	}
}

// EmptyKeySigner signs with an all-zero seed. The resulting signature is
// deterministic and worthless, which is exactly what fee emulation needs:
// the network evaluates the message without real authorization.
func EmptyKeySigner() Signer {
	return KeySigner(ed25519.NewKeyFromSeed(make([]byte, ed25519.SeedSize)))
}

// UnsignedMessage is a fully built wallet-contract payload awaiting a
// signature.
type UnsignedMessage struct {
	Intent Intent

	wallet tonwallet.Wallet
	toSign *cell.Cell
}

type walletMessage struct {
	mode     uint8
	internal *tlb.InternalMessage
}

// Build constructs the unsigned wallet-contract payload for an intent.
// timeout is in seconds; the message expires at build time + timeout.
func Build(ctx context.Context, intent Intent, sender tonwallet.Wallet, seqno uint32, timeout uint64) (*UnsignedMessage, error) {
	switch sender.Kind {
	case tonwallet.KindRegularV3R2, tonwallet.KindRegularV4R2:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, sender.Kind)
	}

	msgs, err := buildMessages(ctx, intent, sender)
	if err != nil {
		return nil, err
	}
	if len(msgs) > 4 {
		return nil, ErrTooManyMessages
	}

	validUntil := uint64(time.Now().UTC().Unix()) + timeout

	toSign := cell.BeginCell().
		MustStoreUInt(subwalletID, 32).
		MustStoreUInt(validUntil, 32).
		MustStoreUInt(uint64(seqno), 32)
	if sender.Kind == tonwallet.KindRegularV4R2 {
		toSign.MustStoreUInt(0, 8)
	}

	for _, msg := range msgs {
		intCell, err := tlb.ToCell(msg.internal)
		if err != nil {
			return nil, fmt.Errorf("transfer: failed to serialize internal message: %w", err)
		}
		toSign.MustStoreUInt(uint64(msg.mode), 8)
		toSign.MustStoreRef(intCell)
	}

	return &UnsignedMessage{
		Intent: intent,
		wallet: sender,
		toSign: toSign.EndCell(),
	}, nil
}

// Sign invokes the signer over the payload hash and wraps the result into an
// external message boc ready for emulation or broadcast.
func (m *UnsignedMessage) Sign(signer Signer) ([]byte, error) {
	sig, err := signer(m.toSign.Hash())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigningFailed, err)
	}
	if len(sig) != ed25519.SignatureSize {
		return nil, fmt.Errorf("%w: signer returned %d bytes", ErrSigningFailed, len(sig))
	}

	body := cell.BeginCell().
		MustStoreSlice(sig, 512).
		MustStoreBuilder(m.toSign.ToBuilder()).
		EndCell()

	external := cell.BeginCell().
		MustStoreUInt(0b10, 2).
		MustStoreUInt(0, 2).
		MustStoreAddr(m.wallet.Address).
		MustStoreCoins(0).
		MustStoreBoolBit(false).
		MustStoreBoolBit(true).
		MustStoreRef(body).
		EndCell()

	return external.ToBOC(), nil
}

func buildMessages(ctx context.Context, intent Intent, sender tonwallet.Wallet) ([]walletMessage, error) {
	switch it := intent.(type) {
	case TonConnectIntent:
		return buildTonConnectMessages(ctx, it)
	case StakeDepositIntent:
		return buildStakeDeposit(it)
	case StakeWithdrawIntent:
		return buildStakeWithdraw(it)
	case PlainTransferIntent:
		return buildPlainTransfer(it)
	case NFTTransferIntent:
		return buildNFTTransfer(it, sender)
	default:
		return nil, fmt.Errorf("transfer: unknown intent %T", intent)
	}
}

func buildStakeDeposit(it StakeDepositIntent) ([]walletMessage, error) {
	var body *cell.Cell
	switch it.Pool.Implementation {
	case PoolWhales:
		body = cell.BeginCell().
			MustStoreUInt(opWhalesDeposit, 32).
			MustStoreUInt(0, 64).
			MustStoreCoins(100000).
			EndCell()
	case PoolLiquidTF:
		body = cell.BeginCell().
			MustStoreUInt(opLiquidTFDeposit, 32).
			MustStoreUInt(0, 64).
			EndCell()
	default:
		return nil, fmt.Errorf("transfer: unknown pool implementation %q", it.Pool.Implementation)
	}

	mode := uint8(3)
	if it.IsMax {
		// Carry the whole remaining balance instead of a fixed amount.
		mode = 128
	}

	return []walletMessage{{
		mode: mode,
		internal: &tlb.InternalMessage{
			IHRDisabled: true,
			Bounce:      true,
			DstAddr:     it.Pool.Address,
			Amount:      it.Amount,
			Body:        body,
		},
	}}, nil
}

func buildStakeWithdraw(it StakeWithdrawIntent) ([]walletMessage, error) {
	var body *cell.Cell
	switch it.Pool.Implementation {
	case PoolWhales:
		body = cell.BeginCell().
			MustStoreUInt(opWhalesWithdraw, 32).
			MustStoreUInt(0, 64).
			MustStoreCoins(100000).
			MustStoreBigCoins(it.Amount.Nano()).
			EndCell()
	case PoolLiquidTF:
		// LiquidTF withdrawals burn the pool jetton; Pool.Address must be
		// the wallet's jetton wallet for that pool.
		body = cell.BeginCell().
			MustStoreUInt(opLiquidTFBurn, 32).
			MustStoreUInt(0, 64).
			MustStoreBigCoins(it.Amount.Nano()).
			MustStoreAddr(nil).
			MustStoreBoolBit(false).
			EndCell()
	default:
		return nil, fmt.Errorf("transfer: unknown pool implementation %q", it.Pool.Implementation)
	}

	// The attached value only pays gas; the pool sends the stake back in a
	// separate message.
	return []walletMessage{{
		mode: 3,
		internal: &tlb.InternalMessage{
			IHRDisabled: true,
			Bounce:      true,
			DstAddr:     it.Pool.Address,
			Amount:      it.Pool.Fee,
			Body:        body,
		},
	}}, nil
}

func buildPlainTransfer(it PlainTransferIntent) ([]walletMessage, error) {
	body := cell.BeginCell().EndCell()
	if it.Comment != "" {
		body = cell.BeginCell().
			MustStoreUInt(opComment, 32).
			MustStoreStringSnake(it.Comment).
			EndCell()
	}

	return []walletMessage{{
		mode: 3,
		internal: &tlb.InternalMessage{
			IHRDisabled: true,
			Bounce:      it.Bounce,
			DstAddr:     it.To,
			Amount:      it.Amount,
			Body:        body,
		},
	}}, nil
}

func buildNFTTransfer(it NFTTransferIntent, sender tonwallet.Wallet) ([]walletMessage, error) {
	response := it.ResponseTo
	if response == nil {
		response = sender.Address
	}

	body := cell.BeginCell().
		MustStoreUInt(opNFTTransfer, 32).
		MustStoreUInt(0, 64).
		MustStoreAddr(it.NewOwner).
		MustStoreAddr(response).
		MustStoreBoolBit(false)

	if it.Comment != "" {
		forward := cell.BeginCell().
			MustStoreUInt(opComment, 32).
			MustStoreStringSnake(it.Comment).
			EndCell()
		body.MustStoreCoins(1).
			MustStoreBoolBit(true).
			MustStoreRef(forward)
	} else {
		body.MustStoreCoins(0).
			MustStoreBoolBit(false)
	}

	return []walletMessage{{
		mode: 3,
		internal: &tlb.InternalMessage{
			IHRDisabled: true,
			Bounce:      true,
			DstAddr:     it.NFT,
			Amount:      it.TransferAmount,
			Body:        body.EndCell(),
		},
	}}, nil
}

func errInvalidAmount(amount string) error {
	return fmt.Errorf("transfer: invalid amount %q", amount)
}
