package confirm

import (
	"context"
	"math/big"

	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/tlb"

	"github.com/machinae/tonwallet"
	"github.com/machinae/tonwallet/tonconnect"
	"github.com/machinae/tonwallet/transfer"
)

// PlainTransferVariant confirms a basic TON transfer.
type PlainTransferVariant struct {
	To      *address.Address
	Amount  tlb.Coins
	Comment string
	Bounce  bool
}

func (v PlainTransferVariant) BuildIntent(context.Context) (transfer.Intent, error) {
	return transfer.PlainTransferIntent{
		To:      v.To,
		Amount:  v.Amount,
		Comment: v.Comment,
		Bounce:  v.Bounce,
	}, nil
}

func (v PlainTransferVariant) ExtraFee() tlb.Coins { return tlb.ZeroCoins }

func (v PlainTransferVariant) DisplayAmount(rates RateSource) Amount {
	return displayAmount(v.Amount, rates)
}

func (v PlainTransferVariant) Recipient() string { return v.To.String() }

// StakeDepositVariant confirms a staking pool deposit. The pool's fixed
// extra fee is added on top of the emulated network fee.
type StakeDepositVariant struct {
	Pool   transfer.Pool
	Amount tlb.Coins
	IsMax  bool
}

func (v StakeDepositVariant) BuildIntent(context.Context) (transfer.Intent, error) {
	return transfer.StakeDepositIntent{Pool: v.Pool, Amount: v.Amount, IsMax: v.IsMax}, nil
}

func (v StakeDepositVariant) ExtraFee() tlb.Coins { return v.Pool.Fee }

func (v StakeDepositVariant) DisplayAmount(rates RateSource) Amount {
	return displayAmount(v.Amount, rates)
}

func (v StakeDepositVariant) Recipient() string { return v.Pool.Address.String() }

// StakeWithdrawVariant confirms a staking pool withdrawal.
type StakeWithdrawVariant struct {
	Pool   transfer.Pool
	Amount tlb.Coins
}

func (v StakeWithdrawVariant) BuildIntent(context.Context) (transfer.Intent, error) {
	return transfer.StakeWithdrawIntent{Pool: v.Pool, Amount: v.Amount}, nil
}

func (v StakeWithdrawVariant) ExtraFee() tlb.Coins { return v.Pool.Fee }

func (v StakeWithdrawVariant) DisplayAmount(rates RateSource) Amount {
	return displayAmount(v.Amount, rates)
}

func (v StakeWithdrawVariant) Recipient() string { return v.Pool.Address.String() }

// NFTTransferVariant confirms moving an NFT item to a new owner.
type NFTTransferVariant struct {
	NFT            *address.Address
	NewOwner       *address.Address
	Comment        string
	TransferAmount tlb.Coins
}

func (v NFTTransferVariant) BuildIntent(context.Context) (transfer.Intent, error) {
	return transfer.NFTTransferIntent{
		NFT:            v.NFT,
		NewOwner:       v.NewOwner,
		Comment:        v.Comment,
		TransferAmount: v.TransferAmount,
	}, nil
}

func (v NFTTransferVariant) ExtraFee() tlb.Coins { return tlb.ZeroCoins }

func (v NFTTransferVariant) DisplayAmount(rates RateSource) Amount {
	return displayAmount(v.TransferAmount, rates)
}

func (v NFTTransferVariant) Recipient() string { return v.NewOwner.String() }

// TonConnectVariant confirms a dApp-originated transaction and reports the
// outcome back through the bridge: the boc on success, a decline code
// otherwise.
type TonConnectVariant struct {
	Service *tonconnect.Service
	Wallet  tonwallet.Wallet
	Request tonconnect.AppRequest
	App     tonconnect.ConnectedApp
	Param   tonconnect.SendTransactionParam
}

func (v TonConnectVariant) BuildIntent(context.Context) (transfer.Intent, error) {
	messages := make([]transfer.RawMessage, 0, len(v.Param.Messages))
	for _, msg := range v.Param.Messages {
		messages = append(messages, transfer.RawMessage{
			Address:   msg.Address,
			Amount:    msg.Amount,
			Payload:   msg.Payload,
			StateInit: msg.StateInit,
		})
	}

	return transfer.TonConnectIntent{
		Sender:   v.Wallet.Address,
		Messages: messages,
		Resolver: v.Service.JettonResolver(),
	}, nil
}

func (v TonConnectVariant) ExtraFee() tlb.Coins { return tlb.ZeroCoins }

func (v TonConnectVariant) DisplayAmount(rates RateSource) Amount {
	total := new(big.Int)
	for _, msg := range v.Param.Messages {
		if n, ok := new(big.Int).SetString(msg.Amount, 10); ok {
			total.Add(total, n)
		}
	}
	return displayAmount(tlb.FromNanoTON(total), rates)
}

func (v TonConnectVariant) Recipient() string { return v.App.Manifest.Name }

func (v TonConnectVariant) ReportSent(ctx context.Context, boc []byte) error {
	return v.Service.ConfirmRequest(ctx, boc, v.Request, v.App)
}

func (v TonConnectVariant) ReportDeclined(ctx context.Context) error {
	return v.Service.CancelRequest(ctx, v.Request, v.App)
}
