package confirm

import (
	"math/big"

	"github.com/shopspring/decimal"
	"github.com/xssnick/tonutils-go/tlb"
)

// RateSource exposes the current TON price in the user's display currency.
type RateSource interface {
	// Rate returns the price of one TON and whether a rate is available.
	Rate() (decimal.Decimal, bool)
}

// Fee is the fee snapshot shown to the user. It starts loading, becomes a
// value after emulation, and degrades to an empty value when emulation
// fails.
type Fee struct {
	Loading   bool
	Amount    *tlb.Coins
	Converted *decimal.Decimal
}

func loadingFee() Fee {
	return Fee{Loading: true}
}

// emptyFee is the value(nil, nil) form reported when emulation fails.
func emptyFee() Fee {
	return Fee{}
}

func valueFee(amount tlb.Coins, rates RateSource) Fee {
	fee := Fee{Amount: &amount}
	if converted, ok := convert(amount, rates); ok {
		fee.Converted = &converted
	}
	return fee
}

// Amount is a displayable amount in native units plus an optional converted
// form.
type Amount struct {
	Value     tlb.Coins
	Converted *decimal.Decimal
}

func displayAmount(value tlb.Coins, rates RateSource) Amount {
	amount := Amount{Value: value}
	if converted, ok := convert(value, rates); ok {
		amount.Converted = &converted
	}
	return amount
}

// convert turns nanotons into display currency. Rounding is half-even
// (banker's) to two decimal places; midpoints round to the nearest even
// cent.
func convert(value tlb.Coins, rates RateSource) (decimal.Decimal, bool) {
	if rates == nil {
		return decimal.Decimal{}, false
	}
	rate, ok := rates.Rate()
	if !ok {
		return decimal.Decimal{}, false
	}

	tons := decimal.NewFromBigInt(new(big.Int).Set(value.Nano()), -9)
	return tons.Mul(rate).RoundBank(2), true
}

func addCoins(a, b tlb.Coins) tlb.Coins {
	sum := new(big.Int).Add(a.Nano(), b.Nano())
	return tlb.FromNanoTON(sum)
}
