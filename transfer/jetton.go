package transfer

import (
	"context"
	"fmt"

	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/tvm/cell"
)

const opJettonTransfer = 0x0f8a7ea5

// JettonPayload is the server-side truth for a jetton transfer: the custom
// payload and state init the jetton wallet actually requires.
type JettonPayload struct {
	CustomPayload *cell.Cell
	StateInit     *cell.Cell
}

// JettonResolver fetches jetton transfer payloads from the blockchain
// service. dApp-supplied custom payloads are never trusted verbatim; a
// malicious dApp could otherwise smuggle a manipulated payload past the
// user's confirmation screen.
type JettonResolver interface {
	ResolveJettonTransfer(ctx context.Context, jettonWallet, owner *address.Address) (*JettonPayload, error)
}

func buildTonConnectMessages(ctx context.Context, it TonConnectIntent) ([]walletMessage, error) {
	msgs := make([]walletMessage, 0, len(it.Messages))
	for _, raw := range it.Messages {
		addr, err := parseAnyAddress(raw.Address)
		if err != nil {
			return nil, err
		}

		amount, err := coinsFromString(raw.Amount)
		if err != nil {
			return nil, err
		}

		body := cell.BeginCell().EndCell()
		if len(raw.Payload) > 0 {
			body, err = cell.FromBOC(raw.Payload)
			if err != nil {
				return nil, fmt.Errorf("transfer: failed to parse message payload: %w", err)
			}
		}

		var stateInit *tlb.StateInit
		if len(raw.StateInit) > 0 {
			stateInit, err = stateInitFromBOC(raw.StateInit)
			if err != nil {
				return nil, err
			}
		}

		// A jetton transfer without a resolver fails closed: signing the
		// dApp's payload verbatim is not an option.
		if isJettonTransfer(body) {
			if it.Resolver == nil {
				return nil, fmt.Errorf("%w: message to %s", ErrNoJettonResolver, addr.String())
			}
			body, stateInit, err = rebuildJettonTransfer(ctx, it.Resolver, addr, it.Sender, body)
			if err != nil {
				return nil, err
			}
		}

		msgs = append(msgs, walletMessage{
			mode: 3,
			internal: &tlb.InternalMessage{
				IHRDisabled: true,
				Bounce:      addr.IsBounceable(),
				DstAddr:     addr,
				Amount:      amount,
				Body:        body,
				StateInit:   stateInit,
			},
		})
	}

	return msgs, nil
}

func isJettonTransfer(body *cell.Cell) bool {
	if body.BitsSize() < 32 {
		return false
	}
	op, err := body.BeginParse().LoadUInt(32)
	return err == nil && op == opJettonTransfer
}

// rebuildJettonTransfer re-assembles a jetton transfer body, replacing the
// dApp-supplied custom payload and state init with values fetched from the
// blockchain service.
func rebuildJettonTransfer(ctx context.Context, resolver JettonResolver, jettonWallet, owner *address.Address, body *cell.Cell) (*cell.Cell, *tlb.StateInit, error) {
	s := body.BeginParse()

	if _, err := s.LoadUInt(32); err != nil {
		return nil, nil, fmt.Errorf("transfer: failed to parse jetton transfer: %w", err)
	}
	queryID, err := s.LoadUInt(64)
	if err != nil {
		return nil, nil, fmt.Errorf("transfer: failed to parse jetton transfer: %w", err)
	}
	amount, err := s.LoadBigCoins()
	if err != nil {
		return nil, nil, fmt.Errorf("transfer: failed to parse jetton transfer: %w", err)
	}
	dest, err := s.LoadAddr()
	if err != nil {
		return nil, nil, fmt.Errorf("transfer: failed to parse jetton transfer: %w", err)
	}
	response, err := s.LoadAddr()
	if err != nil {
		return nil, nil, fmt.Errorf("transfer: failed to parse jetton transfer: %w", err)
	}
	hasCustom, err := s.LoadBoolBit()
	if err != nil {
		return nil, nil, fmt.Errorf("transfer: failed to parse jetton transfer: %w", err)
	}
	if hasCustom {
		// Discard the untrusted payload.
		if _, err := s.LoadRef(); err != nil {
			return nil, nil, fmt.Errorf("transfer: failed to parse jetton transfer: %w", err)
		}
	}
	forwardAmount, err := s.LoadBigCoins()
	if err != nil {
		return nil, nil, fmt.Errorf("transfer: failed to parse jetton transfer: %w", err)
	}

	payload, err := resolver.ResolveJettonTransfer(ctx, jettonWallet, owner)
	if err != nil {
		return nil, nil, fmt.Errorf("transfer: failed to resolve jetton payload: %w", err)
	}

	rebuilt := cell.BeginCell().
		MustStoreUInt(opJettonTransfer, 32).
		MustStoreUInt(queryID, 64).
		MustStoreBigCoins(amount).
		MustStoreAddr(dest).
		MustStoreAddr(response)

	if payload != nil && payload.CustomPayload != nil {
		rebuilt.MustStoreBoolBit(true).MustStoreRef(payload.CustomPayload)
	} else {
		rebuilt.MustStoreBoolBit(false)
	}

	rebuilt.MustStoreBigCoins(forwardAmount)

	forwardRef, err := s.LoadBoolBit()
	if err != nil {
		return nil, nil, fmt.Errorf("transfer: failed to parse jetton transfer: %w", err)
	}
	if forwardRef {
		forward, err := s.LoadRef()
		if err != nil {
			return nil, nil, fmt.Errorf("transfer: failed to parse jetton transfer: %w", err)
		}
		forwardCell, err := forward.ToCell()
		if err != nil {
			return nil, nil, fmt.Errorf("transfer: failed to parse jetton transfer: %w", err)
		}
		rebuilt.MustStoreBoolBit(true).MustStoreRef(forwardCell)
	} else {
		rest, err := s.ToCell()
		if err != nil {
			return nil, nil, fmt.Errorf("transfer: failed to parse jetton transfer: %w", err)
		}
		rebuilt.MustStoreBoolBit(false).MustStoreBuilder(rest.ToBuilder())
	}

	var stateInit *tlb.StateInit
	if payload != nil && payload.StateInit != nil {
		var parsed tlb.StateInit
		if err := tlb.LoadFromCell(&parsed, payload.StateInit.BeginParse()); err != nil {
			return nil, nil, fmt.Errorf("transfer: failed to parse jetton state init: %w", err)
		}
		stateInit = &parsed
	}

	return rebuilt.EndCell(), stateInit, nil
}

func stateInitFromBOC(data []byte) (*tlb.StateInit, error) {
	c, err := cell.FromBOC(data)
	if err != nil {
		return nil, fmt.Errorf("transfer: failed to parse state init: %w", err)
	}

	var stateInit tlb.StateInit
	if err := tlb.LoadFromCell(&stateInit, c.BeginParse()); err != nil {
		return nil, fmt.Errorf("transfer: failed to parse state init: %w", err)
	}

	return &stateInit, nil
}

func parseAnyAddress(addr string) (*address.Address, error) {
	parsed, err := address.ParseAddr(addr)
	if err == nil {
		return parsed, nil
	}

	parsed, err = address.ParseRawAddr(addr)
	if err != nil {
		return nil, fmt.Errorf("transfer: failed to parse address %q: %w", addr, err)
	}

	return parsed, nil
}
