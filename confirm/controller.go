// Package confirm drives the emulate → user-confirm → sign → broadcast
// pipeline for one transaction at a time.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/xssnick/tonutils-go/tlb"
	"go.uber.org/zap"

	"github.com/machinae/tonwallet"
	"github.com/machinae/tonwallet/chain"
	"github.com/machinae/tonwallet/transfer"
)

var (
	ErrFailedToCalculateFee    = errors.New("confirm: failed to calculate fee")
	ErrFailedToSign            = errors.New("confirm: failed to sign transaction")
	ErrFailedToSendTransaction = errors.New("confirm: failed to send transaction")
	ErrAlreadySent             = errors.New("confirm: transaction already sent")
)

// State is the confirmation flow state machine. EmulationFailed, SignFailed
// and SendFailed are not dead-ends: Emulate may be re-invoked from any state
// except Sent.
type State int

const (
	StateCreated State = iota
	StateEmulating
	StateFeeReady
	StateEmulationFailed
	StateSigning
	StateSent
	StateSignFailed
	StateSendFailed
)

// Variant is the per-transaction-kind contract. The emulate/sign/send
// skeleton lives in the controller; a variant only decides which intent to
// build, which surcharge applies, and how amounts are displayed.
type Variant interface {
	BuildIntent(ctx context.Context) (transfer.Intent, error)
	ExtraFee() tlb.Coins
	DisplayAmount(rates RateSource) Amount
	Recipient() string
}

// ResultReporter is implemented by variants that must deliver the outcome to
// an external party, e.g. a TonConnect dApp awaiting its boc.
type ResultReporter interface {
	ReportSent(ctx context.Context, boc []byte) error
	ReportDeclined(ctx context.Context) error
}

// SignHandler produces the real signature. This is the only step of the
// pipeline that sees key material, and it may suspend for a long time on a
// passcode prompt or a hardware-wallet round trip, so it takes a context and
// must honor cancellation.
type SignHandler func(ctx context.Context, hash []byte) ([]byte, error)

// Model is the user-facing snapshot of one confirmation flow. It is always
// replaced wholesale, never partially mutated.
type Model struct {
	Wallet    tonwallet.Wallet
	Recipient string
	Amount    Amount
	Fee       Fee
	State     State
}

// Controller owns one transaction confirmation flow.
type Controller struct {
	wallet  tonwallet.Wallet
	variant Variant
	send    chain.SendService
	rates   RateSource
	sign    SignHandler
	log     *zap.Logger

	mu    sync.Mutex
	state State
	fee   Fee
	flow  uuid.UUID
}

type controllerOption func(*Controller)

func WithRates(rates RateSource) controllerOption {
	return func(c *Controller) { c.rates = rates }
}

func WithLogger(log *zap.Logger) controllerOption {
	return func(c *Controller) { c.log = log }
}

func NewController(wallet tonwallet.Wallet, variant Variant, send chain.SendService, sign SignHandler, options ...controllerOption) *Controller {
	c := &Controller{
		wallet:  wallet,
		variant: variant,
		send:    send,
		sign:    sign,
		log:     zap.NewNop(),
		state:   StateCreated,
		fee:     loadingFee(),
		flow:    uuid.New(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Model returns the current snapshot. Safe to call at any time; two calls
// without an intervening state change return identical models.
func (c *Controller) Model() Model {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Model{
		Wallet:    c.wallet,
		Recipient: c.variant.Recipient(),
		Amount:    c.variant.DisplayAmount(c.rates),
		Fee:       c.fee,
		State:     c.state,
	}
}

// Emulate dry-runs the transaction with the empty-key signer and updates the
// fee. Safe to call repeatedly: seqno or pool state may have changed since
// the last run.
func (c *Controller) Emulate(ctx context.Context) error {
	flow, err := c.begin(StateEmulating, true)
	if err != nil {
		return err
	}

	boc, err := c.buildBoc(ctx, transfer.EmptyKeySigner())
	if err != nil {
		c.finish(flow, StateEmulationFailed, emptyFee())
		return fmt.Errorf("%w: %w", ErrFailedToCalculateFee, err)
	}

	info, err := c.send.LoadTransactionInfo(ctx, boc, c.wallet)
	if err != nil {
		c.finish(flow, StateEmulationFailed, emptyFee())
		return fmt.Errorf("%w: %w", ErrFailedToCalculateFee, err)
	}

	total := addCoins(info.Fee, c.variant.ExtraFee())
	c.finish(flow, StateFeeReady, valueFee(total, c.rates))
	return nil
}

// SendTransaction builds the real message, obtains the signature through the
// sign handler, and broadcasts. The broadcast never happens unless the
// handler produced a signature, and a cancelled sign leaves nothing signed
// outstanding.
func (c *Controller) SendTransaction(ctx context.Context) error {
	flow, err := c.begin(StateSigning, false)
	if err != nil {
		return err
	}

	signer := func(hash []byte) ([]byte, error) {
		return c.sign(ctx, hash)
	}

	boc, err := c.buildBoc(ctx, signer)
	if err != nil {
		c.finishState(flow, StateSignFailed)
		return fmt.Errorf("%w: %w", ErrFailedToSign, err)
	}
	if ctx.Err() != nil {
		// Cancelled while signing; the signed boc is discarded unsent.
		c.finishState(flow, StateSignFailed)
		return ctx.Err()
	}

	if err := c.send.SendTransaction(ctx, boc, c.wallet); err != nil {
		c.finishState(flow, StateSendFailed)
		return fmt.Errorf("%w: %w", ErrFailedToSendTransaction, err)
	}

	c.finishState(flow, StateSent)

	if reporter, ok := c.variant.(ResultReporter); ok {
		if err := reporter.ReportSent(ctx, boc); err != nil {
			c.log.Warn("failed to report sent transaction", zap.Error(err))
		}
	}

	return nil
}

// Decline abandons the flow on explicit user choice and tells the
// counterparty, if any. Not an error from the wallet's perspective.
func (c *Controller) Decline(ctx context.Context) error {
	c.mu.Lock()
	c.flow = uuid.New()
	c.mu.Unlock()

	if reporter, ok := c.variant.(ResultReporter); ok {
		return reporter.ReportDeclined(ctx)
	}
	return nil
}

// begin moves the flow into a new in-flight state and returns the flow token
// guarding its completion. Late results from an abandoned run carry a stale
// token and are discarded.
func (c *Controller) begin(state State, resetFee bool) (uuid.UUID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateSent {
		return uuid.Nil, ErrAlreadySent
	}

	c.flow = uuid.New()
	c.state = state
	if resetFee {
		c.fee = loadingFee()
	}
	return c.flow, nil
}

func (c *Controller) finish(flow uuid.UUID, state State, fee Fee) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.flow != flow {
		return
	}
	c.state = state
	c.fee = fee
}

func (c *Controller) finishState(flow uuid.UUID, state State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.flow != flow {
		return
	}
	c.state = state
}

func (c *Controller) buildBoc(ctx context.Context, signer transfer.Signer) ([]byte, error) {
	intent, err := c.variant.BuildIntent(ctx)
	if err != nil {
		return nil, err
	}

	seqno, err := c.send.LoadSeqno(ctx, c.wallet)
	if err != nil {
		return nil, err
	}
	timeout := c.send.GetTimeoutSafely(ctx, c.wallet)

	unsigned, err := transfer.Build(ctx, intent, c.wallet, seqno, timeout)
	if err != nil {
		return nil, err
	}

	return unsigned.Sign(signer)
}
