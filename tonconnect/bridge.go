package tonconnect

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/tmaxmax/go-sse"
	"go.uber.org/zap"
)

// DefaultBridgeURL is the relay operated for Tonkeeper-compatible wallets.
const DefaultBridgeURL = "https://bridge.tonapi.io/bridge"

// DefaultTTL bounds how long a posted envelope stays deliverable, in seconds.
const DefaultTTL uint64 = 300

var ErrBridgePostFailed = errors.New("tonconnect: bridge rejected message")

// Bridge relays encrypted envelopes between the wallet and dApps. The relay
// is untrusted: it sees only client ids and ciphertext.
type Bridge struct {
	url    string
	client *http.Client
	log    *zap.Logger
}

type bridgeOption func(*Bridge)

func WithHTTPClient(client *http.Client) bridgeOption {
	return func(b *Bridge) { b.client = client }
}

func WithLogger(log *zap.Logger) bridgeOption {
	return func(b *Bridge) { b.log = log }
}

func NewBridge(bridgeURL string, options ...bridgeOption) *Bridge {
	b := &Bridge{url: bridgeURL, client: http.DefaultClient, log: zap.NewNop()}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// Post sends one envelope addressed to a client id. Delivery is considered
// acknowledged only on a 2xx from the relay; nothing is retried here.
func (b *Bridge) Post(ctx context.Context, sessionID, to string, envelope []byte, ttl uint64) error {
	u, err := url.Parse(b.url)
	if err != nil {
		return fmt.Errorf("tonconnect: failed to parse bridge URL: %w", err)
	}

	u = u.JoinPath("/message")
	q := u.Query()
	q.Set("client_id", sessionID)
	q.Set("to", to)
	q.Set("ttl", strconv.FormatUint(ttl, 10))
	u.RawQuery = q.Encode()

	body := base64.StdEncoding.EncodeToString(envelope)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewBufferString(body))
	if err != nil {
		return fmt.Errorf("tonconnect: failed to initialize HTTP request: %w", err)
	}

	res, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("tonconnect: failed to post bridge message: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < http.StatusOK || res.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%w: status %d", ErrBridgePostFailed, res.StatusCode)
	}

	return nil
}

// BridgeEvent is one relayed envelope. Message is still ciphertext; the
// service decrypts it against the session keyed by the receiving client id.
type BridgeEvent struct {
	EventID uint64
	From    string
	Message []byte
}

// Listen subscribes to envelopes addressed to the given session ids and
// feeds them into events until ctx is cancelled. Reconnects with exponential
// backoff, resuming from the last seen event id so no envelope is lost
// across drops.
func (b *Bridge) Listen(ctx context.Context, sessionIDs []string, lastEventID uint64, events chan<- BridgeEvent) error {
	connect := func() error {
		err := b.listenOnce(ctx, sessionIDs, &lastEventID, events)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		if err != nil {
			b.log.Debug("bridge connection dropped", zap.Error(err))
		}
		return err
	}

	err := backoff.Retry(connect, backoff.WithContext(backoff.NewExponentialBackOff(), ctx))
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (b *Bridge) listenOnce(ctx context.Context, sessionIDs []string, lastEventID *uint64, events chan<- BridgeEvent) error {
	u, err := url.Parse(b.url)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("tonconnect: failed to parse bridge URL: %w", err))
	}

	u = u.JoinPath("/events")
	q := u.Query()
	q.Set("client_id", strings.Join(sessionIDs, ","))
	if *lastEventID > 0 {
		q.Set("last_event_id", strconv.FormatUint(*lastEventID, 10))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("tonconnect: failed to initialize HTTP request: %w", err))
	}

	conn := sse.NewConnection(req)
	unsub := conn.SubscribeEvent("message", func(e sse.Event) {
		var bmsg struct {
			From    string `json:"from"`
			Message []byte `json:"message"`
		}
		if err := json.Unmarshal([]byte(e.Data), &bmsg); err != nil {
			return
		}

		event := BridgeEvent{From: bmsg.From, Message: bmsg.Message}
		if id, err := strconv.ParseUint(e.LastEventID, 10, 64); err == nil {
			event.EventID = id
			*lastEventID = id
		}

		select {
		case events <- event:
		case <-ctx.Done():
		}
	})
	defer unsub()

	return conn.Connect()
}
