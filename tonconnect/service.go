package tonconnect

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/ton/wallet"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/machinae/tonwallet"
	"github.com/machinae/tonwallet/chain"
	"github.com/machinae/tonwallet/keystore"
	"github.com/machinae/tonwallet/transfer"
)

var ErrUnsupportedWalletKind = errors.New("tonconnect: wallet kind does not support TonConnect")

const (
	tonProofPrefix   = "ton-proof-item-v2/"
	tonConnectPrefix = "ton-connect"

	maxProtocolVersion = 2
	maxMessages        = 4
)

// Service orchestrates connect, reconnect, request confirmation and
// disconnect flows between wallets and dApps.
type Service struct {
	vault    *Vault
	bridge   *Bridge
	keys     *keystore.Keystore
	send     chain.SendService
	resolver transfer.JettonResolver
	client   *http.Client
	device   DeviceInfo
	log      *zap.Logger
}

type serviceOption func(*Service)

func WithManifestClient(client *http.Client) serviceOption {
	return func(s *Service) { s.client = client }
}

func WithDeviceInfo(device DeviceInfo) serviceOption {
	return func(s *Service) { s.device = device }
}

func WithJettonResolver(resolver transfer.JettonResolver) serviceOption {
	return func(s *Service) { s.resolver = resolver }
}

func WithServiceLogger(log *zap.Logger) serviceOption {
	return func(s *Service) { s.log = log }
}

func NewService(vault *Vault, bridge *Bridge, keys *keystore.Keystore, send chain.SendService, options ...serviceOption) *Service {
	s := &Service{
		vault:  vault,
		bridge: bridge,
		keys:   keys,
		send:   send,
		client: http.DefaultClient,
		device: DeviceInfo{
			Platform:           "android",
			AppName:            "Tonkeeper",
			AppVersion:         "4.0",
			MaxProtocolVersion: maxProtocolVersion,
			Features: []Feature{
				{Name: "SendTransaction", MaxMessages: maxMessages},
			},
		},
		log: zap.NewNop(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// JettonResolver exposes the resolver used to rebuild untrusted jetton
// payloads, for callers constructing intents themselves.
func (s *Service) JettonResolver() transfer.JettonResolver {
	return s.resolver
}

// LoadConfiguration fetches the dApp manifest named by the connect
// parameters.
func (s *Service) LoadConfiguration(ctx context.Context, params ConnectParameters) (*Manifest, error) {
	return LoadManifest(ctx, s.client, params.Request.ManifestURL)
}

// BuildConnectSuccess derives the wallet's signing key from its
// passcode-sealed mnemonic and builds the identity/capability response for
// the requested items. Fails fast for wallet kinds that cannot serve
// TonConnect.
func (s *Service) BuildConnectSuccess(ctx context.Context, w tonwallet.Wallet, passcode string, params ConnectParameters, manifest *Manifest) (*ConnectEventSuccess, error) {
	if !w.SupportsTonConnect() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedWalletKind, w.Kind)
	}

	privateKey, err := s.keys.Derive(w.ID, passcode)
	if err != nil {
		return nil, fmt.Errorf("tonconnect: failed to derive signing key: %w", err)
	}

	return s.buildConnectEvent(w, privateKey, params.Request.Items, manifest)
}

// BuildReconnectSuccess rebuilds the identity response for an
// already-connected app without touching the mnemonic. Proof items cannot be
// served on reconnect.
func (s *Service) BuildReconnectSuccess(w tonwallet.Wallet, manifest *Manifest) (*ConnectEventSuccess, error) {
	if !w.SupportsTonConnect() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedWalletKind, w.Kind)
	}

	return s.buildConnectEvent(w, nil, []ConnectItem{{Name: ItemTonAddr}}, manifest)
}

func (s *Service) buildConnectEvent(w tonwallet.Wallet, privateKey ed25519.PrivateKey, items []ConnectItem, manifest *Manifest) (*ConnectEventSuccess, error) {
	stateInit, err := walletStateInit(w)
	if err != nil {
		return nil, err
	}

	var replies []ConnectItemReply
	for _, item := range items {
		switch item.Name {
		case ItemTonAddr:
			replies = append(replies, ConnectItemReply{
				Name:            ItemTonAddr,
				Address:         w.RawAddress(),
				Network:         fmt.Sprintf("%d", w.Network),
				PublicKey:       hex.EncodeToString(w.PublicKey),
				WalletStateInit: stateInit,
			})
		case ItemTonProof:
			if privateKey == nil {
				continue
			}
			proof, err := buildTonProof(w, privateKey, manifest, item.Payload)
			if err != nil {
				return nil, err
			}
			replies = append(replies, ConnectItemReply{Name: ItemTonProof, Proof: proof})
		}
	}

	return &ConnectEventSuccess{
		ID:    uint64(time.Now().UnixMilli()),
		Event: "connect",
		Payload: ConnectEventPayload{
			Items:  replies,
			Device: s.device,
		},
	}, nil
}

func walletStateInit(w tonwallet.Wallet) ([]byte, error) {
	var version wallet.Version
	switch w.Kind {
	case tonwallet.KindRegularV3R2:
		version = wallet.V3R2
	case tonwallet.KindRegularV4R2:
		version = wallet.V4R2
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedWalletKind, w.Kind)
	}

	stateInit, err := wallet.GetStateInit(w.PublicKey, version, wallet.DefaultSubwallet)
	if err != nil {
		return nil, fmt.Errorf("tonconnect: failed to build wallet state init: %w", err)
	}

	stateCell, err := tlb.ToCell(stateInit)
	if err != nil {
		return nil, fmt.Errorf("tonconnect: failed to serialize wallet state init: %w", err)
	}

	return stateCell.ToBOC(), nil
}

// buildTonProof signs the domain-bound proof message over the dApp's payload.
func buildTonProof(w tonwallet.Wallet, privateKey ed25519.PrivateKey, manifest *Manifest, payload string) (*TonProof, error) {
	domain := ""
	if manifest != nil {
		if u, err := url.Parse(manifest.URL); err == nil {
			domain = u.Host
		}
	}

	timestamp := uint64(time.Now().UTC().Unix())

	wc := make([]byte, 4)
	binary.BigEndian.PutUint32(wc, uint32(w.Address.Workchain()))
	ts := make([]byte, 8)
	binary.LittleEndian.PutUint64(ts, timestamp)
	dl := make([]byte, 4)
	binary.LittleEndian.PutUint32(dl, uint32(len(domain)))

	m := []byte(tonProofPrefix)
	m = append(m, wc...)
	m = append(m, w.Address.Data()...)
	m = append(m, dl...)
	m = append(m, []byte(domain)...)
	m = append(m, ts...)
	m = append(m, []byte(payload)...)
	messageHash := sha256.Sum256(m)

	full := []byte{0xff, 0xff}
	full = append(full, []byte(tonConnectPrefix)...)
	full = append(full, messageHash[:]...)
	digest := sha256.Sum256(full)

	return &TonProof{
		Timestamp: timestamp,
		Domain: TonProofDomain{
			LengthBytes: uint32(len(domain)),
			Value:       domain,
		},
		Signature: ed25519.Sign(privateKey, digest[:]),
		Payload:   payload,
	}, nil
}

// Encrypt seals a connect success envelope for the dApp identified by the
// connect parameters and returns it base64-encoded.
func (s *Service) Encrypt(success *ConnectEventSuccess, params ConnectParameters, crypto *SessionCrypto) (string, error) {
	receiver, err := ParseClientID(params.ClientID)
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(success)
	if err != nil {
		return "", fmt.Errorf("tonconnect: failed to marshal connect event: %w", err)
	}

	return base64.StdEncoding.EncodeToString(crypto.Seal(data, receiver)), nil
}

// StoreConnectedApp upserts the app into the wallet's vault, replacing any
// prior entry for the same client id. Only after this point does the session
// keypair become long-lived.
func (s *Service) StoreConnectedApp(ctx context.Context, w tonwallet.Wallet, crypto *SessionCrypto, params ConnectParameters, manifest *Manifest) error {
	return s.vault.Upsert(ctx, w, ConnectedApp{
		ClientID: params.ClientID,
		Manifest: *manifest,
		KeyPair:  crypto.KeyPair(),
	})
}

// ConfirmConnectionRequest posts the encrypted success envelope to the
// bridge, addressed to the dApp. Failure is surfaced, never retried here.
func (s *Service) ConfirmConnectionRequest(ctx context.Context, body string, crypto *SessionCrypto, params ConnectParameters) error {
	envelope, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return fmt.Errorf("tonconnect: failed to decode envelope: %w", err)
	}

	sessionID := hex.EncodeToString(crypto.SessionID[:])
	return s.bridge.Post(ctx, sessionID, params.ClientID, envelope, DefaultTTL)
}

// GetConnectedApps lists the wallet's connected apps. A wallet with no
// connections yields an empty collection rather than an error.
func (s *Service) GetConnectedApps(ctx context.Context, w tonwallet.Wallet) (ConnectedApps, error) {
	apps, err := s.vault.Load(ctx, w)
	if errors.Is(err, ErrNotFound) {
		return ConnectedApps{}, nil
	}
	return apps, err
}

// DisconnectApp removes the app from the wallet's vault.
func (s *Service) DisconnectApp(ctx context.Context, app ConnectedApp, w tonwallet.Wallet) error {
	return s.vault.Remove(ctx, w, app.ClientID)
}

// CancelRequest answers an app request with the fixed user-declined error
// code. A decline is an expected user choice, not a wallet error, but the
// dApp must still hear about it exactly once.
func (s *Service) CancelRequest(ctx context.Context, req AppRequest, app ConnectedApp) error {
	response := walletErrorResponse{ID: req.ID}
	response.Error.Code = ErrCodeUserDeclinedTransaction
	response.Error.Message = "user declined the transaction"

	return s.respond(ctx, app, response)
}

// ConfirmRequest answers an app request with the finalized transaction boc.
func (s *Service) ConfirmRequest(ctx context.Context, boc []byte, req AppRequest, app ConnectedApp) error {
	return s.respond(ctx, app, walletResponse{
		ID:     req.ID,
		Result: base64.StdEncoding.EncodeToString(boc),
	})
}

func (s *Service) respond(ctx context.Context, app ConnectedApp, response any) error {
	crypto, err := SessionCryptoFromKeyPair(app.KeyPair)
	if err != nil {
		return err
	}

	receiver, err := ParseClientID(app.ClientID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("tonconnect: failed to marshal response: %w", err)
	}

	sessionID := hex.EncodeToString(crypto.SessionID[:])
	return s.bridge.Post(ctx, sessionID, app.ClientID, crypto.Seal(data, receiver), DefaultTTL)
}

// CreateEmulateRequestBoc builds and signs the dApp-requested transaction
// with the empty-key signer, producing a boc suitable for fee estimation
// without real authorization.
func (s *Service) CreateEmulateRequestBoc(ctx context.Context, w tonwallet.Wallet, param SendTransactionParam) ([]byte, error) {
	return s.createRequestBoc(ctx, w, param, transfer.EmptyKeySigner())
}

// CreateConfirmTransactionBoc builds the dApp-requested transaction and
// signs it with the real signing callback.
func (s *Service) CreateConfirmTransactionBoc(ctx context.Context, w tonwallet.Wallet, param SendTransactionParam, signer transfer.Signer) ([]byte, error) {
	return s.createRequestBoc(ctx, w, param, signer)
}

func (s *Service) createRequestBoc(ctx context.Context, w tonwallet.Wallet, param SendTransactionParam, signer transfer.Signer) ([]byte, error) {
	seqno, err := s.send.LoadSeqno(ctx, w)
	if err != nil {
		return nil, err
	}
	timeout := s.send.GetTimeoutSafely(ctx, w)
	// A dApp may shorten the validity window, never extend it.
	if param.ValidUntil > 0 {
		now := uint64(time.Now().UTC().Unix())
		if param.ValidUntil > now && param.ValidUntil-now < timeout {
			timeout = param.ValidUntil - now
		}
	}

	messages := make([]transfer.RawMessage, 0, len(param.Messages))
	for _, msg := range param.Messages {
		messages = append(messages, transfer.RawMessage{
			Address:   msg.Address,
			Amount:    msg.Amount,
			Payload:   msg.Payload,
			StateInit: msg.StateInit,
		})
	}

	intent := transfer.TonConnectIntent{
		Sender:   w.Address,
		Messages: messages,
		Resolver: s.resolver,
	}

	unsigned, err := transfer.Build(ctx, intent, w, seqno, timeout)
	if err != nil {
		return nil, err
	}

	return unsigned.Sign(signer)
}

// Listen subscribes to inbound envelopes for every app connected to the
// given wallets and feeds decoded requests into the channel until ctx is
// cancelled. Envelopes that do not decrypt against any session are dropped
// silently: they are not for us.
func (s *Service) Listen(ctx context.Context, wallets []tonwallet.Wallet, requests chan<- AppRequest) error {
	sessions := make(map[string]*SessionCrypto)
	clientIDs := make(map[string]string)
	var sessionIDs []string

	for _, w := range wallets {
		apps, err := s.GetConnectedApps(ctx, w)
		if err != nil {
			return err
		}
		for _, app := range apps.Apps {
			crypto, err := SessionCryptoFromKeyPair(app.KeyPair)
			if err != nil {
				s.log.Warn("skipping app with unusable session key",
					zap.String("client_id", app.ClientID), zap.Error(err))
				continue
			}
			sessionID := hex.EncodeToString(crypto.SessionID[:])
			sessions[sessionID] = crypto
			clientIDs[sessionID] = app.ClientID
			sessionIDs = append(sessionIDs, sessionID)
		}
	}

	if len(sessionIDs) == 0 {
		<-ctx.Done()
		return nil
	}

	events := make(chan BridgeEvent)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.bridge.Listen(ctx, sessionIDs, 0, events)
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case event := <-events:
				s.dispatch(ctx, event, sessions, clientIDs, requests)
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Service) dispatch(ctx context.Context, event BridgeEvent, sessions map[string]*SessionCrypto, clientIDs map[string]string, requests chan<- AppRequest) {
	sender, err := ParseClientID(event.From)
	if err != nil {
		return
	}

	for sessionID, crypto := range sessions {
		if clientIDs[sessionID] != event.From {
			continue
		}

		data, err := crypto.Open(event.Message, sender)
		if err != nil {
			// Not for this session.
			continue
		}

		var req AppRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.log.Debug("dropping malformed app request", zap.Error(err))
			return
		}
		req.ClientID = event.From

		select {
		case requests <- req:
		case <-ctx.Done():
		}
		return
	}
}
