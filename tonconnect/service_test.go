package tonconnect

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/tvm/cell"

	"github.com/machinae/tonwallet"
	"github.com/machinae/tonwallet/chain"
	"github.com/machinae/tonwallet/keystore"
)

const testPasscode = "1234"

var testMnemonic = strings.Fields(
	"dose ice enrich trigger test dove century still betray gas diet dune " +
		"use other base gym mad law immense village world example praise game")

type recordedPost struct {
	ClientID string
	To       string
	TTL      string
	Body     []byte
}

type bridgeRecorder struct {
	mu    sync.Mutex
	posts []recordedPost
}

func (r *bridgeRecorder) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.posts = append(r.posts, recordedPost{
			ClientID: req.URL.Query().Get("client_id"),
			To:       req.URL.Query().Get("to"),
			TTL:      req.URL.Query().Get("ttl"),
			Body:     body,
		})
		r.mu.Unlock()
		w.Write([]byte(`{"message":"OK","statusCode":200}`))
	})
}

func (r *bridgeRecorder) all() []recordedPost {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedPost(nil), r.posts...)
}

type stubSendService struct {
	seqno   uint32
	fee     tlb.Coins
	infoErr error
	sendErr error
	sent    [][]byte
}

func (s *stubSendService) LoadSeqno(context.Context, tonwallet.Wallet) (uint32, error) {
	return s.seqno, nil
}

func (s *stubSendService) GetTimeoutSafely(context.Context, tonwallet.Wallet) uint64 {
	return 300
}

func (s *stubSendService) LoadTransactionInfo(_ context.Context, boc []byte, _ tonwallet.Wallet) (*chain.TransactionInfo, error) {
	if s.infoErr != nil {
		return nil, s.infoErr
	}
	return &chain.TransactionInfo{Fee: s.fee}, nil
}

func (s *stubSendService) SendTransaction(_ context.Context, boc []byte, _ tonwallet.Wallet) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, boc)
	return nil
}

func newTestService(t *testing.T, bridgeURL string) (*Service, tonwallet.Wallet) {
	t.Helper()

	keys := keystore.New()
	sealed, err := keystore.Seal(testMnemonic, testPasscode)
	require.NoError(t, err)

	public, _ := keystore.DeriveKeyPair(testMnemonic)
	wallet := tonwallet.Wallet{
		ID:        "w1",
		Kind:      tonwallet.KindRegularV4R2,
		Network:   tonwallet.Mainnet,
		Address:   address.MustParseAddr("EQDKbjIcfM6ezt8KjKJJLshZJJSqX7XOA4ff-W72r5gqPrHF"),
		PublicKey: public,
	}
	keys.Put(wallet.ID, sealed)

	vault := NewVault(NewMemoryStore(), nil)
	bridge := NewBridge(bridgeURL)
	service := NewService(vault, bridge, keys, &stubSendService{})

	return service, wallet
}

func TestConnectFlow(t *testing.T) {
	ctx := context.Background()

	recorder := &bridgeRecorder{}
	bridgeSrv := httptest.NewServer(recorder.handler())
	defer bridgeSrv.Close()

	manifestSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"url":"https://app.example","name":"Example","iconUrl":"https://app.example/icon.png"}`))
	}))
	defer manifestSrv.Close()

	service, wallet := newTestService(t, bridgeSrv.URL)

	// The dApp side of the handshake.
	dapp, err := NewSessionCrypto()
	require.NoError(t, err)
	clientID := hex.EncodeToString(dapp.SessionID[:])

	params := ConnectParameters{
		Version:  "2",
		ClientID: clientID,
		Request: ConnectRequestPayload{
			ManifestURL: manifestSrv.URL,
			Items: []ConnectItem{
				{Name: ItemTonAddr},
				{Name: ItemTonProof, Payload: "proof-payload"},
			},
		},
	}

	manifest, err := service.LoadConfiguration(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, "Example", manifest.Name)

	success, err := service.BuildConnectSuccess(ctx, wallet, testPasscode, params, manifest)
	require.NoError(t, err)
	require.NotNil(t, success)
	assert.Equal(t, "connect", success.Event)
	require.Len(t, success.Payload.Items, 2)
	assert.Equal(t, ItemTonAddr, success.Payload.Items[0].Name)
	assert.Equal(t, hex.EncodeToString(wallet.PublicKey), success.Payload.Items[0].PublicKey)
	assert.NotEmpty(t, success.Payload.Items[0].WalletStateInit)
	require.NotNil(t, success.Payload.Items[1].Proof)
	assert.Equal(t, "proof-payload", success.Payload.Items[1].Proof.Payload)

	crypto, err := NewSessionCrypto()
	require.NoError(t, err)

	body, err := service.Encrypt(success, params, crypto)
	require.NoError(t, err)
	assert.NotEmpty(t, body)

	require.NoError(t, service.ConfirmConnectionRequest(ctx, body, crypto, params))
	require.NoError(t, service.StoreConnectedApp(ctx, wallet, crypto, params, manifest))

	apps, err := service.GetConnectedApps(ctx, wallet)
	require.NoError(t, err)
	require.Len(t, apps.Apps, 1)
	assert.Equal(t, clientID, apps.Apps[0].ClientID)

	// The dApp can decrypt the posted envelope.
	posts := recorder.all()
	require.Len(t, posts, 1)
	assert.Equal(t, hex.EncodeToString(crypto.SessionID[:]), posts[0].ClientID)
	assert.Equal(t, clientID, posts[0].To)
	assert.Equal(t, "300", posts[0].TTL)

	envelope, err := base64.StdEncoding.DecodeString(string(posts[0].Body))
	require.NoError(t, err)
	plain, err := dapp.Open(envelope, crypto.SessionID)
	require.NoError(t, err)

	var received ConnectEventSuccess
	require.NoError(t, json.Unmarshal(plain, &received))
	assert.Equal(t, "connect", received.Event)
}

func TestBuildConnectSuccessRejectsWatchOnly(t *testing.T) {
	service, wallet := newTestService(t, "http://127.0.0.1:1")
	wallet.Kind = tonwallet.KindWatchOnly

	_, err := service.BuildConnectSuccess(context.Background(), wallet, testPasscode, ConnectParameters{}, nil)
	assert.ErrorIs(t, err, ErrUnsupportedWalletKind)
}

func TestBuildConnectSuccessRejectsWrongPasscode(t *testing.T) {
	service, wallet := newTestService(t, "http://127.0.0.1:1")

	_, err := service.BuildConnectSuccess(context.Background(), wallet, "wrong", ConnectParameters{}, nil)
	assert.ErrorIs(t, err, keystore.ErrInvalidPasscode)
}

func TestEncryptRejectsBadClientID(t *testing.T) {
	service, _ := newTestService(t, "http://127.0.0.1:1")

	crypto, err := NewSessionCrypto()
	require.NoError(t, err)

	_, err = service.Encrypt(&ConnectEventSuccess{}, ConnectParameters{ClientID: "not-a-key"}, crypto)
	assert.ErrorIs(t, err, ErrIncorrectClientID)
}

func TestCancelRequestSendsUserDeclined(t *testing.T) {
	ctx := context.Background()

	recorder := &bridgeRecorder{}
	bridgeSrv := httptest.NewServer(recorder.handler())
	defer bridgeSrv.Close()

	service, _ := newTestService(t, bridgeSrv.URL)

	dapp, err := NewSessionCrypto()
	require.NoError(t, err)
	session, err := NewSessionCrypto()
	require.NoError(t, err)

	app := ConnectedApp{
		ClientID: hex.EncodeToString(dapp.SessionID[:]),
		KeyPair:  session.KeyPair(),
	}
	req := AppRequest{ID: json.Number("17"), Method: MethodSendTransaction}

	require.NoError(t, service.CancelRequest(ctx, req, app))

	posts := recorder.all()
	require.Len(t, posts, 1)

	envelope, err := base64.StdEncoding.DecodeString(string(posts[0].Body))
	require.NoError(t, err)
	plain, err := dapp.Open(envelope, session.SessionID)
	require.NoError(t, err)

	var response struct {
		ID    json.Number `json:"id"`
		Error struct {
			Code uint64 `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(plain, &response))
	assert.Equal(t, json.Number("17"), response.ID)
	assert.Equal(t, ErrCodeUserDeclinedTransaction, response.Error.Code)
}

func TestConfirmRequestCarriesBoc(t *testing.T) {
	ctx := context.Background()

	recorder := &bridgeRecorder{}
	bridgeSrv := httptest.NewServer(recorder.handler())
	defer bridgeSrv.Close()

	service, _ := newTestService(t, bridgeSrv.URL)

	dapp, err := NewSessionCrypto()
	require.NoError(t, err)
	session, err := NewSessionCrypto()
	require.NoError(t, err)

	app := ConnectedApp{
		ClientID: hex.EncodeToString(dapp.SessionID[:]),
		KeyPair:  session.KeyPair(),
	}
	req := AppRequest{ID: json.Number("18"), Method: MethodSendTransaction}
	boc := []byte{0xb5, 0xee, 0x9c, 0x72}

	require.NoError(t, service.ConfirmRequest(ctx, boc, req, app))

	posts := recorder.all()
	require.Len(t, posts, 1)

	envelope, err := base64.StdEncoding.DecodeString(string(posts[0].Body))
	require.NoError(t, err)
	plain, err := dapp.Open(envelope, session.SessionID)
	require.NoError(t, err)

	var response struct {
		ID     json.Number `json:"id"`
		Result string      `json:"result"`
	}
	require.NoError(t, json.Unmarshal(plain, &response))
	assert.Equal(t, json.Number("18"), response.ID)
	assert.Equal(t, base64.StdEncoding.EncodeToString(boc), response.Result)
}

func TestCreateEmulateRequestBoc(t *testing.T) {
	service, wallet := newTestService(t, "http://127.0.0.1:1")

	param := SendTransactionParam{
		Messages: []ParamMessage{{
			Address: "EQDKbjIcfM6ezt8KjKJJLshZJJSqX7XOA4ff-W72r5gqPrHF",
			Amount:  "100000000",
		}},
	}

	boc, err := service.CreateEmulateRequestBoc(context.Background(), wallet, param)
	require.NoError(t, err)
	assert.NotEmpty(t, boc)
}

// externalValidUntil digs the valid_until field out of a signed external
// message boc.
func externalValidUntil(t *testing.T, boc []byte) uint64 {
	t.Helper()

	parsed, err := cell.FromBOC(boc)
	require.NoError(t, err)

	s := parsed.BeginParse()
	_, err = s.LoadUInt(2)
	require.NoError(t, err)
	_, err = s.LoadUInt(2)
	require.NoError(t, err)
	_, err = s.LoadAddr()
	require.NoError(t, err)
	_, err = s.LoadCoins()
	require.NoError(t, err)
	_, err = s.LoadBoolBit()
	require.NoError(t, err)
	hasBody, err := s.LoadBoolBit()
	require.NoError(t, err)
	require.True(t, hasBody)

	body, err := s.LoadRef()
	require.NoError(t, err)
	_, err = body.LoadSlice(512)
	require.NoError(t, err)
	_, err = body.LoadUInt(32)
	require.NoError(t, err)
	validUntil, err := body.LoadUInt(32)
	require.NoError(t, err)

	return validUntil
}

func TestRequestBocHonorsDappValidUntil(t *testing.T) {
	service, wallet := newTestService(t, "http://127.0.0.1:1")

	message := ParamMessage{
		Address: "EQDKbjIcfM6ezt8KjKJJLshZJJSqX7XOA4ff-W72r5gqPrHF",
		Amount:  "100000000",
	}

	// A sooner deadline shrinks the validity window.
	deadline := uint64(time.Now().UTC().Unix()) + 60
	boc, err := service.CreateEmulateRequestBoc(context.Background(), wallet, SendTransactionParam{
		ValidUntil: deadline,
		Messages:   []ParamMessage{message},
	})
	require.NoError(t, err)
	assert.InDelta(t, deadline, externalValidUntil(t, boc), 2)

	// A deadline past the wallet's own window is ignored.
	far := uint64(time.Now().UTC().Unix()) + 100000
	boc, err = service.CreateEmulateRequestBoc(context.Background(), wallet, SendTransactionParam{
		ValidUntil: far,
		Messages:   []ParamMessage{message},
	})
	require.NoError(t, err)
	assert.InDelta(t, uint64(time.Now().UTC().Unix())+300, externalValidUntil(t, boc), 3)
}

func TestListenDispatchesOnlyDecryptableRequests(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dapp, err := NewSessionCrypto()
	require.NoError(t, err)
	stranger, err := NewSessionCrypto()
	require.NoError(t, err)
	session, err := NewSessionCrypto()
	require.NoError(t, err)

	clientID := hex.EncodeToString(dapp.SessionID[:])
	request, err := json.Marshal(AppRequest{ID: json.Number("5"), Method: MethodSendTransaction})
	require.NoError(t, err)

	srv := httptest.NewServer(sseHandler([]string{
		// From an unknown sender: dropped.
		sseEvent(t, 1, sseEnvelope{From: hex.EncodeToString(stranger.SessionID[:]), Message: []byte("junk")}),
		// From the known dApp but not a valid envelope: dropped silently.
		sseEvent(t, 2, sseEnvelope{From: clientID, Message: []byte("not a box")}),
		// The real request.
		sseEvent(t, 3, sseEnvelope{From: clientID, Message: dapp.Seal(request, session.SessionID)}),
	}, nil))
	defer srv.Close()

	service, wallet := newTestService(t, srv.URL)
	require.NoError(t, service.StoreConnectedApp(ctx, wallet, session,
		ConnectParameters{ClientID: clientID}, &Manifest{Name: "Example"}))

	requests := make(chan AppRequest, 3)
	done := make(chan error, 1)
	go func() {
		done <- service.Listen(ctx, []tonwallet.Wallet{wallet}, requests)
	}()

	select {
	case req := <-requests:
		assert.Equal(t, json.Number("5"), req.ID)
		assert.Equal(t, MethodSendTransaction, req.Method)
		assert.Equal(t, clientID, req.ClientID)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for app request")
	}

	select {
	case req := <-requests:
		t.Fatalf("unexpected second request: %+v", req)
	case <-time.After(300 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for listener shutdown")
	}
}
