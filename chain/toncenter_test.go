package chain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/tlb"

	"github.com/machinae/tonwallet"
)

func testWallet() tonwallet.Wallet {
	return tonwallet.Wallet{
		ID:      "w1",
		Kind:    tonwallet.KindRegularV4R2,
		Network: tonwallet.Mainnet,
		Address: address.MustParseAddr("EQDKbjIcfM6ezt8KjKJJLshZJJSqX7XOA4ff-W72r5gqPrHF"),
	}
}

func TestLoadSeqno(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/getWalletInformation", r.URL.Path)
		assert.Equal(t, testWallet().Address.String(), r.URL.Query().Get("address"))
		w.Write([]byte(`{"ok":true,"result":{"seqno":42,"balance":"1000"}}`))
	}))
	defer srv.Close()

	seqno, err := NewToncenter(srv.URL).LoadSeqno(context.Background(), testWallet())
	require.NoError(t, err)
	assert.EqualValues(t, 42, seqno)
}

func TestLoadTransactionInfoSumsFees(t *testing.T) {
	boc := []byte{0xb5, 0xee, 0x9c, 0x72}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/estimateFee", r.URL.Path)

		var payload struct {
			Address      string `json:"address"`
			Body         string `json:"body"`
			IgnoreChksig bool   `json:"ignore_chksig"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, base64.StdEncoding.EncodeToString(boc), payload.Body)
		assert.True(t, payload.IgnoreChksig)

		w.Write([]byte(`{"ok":true,"result":{"source_fees":{"in_fwd_fee":1000000,"storage_fee":2000000,"gas_fee":3000000,"fwd_fee":4000000}}}`))
	}))
	defer srv.Close()

	info, err := NewToncenter(srv.URL).LoadTransactionInfo(context.Background(), boc, testWallet())
	require.NoError(t, err)
	assert.Equal(t, tlb.MustFromTON("0.01").String(), info.Fee.String())
}

func TestLoadTransactionInfoFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false,"error":"cannot run message"}`))
	}))
	defer srv.Close()

	_, err := NewToncenter(srv.URL).LoadTransactionInfo(context.Background(), nil, testWallet())
	assert.ErrorIs(t, err, ErrEmulationFailed)
}

func TestSendTransaction(t *testing.T) {
	boc := []byte{0xb5, 0xee}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sendBoc", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))

		var payload struct {
			BOC string `json:"boc"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, base64.StdEncoding.EncodeToString(boc), payload.BOC)

		w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer srv.Close()

	tc := NewToncenter(srv.URL, WithAPIKey("secret"))
	require.NoError(t, tc.SendTransaction(context.Background(), boc, testWallet()))
}

func TestSendTransactionFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewToncenter(srv.URL).SendTransaction(context.Background(), nil, testWallet())
	assert.ErrorIs(t, err, ErrSendFailed)
}
