package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/xssnick/tonutils-go/tlb"
	"go.uber.org/zap"

	"github.com/machinae/tonwallet"
)

// DefaultTimeout is the transaction validity window used when the network
// cannot be asked for a safer value.
const DefaultTimeout uint64 = 300

// Toncenter implements SendService over the toncenter HTTP API.
type Toncenter struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     *zap.Logger
}

type toncenterOption func(*Toncenter)

func WithAPIKey(key string) toncenterOption {
	return func(t *Toncenter) { t.apiKey = key }
}

func WithHTTPClient(client *http.Client) toncenterOption {
	return func(t *Toncenter) { t.client = client }
}

func WithLogger(log *zap.Logger) toncenterOption {
	return func(t *Toncenter) { t.log = log }
}

func NewToncenter(baseURL string, options ...toncenterOption) *Toncenter {
	t := &Toncenter{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
		log:     zap.NewNop(),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

func (t *Toncenter) LoadSeqno(ctx context.Context, wallet tonwallet.Wallet) (uint32, error) {
	var result struct {
		Seqno uint32 `json:"seqno"`
	}
	q := fmt.Sprintf("/getWalletInformation?address=%s", wallet.Address.String())
	if err := t.get(ctx, q, &result); err != nil {
		return 0, fmt.Errorf("chain: failed to load seqno: %w", err)
	}

	return result.Seqno, nil
}

func (t *Toncenter) GetTimeoutSafely(ctx context.Context, wallet tonwallet.Wallet) uint64 {
	return DefaultTimeout
}

func (t *Toncenter) LoadTransactionInfo(ctx context.Context, boc []byte, wallet tonwallet.Wallet) (*TransactionInfo, error) {
	payload := struct {
		Address      string `json:"address"`
		Body         string `json:"body"`
		IgnoreChksig bool   `json:"ignore_chksig"`
	}{
		Address:      wallet.Address.String(),
		Body:         base64.StdEncoding.EncodeToString(boc),
		IgnoreChksig: true,
	}

	var result struct {
		SourceFees struct {
			InFwdFee   int64 `json:"in_fwd_fee"`
			StorageFee int64 `json:"storage_fee"`
			GasFee     int64 `json:"gas_fee"`
			FwdFee     int64 `json:"fwd_fee"`
		} `json:"source_fees"`
	}
	if err := t.post(ctx, "/estimateFee", payload, &result); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmulationFailed, err)
	}

	total := result.SourceFees.InFwdFee +
		result.SourceFees.StorageFee +
		result.SourceFees.GasFee +
		result.SourceFees.FwdFee

	return &TransactionInfo{Fee: tlb.FromNanoTON(big.NewInt(total))}, nil
}

func (t *Toncenter) SendTransaction(ctx context.Context, boc []byte, wallet tonwallet.Wallet) error {
	payload := struct {
		BOC string `json:"boc"`
	}{BOC: base64.StdEncoding.EncodeToString(boc)}

	if err := t.post(ctx, "/sendBoc", payload, nil); err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	t.log.Info("transaction broadcast", zap.String("wallet", wallet.ID))
	return nil
}

func (t *Toncenter) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+path, http.NoBody)
	if err != nil {
		return err
	}

	return t.do(req, result)
}

func (t *Toncenter) post(ctx context.Context, path string, payload, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	return t.do(req, result)
}

func (t *Toncenter) do(req *http.Request, result any) error {
	if t.apiKey != "" {
		req.Header.Set("X-API-Key", t.apiKey)
	}

	res, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", res.StatusCode)
	}

	var envelope struct {
		OK     bool            `json:"ok"`
		Result json.RawMessage `json:"result"`
		Error  string          `json:"error"`
	}
	if err := json.NewDecoder(res.Body).Decode(&envelope); err != nil {
		return err
	}
	if !envelope.OK {
		return fmt.Errorf("toncenter error: %s", envelope.Error)
	}
	if result != nil {
		return json.Unmarshal(envelope.Result, result)
	}

	return nil
}
