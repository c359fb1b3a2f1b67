package tonconnect

import "encoding/json"

// Error codes transmitted to dApps inside encrypted error envelopes.
const (
	ErrCodeUnknown                 uint64 = 0
	ErrCodeBadRequest              uint64 = 1
	ErrCodeUnknownApp              uint64 = 100
	ErrCodeUserDeclinedTransaction uint64 = 300
	ErrCodeMethodNotSupported      uint64 = 400
)

// KeyPair is the hex-encoded session keypair as persisted in the vault.
type KeyPair struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// ConnectParameters identifies one connection attempt, parsed from a
// tc:// deeplink or its universal-link form.
type ConnectParameters struct {
	Version  string                `json:"v"`
	ClientID string                `json:"id"`
	Request  ConnectRequestPayload `json:"r"`
}

// ConnectRequestPayload is the dApp's connection request.
type ConnectRequestPayload struct {
	ManifestURL string        `json:"manifestUrl"`
	Items       []ConnectItem `json:"items"`
}

// ConnectItem is one requested capability (ton_addr or ton_proof).
type ConnectItem struct {
	Name    string `json:"name"`
	Payload string `json:"payload,omitempty"`
}

const (
	ItemTonAddr  = "ton_addr"
	ItemTonProof = "ton_proof"
)

// ConnectEventSuccess proves wallet identity and capabilities to the dApp.
// Built once per successful connect, encrypted and sent, never persisted.
type ConnectEventSuccess struct {
	ID      uint64              `json:"id"`
	Event   string              `json:"event"`
	Payload ConnectEventPayload `json:"payload"`
}

type ConnectEventPayload struct {
	Items  []ConnectItemReply `json:"items"`
	Device DeviceInfo         `json:"device"`
}

// ConnectEventError reports a failed or declined connect attempt.
type ConnectEventError struct {
	ID      uint64 `json:"id"`
	Event   string `json:"event"`
	Payload struct {
		Code    uint64 `json:"code"`
		Message string `json:"message"`
	} `json:"payload"`
}

type ConnectItemReply struct {
	Name            string    `json:"name"`
	Address         string    `json:"address,omitempty"`
	Network         string    `json:"network,omitempty"`
	PublicKey       string    `json:"publicKey,omitempty"`
	WalletStateInit []byte    `json:"walletStateInit,omitempty"`
	Proof           *TonProof `json:"proof,omitempty"`
}

// TonProof is the signed domain proof returned for a ton_proof item.
type TonProof struct {
	Timestamp uint64         `json:"timestamp"`
	Domain    TonProofDomain `json:"domain"`
	Signature []byte         `json:"signature"`
	Payload   string         `json:"payload"`
}

type TonProofDomain struct {
	LengthBytes uint32 `json:"lengthBytes"`
	Value       string `json:"value"`
}

type DeviceInfo struct {
	Platform           string    `json:"platform"`
	AppName            string    `json:"appName"`
	AppVersion         string    `json:"appVersion"`
	MaxProtocolVersion uint64    `json:"maxProtocolVersion"`
	Features           []Feature `json:"features"`
}

type Feature struct {
	Name        string `json:"name"`
	MaxMessages uint64 `json:"maxMessages,omitempty"`
}

// AppRequest arrives from a connected app through the bridge. ClientID binds
// it to exactly one ConnectedApp; ID identifies the pending reply within that
// app's session.
type AppRequest struct {
	ID       json.Number `json:"id"`
	Method   string      `json:"method"`
	Params   []string    `json:"params"`
	ClientID string      `json:"-"`
}

const MethodSendTransaction = "sendTransaction"

// SendTransactionParam is the dApp's requested transaction content, decoded
// from AppRequest.Params[0]. Untrusted input: jetton payloads are rebuilt
// before signing, and ValidUntil can only shorten the wallet's validity
// window.
type SendTransactionParam struct {
	From       string         `json:"from,omitempty"`
	Network    string         `json:"network,omitempty"`
	ValidUntil uint64         `json:"valid_until,omitempty"`
	Messages   []ParamMessage `json:"messages"`
}

type ParamMessage struct {
	Address   string `json:"address"`
	Amount    string `json:"amount"`
	Payload   []byte `json:"payload,omitempty"`
	StateInit []byte `json:"stateInit,omitempty"`
}

// walletResponse is the success reply sent back to the dApp for an
// AppRequest; Result carries the finalized boc in base64.
type walletResponse struct {
	ID     json.Number `json:"id"`
	Result string      `json:"result"`
}

// walletErrorResponse is the error reply sent back to the dApp.
type walletErrorResponse struct {
	ID    json.Number `json:"id"`
	Error struct {
		Code    uint64 `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
