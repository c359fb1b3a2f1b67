// Package deeplink turns wallet URLs into structured requests. Parsing is
// pure and synchronous: no network, no storage.
package deeplink

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/machinae/tonwallet/tonconnect"
)

// ErrUnsupportedDeeplink marks any URL the wallet does not recognize.
// Unknown schemes, hosts and paths always produce it, never a silent no-op.
var ErrUnsupportedDeeplink = errors.New("deeplink: unsupported deeplink")

const (
	schemeTC        = "tc"
	schemeTon       = "ton"
	schemeTonkeeper = "tonkeeper"

	universalHost = "app.tonkeeper.com"
)

// Kind is the closed union of recognized deeplinks.
type Kind interface{ isKind() }

// Transfer asks the wallet to send coins or jettons.
type Transfer struct {
	Address string
	Amount  string
	Text    string
	Jetton  string
	Payload []byte
}

func (Transfer) isKind() {}

// Buy opens the fiat on-ramp.
type Buy struct{}

func (Buy) isKind() {}

// Staking opens the staking overview.
type Staking struct{}

func (Staking) isKind() {}

// Pool points at one staking pool.
type Pool struct {
	Address string
}

func (Pool) isKind() {}

// Exchange points at a fiat exchange provider.
type Exchange struct {
	Provider string
}

func (Exchange) isKind() {}

// Swap pre-fills a token swap.
type Swap struct {
	FromToken string
	ToToken   string
}

func (Swap) isKind() {}

// Action looks up a transaction event by id.
type Action struct {
	EventID string
}

func (Action) isKind() {}

// Publish returns an externally signed payload to the wallet.
type Publish struct {
	SignedBoc []byte
}

func (Publish) isKind() {}

// ExternalSign links an external signer device or app.
type ExternalSign struct {
	PublicKey string
	Name      string
}

func (ExternalSign) isKind() {}

// Connect is a TonConnect connection request.
type Connect struct {
	Params         tonconnect.ConnectParameters
	ReturnStrategy string
}

func (Connect) isKind() {}

// Parse recognizes a custom-scheme URL, a universal-link URL, or a
// bare bridge-style query string.
func Parse(input string) (Kind, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, ErrUnsupportedDeeplink
	}

	// A bare "v=2&id=...&r=..." query is the bridge form of a connect link.
	if !strings.Contains(input, "://") && strings.Contains(input, "id=") {
		return parseConnectQuery(input)
	}

	u, err := url.Parse(input)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedDeeplink, err)
	}

	switch u.Scheme {
	case schemeTC:
		return parseConnectQuery(u.RawQuery)
	case schemeTon, schemeTonkeeper:
		segments := pathSegments(u)
		if len(segments) > 0 && segments[0] == "ton-connect" {
			return parseConnectQuery(u.RawQuery)
		}
		return parsePath(segments, u.Query())
	case "http", "https":
		if u.Host != universalHost {
			return nil, fmt.Errorf("%w: host %q", ErrUnsupportedDeeplink, u.Host)
		}
		segments := pathSegments(u)
		// The /ton-connect universal link is the tc:// form in disguise;
		// rewrite before structured parsing.
		if len(segments) > 0 && segments[0] == "ton-connect" {
			return parseConnectQuery(u.RawQuery)
		}
		return parsePath(segments, u.Query())
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedDeeplink, u.Scheme)
	}
}

func pathSegments(u *url.URL) []string {
	path := u.Path
	if path == "" && u.Opaque != "" {
		path = u.Opaque
	}
	// Custom-scheme links put the first segment into the host. An http(s)
	// host is not part of the path.
	if u.Scheme != "http" && u.Scheme != "https" && u.Host != "" {
		path = u.Host + "/" + strings.TrimPrefix(path, "/")
	}

	var segments []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}

func parsePath(segments []string, query url.Values) (Kind, error) {
	if len(segments) == 0 {
		return nil, ErrUnsupportedDeeplink
	}

	switch segments[0] {
	case "transfer":
		if len(segments) < 2 {
			return nil, fmt.Errorf("%w: transfer link without address", ErrUnsupportedDeeplink)
		}
		t := Transfer{
			Address: segments[1],
			Amount:  query.Get("amount"),
			Text:    query.Get("text"),
			Jetton:  query.Get("jetton"),
		}
		if bin := query.Get("bin"); bin != "" {
			payload, err := hex.DecodeString(bin)
			if err != nil {
				return nil, fmt.Errorf("%w: malformed payload", ErrUnsupportedDeeplink)
			}
			t.Payload = payload
		}
		return t, nil

	case "buy-ton":
		return Buy{}, nil

	case "staking":
		return Staking{}, nil

	case "pool":
		if len(segments) < 2 {
			return nil, fmt.Errorf("%w: pool link without address", ErrUnsupportedDeeplink)
		}
		return Pool{Address: segments[1]}, nil

	case "exchange":
		if len(segments) < 2 {
			return nil, fmt.Errorf("%w: exchange link without provider", ErrUnsupportedDeeplink)
		}
		return Exchange{Provider: segments[1]}, nil

	case "swap":
		return Swap{FromToken: query.Get("ft"), ToToken: query.Get("tt")}, nil

	case "action":
		if len(segments) < 2 {
			return nil, fmt.Errorf("%w: action link without event id", ErrUnsupportedDeeplink)
		}
		return Action{EventID: segments[1]}, nil

	case "publish":
		sign := query.Get("sign")
		if sign == "" {
			return nil, fmt.Errorf("%w: publish link without signature", ErrUnsupportedDeeplink)
		}
		boc, err := hex.DecodeString(sign)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed signature", ErrUnsupportedDeeplink)
		}
		return Publish{SignedBoc: boc}, nil

	case "signer":
		if len(segments) < 2 || segments[1] != "link" {
			return nil, fmt.Errorf("%w: unknown signer link", ErrUnsupportedDeeplink)
		}
		pk := query.Get("pk")
		if pk == "" {
			return nil, fmt.Errorf("%w: signer link without public key", ErrUnsupportedDeeplink)
		}
		return ExternalSign{PublicKey: pk, Name: query.Get("name")}, nil

	default:
		return nil, fmt.Errorf("%w: path %q", ErrUnsupportedDeeplink, segments[0])
	}
}

func parseConnectQuery(rawQuery string) (Kind, error) {
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedDeeplink, err)
	}

	clientID := query.Get("id")
	request := query.Get("r")
	if clientID == "" || request == "" {
		return nil, fmt.Errorf("%w: connect link missing id or request", ErrUnsupportedDeeplink)
	}
	if _, err := tonconnect.ParseClientID(clientID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedDeeplink, err)
	}

	params := tonconnect.ConnectParameters{
		Version:  query.Get("v"),
		ClientID: clientID,
	}
	if err := json.Unmarshal([]byte(request), &params.Request); err != nil {
		return nil, fmt.Errorf("%w: malformed request payload", ErrUnsupportedDeeplink)
	}

	return Connect{
		Params:         params,
		ReturnStrategy: query.Get("ret"),
	}, nil
}
