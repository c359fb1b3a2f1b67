package tonconnect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrManifestLoadFailed covers every way a dApp manifest can fail to load.
// Callers never need finer-grained network diagnostics at this layer.
var ErrManifestLoadFailed = errors.New("tonconnect: failed to load app manifest")

// Manifest is the dApp-supplied metadata shown to the user during connect.
// Fetched once per connect attempt, never cached across attempts.
type Manifest struct {
	URL     string `json:"url"`
	Name    string `json:"name"`
	IconURL string `json:"iconUrl"`
}

// LoadManifest fetches and decodes a dApp manifest. Single attempt, no
// retries.
func LoadManifest(ctx context.Context, client *http.Client, url string) (*Manifest, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifestLoadFailed, err)
	}

	res, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifestLoadFailed, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrManifestLoadFailed, res.StatusCode)
	}

	var manifest Manifest
	if err := json.NewDecoder(res.Body).Decode(&manifest); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifestLoadFailed, err)
	}

	return &manifest, nil
}
