package tonconnect

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadManifest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"url":"https://app.example","name":"Example","iconUrl":"https://app.example/icon.png"}`))
	}))
	defer srv.Close()

	manifest, err := LoadManifest(context.Background(), srv.Client(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Example", manifest.Name)
	assert.Equal(t, "https://app.example", manifest.URL)
	assert.Equal(t, "https://app.example/icon.png", manifest.IconURL)
}

func TestLoadManifestCollapsesFailures(t *testing.T) {
	notFound := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer notFound.Close()

	badJSON := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"url": `))
	}))
	defer badJSON.Close()

	for _, url := range []string{notFound.URL, badJSON.URL, "http://127.0.0.1:1"} {
		_, err := LoadManifest(context.Background(), nil, url)
		assert.ErrorIs(t, err, ErrManifestLoadFailed, "url %s", url)
	}
}
