package providers

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/asistech/pkg/config"
)

func TestCredential_RejectsPlaceholderKeys(t *testing.T) {
	for _, key := range []string{"<OPENAI_API_KEY>", "${OPENAI_API_KEY}", "  "} {
		t.Run(key, func(t *testing.T) {
			_, err := apiKeyCredential(key).bearer()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "provider.api_key")
		})
	}
}

func TestCredential_TokenFileIsReadPerRequest(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "token.txt")
	require.NoError(t, os.WriteFile(tokenFile, []byte("sk-first\n"), 0o600))
	cred := tokenFileCredential(tokenFile)

	req, _ := http.NewRequest(http.MethodGet, "http://example.invalid", nil)
	require.NoError(t, cred.authorize(req))
	assert.Equal(t, "Bearer sk-first", req.Header.Get("Authorization"))

	require.NoError(t, os.WriteFile(tokenFile, []byte("sk-rotated"), 0o600))
	require.NoError(t, cred.authorize(req))
	assert.Equal(t, "Bearer sk-rotated", req.Header.Get("Authorization"))
}

func TestCredential_EmptyTokenFile(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "token.txt")
	require.NoError(t, os.WriteFile(tokenFile, []byte("  \n"), 0o600))

	req, _ := http.NewRequest(http.MethodGet, "http://example.invalid", nil)
	require.Error(t, tokenFileCredential(tokenFile).authorize(req))
	assert.Empty(t, req.Header.Get("Authorization"))
}

func TestResolveCredential(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "token.txt")
	require.NoError(t, os.WriteFile(tokenFile, []byte("sk-file"), 0o600))

	tests := []struct {
		name     string
		apiKey   string
		file     string
		wantMode string
		wantErr  string
	}{
		{name: "api key", apiKey: "sk-inline", wantMode: authModeAPIKey},
		{name: "token file", file: tokenFile, wantMode: authModeTokenFile},
		{name: "both", apiKey: "sk-inline", file: tokenFile, wantErr: "set exactly one"},
		{name: "neither", wantErr: "credentials are required"},
		{name: "missing file", file: filepath.Join(t.TempDir(), "missing.txt"), wantErr: "not accessible"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Provider.APIKey = tt.apiKey
			cfg.Provider.TokenFile = tt.file

			cred, err := resolveCredential(cfg)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantMode, cred.mode)

			ok, mode := credentialStatus(cfg)
			assert.True(t, ok)
			assert.Equal(t, tt.wantMode, mode)
		})
	}
}
