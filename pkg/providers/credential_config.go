package providers

import (
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/dotsetgreg/asistech/pkg/config"
)

const (
	authModeAPIKey    = "api_key"
	authModeTokenFile = "token_file"
)

// credential is the one secret a provider section resolves to: either an
// inline API key or the path of a file holding it.
type credential struct {
	mode  string
	value string
	field string
}

func apiKeyCredential(key string) credential {
	return credential{mode: authModeAPIKey, value: strings.TrimSpace(key), field: "provider.api_key"}
}

func tokenFileCredential(path string) credential {
	return credential{mode: authModeTokenFile, value: config.ExpandHome(strings.TrimSpace(path)), field: "provider.token_file"}
}

// bearer returns the secret to send. Token files are read on every call so
// a rotated key is picked up without a restart.
func (c credential) bearer() (string, error) {
	switch c.mode {
	case authModeAPIKey:
		if c.value == "" {
			return "", fmt.Errorf("%s is empty", c.field)
		}
		if looksLikePlaceholder(c.value) {
			return "", fmt.Errorf("%s looks like an unfilled placeholder %q", c.field, c.value)
		}
		return c.value, nil
	case authModeTokenFile:
		if c.value == "" {
			return "", fmt.Errorf("%s path is empty", c.field)
		}
		data, err := os.ReadFile(c.value)
		if err != nil {
			return "", fmt.Errorf("read token file %s: %w", c.value, err)
		}
		tok := strings.TrimSpace(string(data))
		if tok == "" {
			return "", fmt.Errorf("token file %s is empty", c.value)
		}
		return tok, nil
	default:
		return "", fmt.Errorf("unsupported auth mode %q", c.mode)
	}
}

func (c credential) authorize(req *http.Request) error {
	tok, err := c.bearer()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return nil
}

// looksLikePlaceholder catches template values such as <API_KEY> or
// ${OPENAI_API_KEY} copied into the config file verbatim.
func looksLikePlaceholder(tok string) bool {
	if strings.HasPrefix(tok, "<") && strings.HasSuffix(tok, ">") {
		return true
	}
	return strings.HasPrefix(tok, "${") && strings.HasSuffix(tok, "}")
}

// resolveCredential picks the single configured credential source of the
// provider section.
func resolveCredential(cfg *config.Config) (credential, error) {
	if cfg == nil {
		return credential{}, fmt.Errorf("config is required")
	}
	var found []credential
	if key := strings.TrimSpace(cfg.Provider.APIKey); key != "" {
		found = append(found, apiKeyCredential(key))
	}
	if file := strings.TrimSpace(cfg.Provider.TokenFile); file != "" {
		found = append(found, tokenFileCredential(file))
	}

	switch len(found) {
	case 0:
		return credential{}, fmt.Errorf("%s credentials are required (set provider.api_key, ASISTECH_PROVIDER_API_KEY, or provider.token_file)", ActiveProviderName(cfg))
	case 1:
	default:
		fields := make([]string, 0, len(found))
		for _, c := range found {
			fields = append(fields, c.field)
		}
		sort.Strings(fields)
		return credential{}, fmt.Errorf("multiple provider credential sources configured (%s); set exactly one", strings.Join(fields, ", "))
	}

	cred := found[0]
	if cred.mode == authModeTokenFile {
		if _, err := os.Stat(cred.value); err != nil {
			return credential{}, fmt.Errorf("provider token file not accessible at %s: %w", cred.value, err)
		}
	}
	return cred, nil
}

func validateCredentialConfig(cfg *config.Config) error {
	_, err := resolveCredential(cfg)
	return err
}

func credentialStatus(cfg *config.Config) (bool, string) {
	cred, err := resolveCredential(cfg)
	if err != nil {
		return false, ""
	}
	return true, cred.mode
}
