package providers

import (
	"fmt"
	"strings"

	"github.com/dotsetgreg/asistech/pkg/config"
)

const defaultOpenRouterAPIBase = "https://openrouter.ai/api/v1"

func init() {
	mustRegister(ProviderOpenRouter, Registration{
		Build:       newOpenRouterProviderFromConfig,
		Validate:    validateCredentialConfig,
		Credentials: credentialStatus,
	})
	mustRegister(ProviderCompatible, Registration{
		Build:       newCompatibleProviderFromConfig,
		Validate:    validateCompatibleConfig,
		Credentials: credentialStatus,
	})
}

func newOpenRouterProviderFromConfig(cfg *config.Config) (Provider, error) {
	apiBase := strings.TrimSpace(cfg.Provider.APIBase)
	if apiBase == "" || apiBase == defaultOpenAIAPIBase {
		apiBase = defaultOpenRouterAPIBase
	}
	return newHTTPProvider(ProviderOpenRouter, apiBase, cfg, map[string]string{
		"X-Title": "asistech",
	})
}

func validateCompatibleConfig(cfg *config.Config) error {
	if err := validateCredentialConfig(cfg); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Provider.APIBase) == "" {
		return fmt.Errorf("provider.api_base is required for provider %s", ProviderCompatible)
	}
	return nil
}

func newCompatibleProviderFromConfig(cfg *config.Config) (Provider, error) {
	return newHTTPProvider(ProviderCompatible, cfg.Provider.APIBase, cfg, nil)
}

func newHTTPProvider(name, apiBase string, cfg *config.Config, headers map[string]string) (Provider, error) {
	auth, err := resolveCredential(cfg)
	if err != nil {
		return nil, err
	}
	p, err := newChatCompletionsProvider(name, apiBase, cfg.Provider.Model, cfg.Provider.Proxy, auth, headers)
	if err != nil {
		return nil, err
	}
	if timeout := cfg.ProviderTimeout(); timeout > 0 {
		p.httpClient.Timeout = timeout
	}
	return p, nil
}
