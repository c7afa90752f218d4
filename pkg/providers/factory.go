package providers

import (
	"sort"
	"strings"
	"sync"

	"github.com/dotsetgreg/asistech/pkg/config"
	"github.com/dotsetgreg/asistech/pkg/failure"
)

const (
	ProviderOpenAI     = "openai"
	ProviderOpenRouter = "openrouter"
	ProviderCompatible = "compatible"
)

// Registration describes how to build one named provider from config.
// Validate and Credentials are optional.
type Registration struct {
	Build       func(cfg *config.Config) (Provider, error)
	Validate    func(cfg *config.Config) error
	Credentials func(cfg *config.Config) (configured bool, mode string)
}

var (
	registryMu    sync.RWMutex
	registrations = map[string]Registration{}
)

// Register adds or replaces a provider under its normalized name.
func Register(name string, reg Registration) error {
	name = NormalizeProviderName(name)
	if reg.Build == nil {
		return failure.Newf(failure.Configuration, "register_provider", "provider %q has no build func", name)
	}
	registryMu.Lock()
	registrations[name] = reg
	registryMu.Unlock()
	return nil
}

// mustRegister is for built-ins registered from init.
func mustRegister(name string, reg Registration) {
	if err := Register(name, reg); err != nil {
		panic(err)
	}
}

func SupportedProviders() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registrations))
	for name := range registrations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NormalizeProviderName lowercases name; empty selects openai.
func NormalizeProviderName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ProviderOpenAI
	}
	return name
}

func ActiveProviderName(cfg *config.Config) string {
	if cfg == nil {
		return ProviderOpenAI
	}
	return NormalizeProviderName(cfg.Provider.Name)
}

func lookup(cfg *config.Config) (Registration, string, error) {
	name := ActiveProviderName(cfg)
	registryMu.RLock()
	reg, ok := registrations[name]
	registryMu.RUnlock()
	if !ok {
		return Registration{}, name, failure.Newf(failure.Configuration, "provider",
			"unsupported provider %q: supported providers are %s", name, strings.Join(SupportedProviders(), ", "))
	}
	return reg, name, nil
}

func ValidateProviderConfig(cfg *config.Config) error {
	reg, name, err := lookup(cfg)
	if err != nil {
		return err
	}
	if reg.Validate == nil {
		return nil
	}
	if err := reg.Validate(cfg); err != nil {
		return failure.Wrap(failure.Configuration, name, err, err.Error())
	}
	return nil
}

// ProviderCredentialStatus reports the active provider and whether it has
// usable credentials. Without a Credentials func it falls back to Validate.
func ProviderCredentialStatus(cfg *config.Config) (provider string, configured bool, mode string, err error) {
	reg, name, err := lookup(cfg)
	if err != nil {
		return "", false, "", err
	}
	if reg.Credentials != nil {
		configured, mode = reg.Credentials(cfg)
		return name, configured, mode, nil
	}
	return name, reg.Validate == nil || reg.Validate(cfg) == nil, "", nil
}

// CreateProvider validates cfg against the active provider and builds it.
func CreateProvider(cfg *config.Config) (Provider, error) {
	if err := ValidateProviderConfig(cfg); err != nil {
		return nil, err
	}
	reg, _, err := lookup(cfg)
	if err != nil {
		return nil, err
	}
	return reg.Build(cfg)
}
