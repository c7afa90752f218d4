package providers

import (
	"net/http"
	"strings"
)

func augmentProviderError(providerName string, status int, message string) string {
	msg := strings.TrimSpace(message)
	if msg == "" {
		msg = strings.ToLower(http.StatusText(status))
	}
	if msg == "" {
		return msg
	}

	lower := strings.ToLower(msg)
	providerName = NormalizeProviderName(providerName)

	switch {
	case status == http.StatusUnauthorized || strings.Contains(lower, "incorrect api key provided"):
		return msg + " Hint: check provider.api_key (or ASISTECH_PROVIDER_API_KEY) for provider " + providerName + "."
	case status == http.StatusTooManyRequests && strings.Contains(lower, "quota"):
		return msg + " Hint: the account quota is exhausted; retrying will not help until it is raised."
	case status == http.StatusNotFound && strings.Contains(lower, "model"):
		return msg + " Hint: the configured model is not available to this account; check provider.model."
	}

	return msg
}
