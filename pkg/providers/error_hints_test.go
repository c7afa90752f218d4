package providers

import (
	"net/http"
	"strings"
	"testing"
)

func TestAugmentProviderError_UnauthorizedHint(t *testing.T) {
	msg := augmentProviderError(ProviderOpenAI, http.StatusUnauthorized, "Incorrect API key provided")
	if !strings.Contains(msg, "provider.api_key") {
		t.Fatalf("expected api key guidance in hint, got %q", msg)
	}
}

func TestAugmentProviderError_QuotaHint(t *testing.T) {
	msg := augmentProviderError(ProviderOpenAI, http.StatusTooManyRequests, "You exceeded your current quota")
	if !strings.Contains(msg, "quota is exhausted") {
		t.Fatalf("expected quota hint, got %q", msg)
	}
}

func TestAugmentProviderError_EmptyMessageUsesStatusText(t *testing.T) {
	msg := augmentProviderError(ProviderOpenRouter, http.StatusBadGateway, "")
	if msg != "bad gateway" {
		t.Fatalf("expected status text, got %q", msg)
	}
}

func TestAugmentProviderError_PassThrough(t *testing.T) {
	msg := augmentProviderError(ProviderOpenRouter, http.StatusBadRequest, "messages must not be empty")
	if msg != "messages must not be empty" {
		t.Fatalf("expected message unchanged, got %q", msg)
	}
}
