package failure

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	wrapped := fmt.Errorf("call provider: %w", Wrap(Transient, "chat", cause, "connection failed"))

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "plain error", err: errors.New("boom"), want: Unknown},
		{name: "direct", err: New(Configuration, "create", "unknown strategy"), want: Configuration},
		{name: "wrapped by fmt", err: wrapped, want: Transient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestError_HidesCause(t *testing.T) {
	cause := errors.New(`{"error":{"message":"internal trace id 42"}}`)
	err := Wrap(Permanent, "chat", cause, "provider rejected the request")

	if got := err.Error(); got != "chat: provider rejected the request" {
		t.Fatalf("Error() = %q", got)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable through Unwrap")
	}
}

func TestWrap_DefaultsMessageToCause(t *testing.T) {
	err := Wrap(Persistence, "", errors.New("disk full"), "")
	assert.Equal(t, "disk full", err.Error())
	assert.True(t, Is(err, Persistence))
	assert.False(t, Is(err, Transient))
}

func TestKind_Retryable(t *testing.T) {
	assert.True(t, Transient.Retryable())
	assert.True(t, ProviderUnavailable.Retryable())
	assert.False(t, Configuration.Retryable())
	assert.False(t, Permanent.Retryable())
}

func TestMessageOf(t *testing.T) {
	assert.Equal(t, "", MessageOf(nil))
	assert.Equal(t, "feature disabled", MessageOf(fmt.Errorf("outer: %w", New(Configuration, "search", "feature disabled"))))
	assert.Equal(t, "plain", MessageOf(errors.New("plain")))
}
