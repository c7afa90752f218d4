package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/openai/openai-go"
)

// Reason is the provider failure class.
type Reason string

const (
	ReasonRateLimited      Reason = "rate_limited"
	ReasonConnectionFailed Reason = "connection_failed"
	ReasonMalformedRequest Reason = "malformed_request"
	ReasonServerError      Reason = "server_error"
	ReasonUnauthorized     Reason = "unauthorized"
)

// ProviderError is a classified failure from a completion backend. Message is
// the provider-reported text with any hint appended; Err is the transport cause.
type ProviderError struct {
	Provider   string
	Reason     Reason
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s API request failed: status=%d error=%s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s API request failed: %s: %s", e.Provider, e.Reason, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Transient reports whether retrying the same request may succeed.
func (e *ProviderError) Transient() bool {
	return e.Reason == ReasonRateLimited || e.Reason == ReasonConnectionFailed
}

// IsRateLimited reports whether the provider returned 429.
func (e *ProviderError) IsRateLimited() bool {
	return e.Reason == ReasonRateLimited
}

func reasonForStatus(status int) Reason {
	switch {
	case status == http.StatusTooManyRequests:
		return ReasonRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonUnauthorized
	case status == http.StatusRequestTimeout:
		return ReasonConnectionFailed
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonMalformedRequest
	}
}

func statusError(provider string, status int, message string) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Reason:     reasonForStatus(status),
		StatusCode: status,
		Message:    augmentProviderError(provider, status, message),
	}
}

func connectionError(provider string, err error) *ProviderError {
	return &ProviderError{
		Provider: provider,
		Reason:   ReasonConnectionFailed,
		Message:  "connection failed",
		Err:      err,
	}
}

// Classify returns the ProviderError for err, converting SDK status errors and
// transport failures. It returns nil when err does not belong to a known class,
// including caller cancellation.
func Classify(provider string, err error) *ProviderError {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr != nil {
		out := statusError(provider, apiErr.StatusCode, apiErr.Message)
		out.Err = err
		return out
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return connectionError(provider, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return connectionError(provider, err)
	}
	return nil
}
