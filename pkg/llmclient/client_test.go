package llmclient

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/asistech/pkg/failure"
	"github.com/dotsetgreg/asistech/pkg/providers"
)

type scriptedProvider struct {
	mu       sync.Mutex
	results  []error
	requests []providers.CompletionRequest
	reply    *providers.Completion
	search   func(req providers.CompletionRequest) (*providers.Completion, error)
	listErr  error
}

func (p *scriptedProvider) Name() string { return "fake" }

func (p *scriptedProvider) Complete(ctx context.Context, req providers.CompletionRequest) (*providers.Completion, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	var err error
	if len(p.results) > 0 {
		err = p.results[0]
		p.results = p.results[1:]
	}
	p.mu.Unlock()
	if req.WebSearch && p.search != nil {
		return p.search(req)
	}
	if err != nil {
		return nil, err
	}
	reply := *p.reply
	return &reply, nil
}

func (p *scriptedProvider) ListModels(ctx context.Context) ([]string, error) {
	if p.listErr != nil {
		return nil, p.listErr
	}
	return []string{"gpt-4o-mini"}, nil
}

func okReply(content string) *providers.Completion {
	return &providers.Completion{
		Content:      content,
		Role:         providers.RoleAssistant,
		Model:        "gpt-4o-mini",
		FinishReason: "stop",
		Usage:        &providers.UsageInfo{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func rateLimited() error {
	return &providers.ProviderError{Provider: "fake", Reason: providers.ReasonRateLimited, StatusCode: 429, Message: "slow down"}
}

func newTestClient(t *testing.T, p providers.Provider) (*Client, *[]time.Duration) {
	t.Helper()
	c, err := New(p, Options{Model: "gpt-4o-mini", SearchModel: "gpt-4o-mini-search-preview", MaxTokens: 1000, Temperature: 0.7, Retry: DefaultRetryPolicy()})
	require.NoError(t, err)
	var waits []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return c, &waits
}

func userMessages(text string) []providers.Message {
	return []providers.Message{{Role: providers.RoleUser, Content: text}}
}

func TestChat_NormalizesResponse(t *testing.T) {
	p := &scriptedProvider{reply: okReply("Which printer model do you have?")}
	c, _ := newTestClient(t, p)

	resp, err := c.Chat(context.Background(), Payload{Messages: userMessages("my printer won't print")})
	require.NoError(t, err)
	assert.Equal(t, "Which printer model do you have?", resp.Content)
	assert.Equal(t, "assistant", resp.Role)
	assert.Equal(t, 15, resp.TokensUsed)
	assert.Equal(t, 10, resp.PromptTokens)
	assert.Equal(t, 5, resp.CompletionTokens)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 1, resp.Attempts)

	require.Len(t, p.requests, 1)
	require.NotNil(t, p.requests[0].Temperature)
	assert.Equal(t, 0.7, *p.requests[0].Temperature)
	assert.Equal(t, 1000, p.requests[0].MaxTokens)
}

func TestChat_RetriesTransientWithExponentialBackoff(t *testing.T) {
	p := &scriptedProvider{results: []error{rateLimited(), rateLimited()}, reply: okReply("ok")}
	c, waits := newTestClient(t, p)

	resp, err := c.Chat(context.Background(), Payload{Messages: userMessages("hi")})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, *waits)
}

func TestChat_ExhaustedRetriesSurfaceAsProviderUnavailable(t *testing.T) {
	conn := &providers.ProviderError{Provider: "fake", Reason: providers.ReasonConnectionFailed, Message: "connection failed"}
	p := &scriptedProvider{results: []error{conn, conn, conn, conn}, reply: okReply("never")}
	c, waits := newTestClient(t, p)

	_, err := c.Chat(context.Background(), Payload{Messages: userMessages("hi")})
	require.Error(t, err)
	assert.Equal(t, failure.ProviderUnavailable, failure.KindOf(err))
	assert.Len(t, p.requests, 3)
	assert.Len(t, *waits, 2)
}

func TestChat_PermanentFailuresAreNotRetried(t *testing.T) {
	for _, reason := range []providers.Reason{providers.ReasonUnauthorized, providers.ReasonMalformedRequest, providers.ReasonServerError} {
		t.Run(string(reason), func(t *testing.T) {
			p := &scriptedProvider{results: []error{&providers.ProviderError{Provider: "fake", Reason: reason, StatusCode: 400, Message: `{"raw":"payload"}`}}, reply: okReply("never")}
			c, waits := newTestClient(t, p)

			_, err := c.Chat(context.Background(), Payload{Messages: userMessages("hi")})
			require.Error(t, err)
			assert.Equal(t, failure.Permanent, failure.KindOf(err))
			assert.NotContains(t, err.Error(), "payload")
			assert.Len(t, p.requests, 1)
			assert.Empty(t, *waits)
		})
	}
}

func TestBackoffIsCapped(t *testing.T) {
	p := &scriptedProvider{results: []error{rateLimited(), rateLimited(), rateLimited(), rateLimited(), rateLimited()}, reply: okReply("ok")}
	c, err := New(p, Options{Model: "m", Retry: RetryPolicy{MaxAttempts: 6, InitialInterval: 2 * time.Second, MaxInterval: 10 * time.Second, Multiplier: 2}})
	require.NoError(t, err)
	var waits []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	_, err = c.Chat(context.Background(), Payload{Messages: userMessages("hi")})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}, waits)
}

func TestChat_CancelledDuringBackoff(t *testing.T) {
	p := &scriptedProvider{results: []error{rateLimited(), rateLimited()}, reply: okReply("ok")}
	c, _ := newTestClient(t, p)
	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := c.Chat(ctx, Payload{Messages: userMessages("hi")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Len(t, p.requests, 1)
}

func TestAnalyzeImage_UsesVisionDefaults(t *testing.T) {
	p := &scriptedProvider{reply: okReply("A router with a red LED.")}
	c, _ := newTestClient(t, p)

	resp, err := c.AnalyzeImage(context.Background(), Payload{Messages: []providers.Message{{
		Role:  providers.RoleUser,
		Parts: []providers.ContentPart{providers.TextPart("what is wrong?"), providers.ImagePart("https://example.com/a.jpg", "")},
	}}})
	require.NoError(t, err)
	assert.Equal(t, "A router with a red LED.", resp.Analysis)
	assert.Equal(t, 500, p.requests[0].MaxTokens)
	assert.Equal(t, "gpt-4o-mini", p.requests[0].Model)
}

func TestChatWithWebSearch_ReturnsResults(t *testing.T) {
	p := &scriptedProvider{reply: okReply("unused")}
	p.search = func(req providers.CompletionRequest) (*providers.Completion, error) {
		out := okReply("Firmware 2.1 fixes it.")
		out.Citations = []providers.Citation{{Title: "Release notes", URL: "https://example.com/notes"}}
		return out, nil
	}
	c, _ := newTestClient(t, p)

	resp, err := c.ChatWithWebSearch(context.Background(), Payload{Messages: userMessages("latest firmware")})
	require.NoError(t, err)
	assert.False(t, resp.SearchFallback)
	require.Len(t, resp.SearchResults, 1)
	assert.Equal(t, "https://example.com/notes", resp.SearchResults[0].URL)

	req := p.requests[0]
	assert.True(t, req.WebSearch)
	assert.Nil(t, req.Temperature)
	assert.Equal(t, "gpt-4o-mini-search-preview", req.Model)
}

func TestChatWithWebSearch_FallsBackOnUnclassifiedFailure(t *testing.T) {
	p := &scriptedProvider{reply: okReply("plain answer")}
	p.search = func(req providers.CompletionRequest) (*providers.Completion, error) {
		return nil, errors.New("decode search annotations: unexpected token")
	}
	c, _ := newTestClient(t, p)

	resp, err := c.ChatWithWebSearch(context.Background(), Payload{Messages: userMessages("latest firmware")})
	require.NoError(t, err)
	assert.True(t, resp.SearchFallback)
	assert.NotEmpty(t, resp.FallbackReason)
	assert.Equal(t, "plain answer", resp.Content)
	require.Len(t, p.requests, 2)
	assert.False(t, p.requests[1].WebSearch)
}

func TestChatWithWebSearch_PropagatesTaxonomyFailures(t *testing.T) {
	p := &scriptedProvider{reply: okReply("plain answer")}
	p.search = func(req providers.CompletionRequest) (*providers.Completion, error) {
		return nil, &providers.ProviderError{Provider: "fake", Reason: providers.ReasonUnauthorized, StatusCode: 401, Message: "bad key"}
	}
	c, _ := newTestClient(t, p)

	_, err := c.ChatWithWebSearch(context.Background(), Payload{Messages: userMessages("latest firmware")})
	require.Error(t, err)
	assert.Equal(t, failure.Permanent, failure.KindOf(err))
	assert.Len(t, p.requests, 1)
}

func TestInvoke_RejectsEmptyMessages(t *testing.T) {
	c, _ := newTestClient(t, &scriptedProvider{reply: okReply("x")})
	_, err := c.Invoke(context.Background(), OpChat, Payload{})
	assert.True(t, failure.Is(err, failure.Configuration))

	_, err = c.Invoke(context.Background(), Operation("embed"), Payload{Messages: userMessages("x")})
	assert.True(t, failure.Is(err, failure.Configuration))
}

func TestInvoke_PerCallTimeout(t *testing.T) {
	p := &blockingProvider{}
	c, err := New(p, Options{Model: "m", Retry: RetryPolicy{MaxAttempts: 1}})
	require.NoError(t, err)

	_, err = c.Invoke(context.Background(), OpChat, Payload{Messages: userMessages("x"), Timeout: 20 * time.Millisecond})
	require.Error(t, err)
	assert.Equal(t, failure.ProviderUnavailable, failure.KindOf(err))
}

type blockingProvider struct{}

func (blockingProvider) Name() string { return "blocking" }

func (blockingProvider) Complete(ctx context.Context, req providers.CompletionRequest) (*providers.Completion, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingProvider) ListModels(ctx context.Context) ([]string, error) { return nil, nil }

func TestCountTokens(t *testing.T) {
	assert.Equal(t, 0, CountTokens(""))
	assert.Equal(t, 2, CountTokens("12345678"))
	assert.Equal(t, 1, CountTokens("ñññññ"))
}

func TestValidateAPIKey(t *testing.T) {
	c, _ := newTestClient(t, &scriptedProvider{reply: okReply("x")})
	assert.NoError(t, c.ValidateAPIKey(context.Background()))

	bad := &scriptedProvider{reply: okReply("x"), listErr: &providers.ProviderError{Provider: "fake", Reason: providers.ReasonUnauthorized, StatusCode: 401}}
	c, _ = newTestClient(t, bad)
	err := c.ValidateAPIKey(context.Background())
	assert.Equal(t, failure.Permanent, failure.KindOf(err))
}

func TestValidateAPIKey_HidesUnclassifiedDetail(t *testing.T) {
	odd := &scriptedProvider{reply: okReply("x"), listErr: errors.New(`decode models: unexpected body {"key":"sk-live-123"}`)}
	c, _ := newTestClient(t, odd)

	err := c.ValidateAPIKey(context.Background())
	require.Error(t, err)
	assert.Equal(t, failure.Unknown, failure.KindOf(err))
	assert.Equal(t, "validate_api_key: API key validation failed", err.Error())
	assert.NotContains(t, err.Error(), "sk-live-123")
}

func TestNew_RequiresProvider(t *testing.T) {
	_, err := New(nil, Options{})
	assert.True(t, failure.Is(err, failure.Configuration))
}
