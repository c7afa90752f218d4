// Package llmclient wraps a completion provider with per-attempt timeouts,
// bounded exponential retry for transient failures, result normalization and
// the search-to-chat fallback.
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dotsetgreg/asistech/pkg/config"
	"github.com/dotsetgreg/asistech/pkg/failure"
	"github.com/dotsetgreg/asistech/pkg/logger"
	"github.com/dotsetgreg/asistech/pkg/providers"
)

const component = "llmclient"

// Operation selects the request shape sent to the provider.
type Operation string

const (
	OpChat   Operation = "chat"
	OpVision Operation = "vision"
	OpSearch Operation = "search"
)

const defaultVisionMaxTokens = 500

type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 2 * time.Second,
		MaxInterval:     10 * time.Second,
		Multiplier:      2,
	}
}

// Options is the process-wide client configuration. It is copied into the
// Client at construction and never mutated afterwards.
type Options struct {
	Model           string
	VisionModel     string
	SearchModel     string
	MaxTokens       int
	VisionMaxTokens int
	Temperature     float64
	Timeout         time.Duration
	Retry           RetryPolicy
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Model:           cfg.Provider.Model,
		VisionModel:     cfg.Provider.VisionModel,
		SearchModel:     cfg.Provider.SearchModel,
		MaxTokens:       cfg.Provider.MaxTokens,
		VisionMaxTokens: defaultVisionMaxTokens,
		Temperature:     cfg.Provider.Temperature,
		Timeout:         cfg.ProviderTimeout(),
		Retry: RetryPolicy{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.InitialBackoff(),
			MaxInterval:     cfg.MaxBackoff(),
			Multiplier:      cfg.Retry.Multiplier,
		},
	}
}

// Payload is one request. Zero-valued fields fall back to Options.
type Payload struct {
	Messages    []providers.Message
	Model       string
	Temperature *float64
	MaxTokens   int
	Timeout     time.Duration
	User        string
}

type SearchResult struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Response is the normalized result of any operation. Analysis is set for
// vision calls; SearchResults and the fallback fields for search calls.
type Response struct {
	Content          string
	Analysis         string
	Role             string
	Model            string
	TokensUsed       int
	PromptTokens     int
	CompletionTokens int
	FinishReason     string
	SearchResults    []SearchResult
	SearchFallback   bool
	FallbackReason   string
	Attempts         int
}

type Client struct {
	provider providers.Provider
	opts     Options
	sleep    func(ctx context.Context, d time.Duration) error
	tracer   trace.Tracer
}

func New(provider providers.Provider, opts Options) (*Client, error) {
	if provider == nil {
		return nil, failure.New(failure.Configuration, "llmclient.New", "provider is required")
	}
	defaults := DefaultRetryPolicy()
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = defaults.MaxAttempts
	}
	if opts.Retry.Multiplier < 1 {
		opts.Retry.Multiplier = defaults.Multiplier
	}
	if opts.Retry.MaxInterval < opts.Retry.InitialInterval {
		opts.Retry.MaxInterval = opts.Retry.InitialInterval
	}
	if opts.VisionModel == "" {
		opts.VisionModel = opts.Model
	}
	if opts.SearchModel == "" {
		opts.SearchModel = opts.Model
	}
	if opts.VisionMaxTokens <= 0 {
		opts.VisionMaxTokens = defaultVisionMaxTokens
	}
	return &Client{
		provider: provider,
		opts:     opts,
		sleep:    sleepContext,
		tracer:   otel.Tracer("github.com/dotsetgreg/asistech/pkg/llmclient"),
	}, nil
}

func (c *Client) Options() Options { return c.opts }

func (c *Client) ProviderName() string { return c.provider.Name() }

func (c *Client) Chat(ctx context.Context, p Payload) (*Response, error) {
	return c.Invoke(ctx, OpChat, p)
}

func (c *Client) AnalyzeImage(ctx context.Context, p Payload) (*Response, error) {
	return c.Invoke(ctx, OpVision, p)
}

func (c *Client) ChatWithWebSearch(ctx context.Context, p Payload) (*Response, error) {
	return c.Invoke(ctx, OpSearch, p)
}

// Invoke runs one operation. Errors are always *failure.Error.
func (c *Client) Invoke(ctx context.Context, op Operation, p Payload) (*Response, error) {
	if len(p.Messages) == 0 {
		return nil, failure.New(failure.Configuration, string(op), "at least one message is required")
	}
	switch op {
	case OpChat, OpVision:
		return c.call(ctx, op, p)
	case OpSearch:
		resp, err := c.call(ctx, op, p)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil || inTaxonomy(err) {
			return nil, err
		}
		logger.WarnCF(component, "Web search failed, falling back to plain chat",
			map[string]interface{}{
				"error": err.Error(),
			})
		resp, chatErr := c.call(ctx, OpChat, p)
		if chatErr != nil {
			return nil, chatErr
		}
		resp.SearchFallback = true
		resp.FallbackReason = failure.MessageOf(err)
		return resp, nil
	default:
		return nil, failure.Newf(failure.Configuration, "invoke", "unknown operation %q", op)
	}
}

func inTaxonomy(err error) bool {
	switch failure.KindOf(err) {
	case failure.Transient, failure.Permanent, failure.ProviderUnavailable:
		return true
	}
	return false
}

func (c *Client) request(op Operation, p Payload) providers.CompletionRequest {
	req := providers.CompletionRequest{
		Messages:  p.Messages,
		Model:     p.Model,
		MaxTokens: p.MaxTokens,
		User:      p.User,
	}
	switch op {
	case OpVision:
		if req.Model == "" {
			req.Model = c.opts.VisionModel
		}
		if req.MaxTokens <= 0 {
			req.MaxTokens = c.opts.VisionMaxTokens
		}
	case OpSearch:
		if req.Model == "" {
			req.Model = c.opts.SearchModel
		}
		req.WebSearch = true
	default:
		if req.Model == "" {
			req.Model = c.opts.Model
		}
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = c.opts.MaxTokens
	}
	// Search models reject sampling parameters.
	if op != OpSearch {
		temp := c.opts.Temperature
		if p.Temperature != nil {
			temp = *p.Temperature
		}
		req.Temperature = &temp
	}
	return req
}

func (c *Client) call(ctx context.Context, op Operation, p Payload) (*Response, error) {
	req := c.request(op, p)
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = c.opts.Timeout
	}

	ctx, span := c.tracer.Start(ctx, "llmclient."+string(op), trace.WithAttributes(
		attribute.String("llm.provider", c.provider.Name()),
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.messages", len(req.Messages)),
	))
	defer span.End()

	promptTokens := c.countMessages(req.Messages)
	logger.InfoCF(component, "Sending completion request",
		map[string]interface{}{
			"operation":     string(op),
			"model":         req.Model,
			"messages":      len(req.Messages),
			"prompt_tokens": promptTokens,
		})

	completion, attempts, err := c.withRetry(ctx, op, timeout, req)
	span.SetAttributes(attribute.Int("llm.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, failure.MessageOf(err))
		logger.ErrorCF(component, "Completion request failed",
			map[string]interface{}{
				"operation": string(op),
				"model":     req.Model,
				"attempts":  attempts,
				"kind":      string(failure.KindOf(err)),
				"error":     err.Error(),
			})
		return nil, err
	}

	resp := normalize(op, completion, req.Model)
	resp.Attempts = attempts
	span.SetAttributes(attribute.Int("llm.tokens_used", resp.TokensUsed))
	logger.InfoCF(component, "Completion request succeeded",
		map[string]interface{}{
			"operation":      string(op),
			"model":          resp.Model,
			"attempts":       attempts,
			"tokens_used":    resp.TokensUsed,
			"finish_reason":  resp.FinishReason,
			"search_results": len(resp.SearchResults),
		})
	return resp, nil
}

// withRetry retries transient provider failures with exponential backoff.
// Every other failure returns immediately.
func (c *Client) withRetry(ctx context.Context, op Operation, timeout time.Duration, req providers.CompletionRequest) (*providers.Completion, int, error) {
	policy := c.opts.Retry
	b := &backoff.ExponentialBackOff{
		InitialInterval:     policy.InitialInterval,
		RandomizationFactor: 0,
		Multiplier:          policy.Multiplier,
		MaxInterval:         policy.MaxInterval,
	}
	b.Reset()

	var lastErr *providers.ProviderError
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		completion, err := c.attempt(ctx, timeout, req)
		if err == nil {
			return completion, attempt, nil
		}
		if ctx.Err() != nil {
			return nil, attempt, failure.Wrap(failure.Unknown, string(op), ctx.Err(), "request cancelled")
		}

		pe := providers.Classify(c.provider.Name(), err)
		if pe == nil {
			return nil, attempt, failure.Wrap(failure.Unknown, string(op), err, "unexpected provider failure")
		}
		if !pe.Transient() {
			return nil, attempt, failure.Wrap(failure.Permanent, string(op), pe, permanentMessage(pe))
		}
		lastErr = pe

		if attempt == policy.MaxAttempts {
			break
		}
		wait := b.NextBackOff()
		logger.WarnCF(component, "Transient provider failure, retrying",
			map[string]interface{}{
				"operation": string(op),
				"attempt":   attempt,
				"reason":    string(pe.Reason),
				"wait_ms":   wait.Milliseconds(),
			})
		if err := c.sleep(ctx, wait); err != nil {
			return nil, attempt, failure.Wrap(failure.Unknown, string(op), err, "request cancelled")
		}
	}

	return nil, policy.MaxAttempts, failure.Wrap(failure.ProviderUnavailable, string(op), lastErr,
		fmt.Sprintf("provider unavailable after %d attempts (%s)", policy.MaxAttempts, lastErr.Reason))
}

func (c *Client) attempt(ctx context.Context, timeout time.Duration, req providers.CompletionRequest) (*providers.Completion, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	completion, err := c.provider.Complete(ctx, req)
	if err == nil && completion == nil {
		return nil, errors.New("provider returned no completion")
	}
	return completion, err
}

func permanentMessage(pe *providers.ProviderError) string {
	switch pe.Reason {
	case providers.ReasonUnauthorized:
		return "provider rejected the credentials"
	case providers.ReasonMalformedRequest:
		return "provider rejected the request as malformed"
	case providers.ReasonServerError:
		return "provider returned a server error"
	default:
		return string(pe.Reason)
	}
}

func normalize(op Operation, c *providers.Completion, requestedModel string) *Response {
	resp := &Response{
		Content:      c.Content,
		Role:         string(c.Role),
		Model:        c.Model,
		FinishReason: c.FinishReason,
	}
	if resp.Role == "" {
		resp.Role = string(providers.RoleAssistant)
	}
	if resp.Model == "" {
		resp.Model = requestedModel
	}
	if c.Usage != nil {
		resp.TokensUsed = c.Usage.TotalTokens
		resp.PromptTokens = c.Usage.PromptTokens
		resp.CompletionTokens = c.Usage.CompletionTokens
	}
	switch op {
	case OpVision:
		resp.Analysis = c.Content
	case OpSearch:
		resp.SearchResults = make([]SearchResult, 0, len(c.Citations))
		for _, cit := range c.Citations {
			resp.SearchResults = append(resp.SearchResults, SearchResult{Title: cit.Title, URL: cit.URL})
		}
	}
	return resp
}

// CountTokens approximates the token count of text as characters/4. Only
// provider-reported usage is authoritative.
func (c *Client) CountTokens(text string) int {
	return CountTokens(text)
}

func CountTokens(text string) int {
	return utf8.RuneCountInString(text) / 4
}

func (c *Client) countMessages(msgs []providers.Message) int {
	total := 0
	for _, m := range msgs {
		total += CountTokens(m.Text())
	}
	return total
}

// ValidateAPIKey checks the configured credentials with a cheap model listing.
func (c *Client) ValidateAPIKey(ctx context.Context) error {
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}
	if _, err := c.provider.ListModels(ctx); err != nil {
		logger.ErrorCF(component, "API key validation failed", map[string]interface{}{"error": err.Error()})
		if pe := providers.Classify(c.provider.Name(), err); pe != nil {
			kind := failure.Permanent
			if pe.Transient() {
				kind = failure.Transient
			}
			return failure.Wrap(kind, "validate_api_key", pe, permanentMessage(pe))
		}
		return failure.Wrap(failure.Unknown, "validate_api_key", err, "API key validation failed")
	}
	logger.InfoCF(component, "API key validated", map[string]interface{}{"provider": c.provider.Name()})
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
