package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/pagination"
	"github.com/openai/openai-go/shared"

	"github.com/dotsetgreg/asistech/pkg/config"
)

const defaultOpenAIAPIBase = "https://api.openai.com/v1"

func init() {
	mustRegister(ProviderOpenAI, Registration{
		Build:       newOpenAIProviderFromConfig,
		Validate:    validateCredentialConfig,
		Credentials: credentialStatus,
	})
}

type openaiChatCompletions interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

type openaiModels interface {
	List(ctx context.Context, opts ...option.RequestOption) (*pagination.Page[openai.Model], error)
}

// openAIProvider talks to the OpenAI API through the official SDK. SDK-level
// retries are disabled; retrying is the caller's decision.
type openAIProvider struct {
	completions  openaiChatCompletions
	models       openaiModels
	defaultModel string
}

func newOpenAIProviderFromConfig(cfg *config.Config) (Provider, error) {
	cred, err := resolveCredential(cfg)
	if err != nil {
		return nil, err
	}

	opts := []option.RequestOption{option.WithMaxRetries(0)}
	switch cred.mode {
	case authModeAPIKey:
		opts = append(opts, option.WithAPIKey(cred.value))
	case authModeTokenFile:
		opts = append(opts, option.WithMiddleware(func(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
			if err := cred.authorize(req); err != nil {
				return nil, err
			}
			return next(req)
		}))
	}

	apiBase := strings.TrimSpace(cfg.Provider.APIBase)
	if apiBase == "" {
		apiBase = defaultOpenAIAPIBase
	}
	opts = append(opts, option.WithBaseURL(apiBase))
	if org := strings.TrimSpace(cfg.Provider.Organization); org != "" {
		opts = append(opts, option.WithOrganization(org))
	}

	httpClient := &http.Client{Timeout: defaultHTTPTimeout}
	if timeout := cfg.ProviderTimeout(); timeout > 0 {
		httpClient.Timeout = timeout
	}
	if proxy := strings.TrimSpace(cfg.Provider.Proxy); proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse openai proxy: %w", err)
		}
		httpClient.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}
	opts = append(opts, option.WithHTTPClient(httpClient))

	client := openai.NewClient(opts...)
	return &openAIProvider{
		completions:  &client.Chat.Completions,
		models:       &client.Models,
		defaultModel: strings.TrimSpace(cfg.Provider.Model),
	}, nil
}

func (p *openAIProvider) Name() string {
	return ProviderOpenAI
}

func (p *openAIProvider) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	if len(req.Messages) == 0 {
		return nil, statusError(ProviderOpenAI, http.StatusBadRequest, "at least one message is required")
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = p.defaultModel
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: convertOpenAIMessages(req.Messages),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.User != "" {
		params.User = openai.String(req.User)
	}
	if req.WebSearch {
		params.WebSearchOptions = openai.ChatCompletionNewParamsWebSearchOptions{SearchContextSize: "medium"}
	}

	resp, err := p.completions.New(ctx, params)
	if err != nil {
		if pe := Classify(ProviderOpenAI, err); pe != nil {
			return nil, pe
		}
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	return convertOpenAIResponse(resp, model), nil
}

func (p *openAIProvider) ListModels(ctx context.Context) ([]string, error) {
	page, err := p.models.List(ctx)
	if err != nil {
		if pe := Classify(ProviderOpenAI, err); pe != nil {
			return nil, pe
		}
		return nil, fmt.Errorf("openai list models: %w", err)
	}
	if page == nil {
		return nil, errors.New("openai list models: empty response")
	}
	ids := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func convertOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Text()))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Text()))
		default:
			if len(m.Parts) == 0 {
				out = append(out, openai.UserMessage(m.Content))
				continue
			}
			parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(m.Parts))
			for _, part := range m.Parts {
				switch part.Type {
				case PartImageURL:
					if part.ImageURL == nil {
						continue
					}
					parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
						URL:    part.ImageURL.URL,
						Detail: part.ImageURL.Detail,
					}))
				default:
					parts = append(parts, openai.TextContentPart(part.Text))
				}
			}
			out = append(out, openai.UserMessage(parts))
		}
	}
	return out
}

func convertOpenAIResponse(resp *openai.ChatCompletion, requestedModel string) *Completion {
	out := &Completion{Role: RoleAssistant, Model: resp.Model}
	if out.Model == "" {
		out.Model = requestedModel
	}
	out.Usage = &UsageInfo{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:      int(resp.Usage.TotalTokens),
	}
	if len(resp.Choices) == 0 {
		out.FinishReason = "stop"
		return out
	}
	choice := resp.Choices[0]
	out.Content = choice.Message.Content
	out.FinishReason = choice.FinishReason
	citations := make([]Citation, 0, len(choice.Message.Annotations))
	for _, ann := range choice.Message.Annotations {
		if ann.URLCitation.URL == "" {
			continue
		}
		citations = append(citations, Citation{Title: ann.URLCitation.Title, URL: ann.URLCitation.URL})
	}
	out.Citations = dedupeCitations(citations)
	return out
}
