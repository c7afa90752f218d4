package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultHTTPTimeout = 120 * time.Second

// chatCompletionsProvider speaks the OpenAI-compatible /chat/completions wire
// format over plain HTTP. It backs gateways such as OpenRouter.
type chatCompletionsProvider struct {
	providerName string
	apiBase      string
	defaultModel string
	auth         credential
	httpClient   *http.Client
	extraHeaders map[string]string
}

func newChatCompletionsProvider(providerName, apiBase, defaultModel, proxy string, auth credential, extraHeaders map[string]string) (*chatCompletionsProvider, error) {
	providerName = strings.TrimSpace(strings.ToLower(providerName))
	if providerName == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	apiBase = strings.TrimRight(strings.TrimSpace(apiBase), "/")
	if apiBase == "" {
		return nil, fmt.Errorf("%s API base not configured", providerName)
	}
	if auth.mode == "" {
		return nil, fmt.Errorf("%s auth is not configured", providerName)
	}

	client := &http.Client{Timeout: defaultHTTPTimeout}
	proxy = strings.TrimSpace(proxy)
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse %s proxy: %w", providerName, err)
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	cleanHeaders := map[string]string{}
	for k, v := range extraHeaders {
		name := strings.TrimSpace(k)
		value := strings.TrimSpace(v)
		if name == "" || value == "" {
			continue
		}
		cleanHeaders[name] = value
	}

	return &chatCompletionsProvider{
		providerName: providerName,
		apiBase:      apiBase,
		defaultModel: strings.TrimSpace(defaultModel),
		auth:         auth,
		httpClient:   client,
		extraHeaders: cleanHeaders,
	}, nil
}

func (p *chatCompletionsProvider) Name() string {
	return p.providerName
}

func (p *chatCompletionsProvider) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	if p == nil {
		return nil, fmt.Errorf("provider not initialized")
	}
	if len(req.Messages) == 0 {
		return nil, statusError(p.providerName, http.StatusBadRequest, "at least one message is required")
	}

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = p.defaultModel
	}

	requestBody := map[string]interface{}{
		"model":    model,
		"messages": req.Messages,
	}
	if req.MaxTokens > 0 {
		requestBody["max_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		requestBody["temperature"] = *req.Temperature
	}
	if req.User != "" {
		requestBody["user"] = req.User
	}
	if req.WebSearch {
		requestBody["web_search_options"] = map[string]interface{}{"search_context_size": "medium"}
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", p.providerName, err)
	}

	body, err := p.do(ctx, http.MethodPost, "/chat/completions", jsonData)
	if err != nil {
		return nil, err
	}

	result, err := parseChatCompletionsResponse(body)
	if err != nil {
		return nil, fmt.Errorf("parse %s response: %w", p.providerName, err)
	}
	if result.Model == "" {
		result.Model = model
	}
	return result, nil
}

func (p *chatCompletionsProvider) ListModels(ctx context.Context) ([]string, error) {
	body, err := p.do(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse %s models: %w", p.providerName, err)
	}
	ids := make([]string, 0, len(payload.Data))
	for _, m := range payload.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (p *chatCompletionsProvider) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.apiBase+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", p.providerName, err)
	}

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := p.auth.authorize(req); err != nil {
		return nil, fmt.Errorf("apply %s auth: %w", p.providerName, err)
	}
	for name, value := range p.extraHeaders {
		req.Header.Set(name, value)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("send %s request: %w", p.providerName, err)
		}
		return nil, connectionError(p.providerName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, connectionError(p.providerName, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, statusError(p.providerName, resp.StatusCode, extractAPIError(body))
	}
	return body, nil
}

func parseChatCompletionsResponse(body []byte) (*Completion, error) {
	var apiResponse struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Role        string      `json:"role"`
				Content     interface{} `json:"content"`
				Annotations []struct {
					Type        string `json:"type"`
					URLCitation *struct {
						Title string `json:"title"`
						URL   string `json:"url"`
					} `json:"url_citation"`
				} `json:"annotations"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage *UsageInfo `json:"usage"`
	}

	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return nil, err
	}

	if len(apiResponse.Choices) == 0 {
		return &Completion{Role: RoleAssistant, Model: apiResponse.Model, FinishReason: "stop", Usage: apiResponse.Usage}, nil
	}

	choice := apiResponse.Choices[0]
	citations := make([]Citation, 0, len(choice.Message.Annotations))
	for _, ann := range choice.Message.Annotations {
		if ann.Type != "url_citation" || ann.URLCitation == nil {
			continue
		}
		citations = append(citations, Citation{Title: ann.URLCitation.Title, URL: ann.URLCitation.URL})
	}

	role := Role(choice.Message.Role)
	if role == "" {
		role = RoleAssistant
	}
	return &Completion{
		Content:      flattenMessageContent(choice.Message.Content),
		Role:         role,
		Model:        apiResponse.Model,
		FinishReason: choice.FinishReason,
		Usage:        apiResponse.Usage,
		Citations:    dedupeCitations(citations),
	}, nil
}

func dedupeCitations(in []Citation) []Citation {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]Citation, 0, len(in))
	for _, c := range in {
		if _, ok := seen[c.URL]; ok {
			continue
		}
		seen[c.URL] = struct{}{}
		out = append(out, c)
	}
	return out
}

func flattenMessageContent(raw interface{}) string {
	switch v := raw.(type) {
	case string:
		return v
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if text, ok := m["text"].(string); ok {
				parts = append(parts, text)
				continue
			}
			if content, ok := m["content"].(string); ok {
				parts = append(parts, content)
			}
		}
		return strings.Join(parts, "")
	default:
		return ""
	}
}

func extractAPIError(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return ""
	}

	var payload struct {
		Error struct {
			Message string      `json:"message"`
			Type    string      `json:"type"`
			Code    interface{} `json:"code"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if msg := strings.TrimSpace(payload.Error.Message); msg != "" {
			return msg
		}
		if msg := strings.TrimSpace(payload.Message); msg != "" {
			return msg
		}
	}

	if len(trimmed) > 2000 {
		return trimmed[:2000] + "..."
	}
	return trimmed
}
