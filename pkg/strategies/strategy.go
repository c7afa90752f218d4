// Package strategies turns one user request into a provider call and
// normalizes the result into an Outcome. Strategies are looked up by name
// from a Registry that can be extended at runtime.
package strategies

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dotsetgreg/asistech/pkg/failure"
	"github.com/dotsetgreg/asistech/pkg/llmclient"
	"github.com/dotsetgreg/asistech/pkg/logger"
	"github.com/dotsetgreg/asistech/pkg/providers"
	"github.com/dotsetgreg/asistech/pkg/videosearch"
)

const component = "strategy"

const (
	Chat             = "chat"
	WebSearch        = "web_search"
	ImageAnalysis    = "image_analysis"
	CodeAssistant    = "code_assistant"
	YouTubeSearch    = "youtube_search"
	DeviceDiagnostic = "device_diagnostic"
)

// Input carries every argument a strategy may read. Each strategy documents
// the fields it requires; the rest are ignored.
type Input struct {
	// Context is prior conversation, oldest first.
	Context []providers.Message

	Message string
	Query   string

	ImageURL    string
	ImageBase64 string
	ImageMIME   string
	Prompt      string

	Snippet  string
	Language string

	Problem    string
	DeviceInfo string
	DeviceType string
	OS         string

	Model       string
	Temperature *float64
	MaxTokens   int
	User        string
}

// Outcome is the uniform strategy result. On failure Success is false, Error
// holds a user-facing message and ErrorKind classifies it.
type Outcome struct {
	Success      bool         `json:"success"`
	Content      string       `json:"content,omitempty"`
	Analysis     string       `json:"analysis,omitempty"`
	TokensUsed   *int         `json:"tokens_used,omitempty"`
	Model        string       `json:"model,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
	Error        string       `json:"error,omitempty"`
	ErrorKind    failure.Kind `json:"error_kind,omitempty"`

	Query          string                   `json:"query,omitempty"`
	SearchResults  []llmclient.SearchResult `json:"search_results,omitempty"`
	SearchFallback bool                     `json:"search_fallback,omitempty"`
	FallbackReason string                   `json:"fallback_reason,omitempty"`

	ImageURL string `json:"image_url,omitempty"`
	Language string `json:"language,omitempty"`

	SearchQuery string              `json:"search_query,omitempty"`
	Videos      []videosearch.Video `json:"videos,omitempty"`
	VideoURL    string              `json:"youtube_url,omitempty"`

	DeviceType string `json:"device_type,omitempty"`

	strategy string
	cause    error
}

// Text returns Content, or Analysis for vision outcomes.
func (o Outcome) Text() string {
	if o.Content != "" {
		return o.Content
	}
	return o.Analysis
}

// Err returns nil for successful outcomes and a kinded failure otherwise.
func (o Outcome) Err() error {
	if o.Success {
		return nil
	}
	kind := o.ErrorKind
	if kind == "" || kind == failure.Unknown {
		kind = failure.Strategy
	}
	msg := o.Error
	if msg == "" {
		msg = "strategy did not succeed"
	}
	return failure.Wrap(kind, o.strategy, o.cause, msg)
}

type Strategy interface {
	Name() string
	Execute(ctx context.Context, in Input) Outcome
}

// Completer is the provider client a strategy calls.
type Completer interface {
	Invoke(ctx context.Context, op llmclient.Operation, p llmclient.Payload) (*llmclient.Response, error)
}

// VideoSearcher finds tutorial videos.
type VideoSearcher interface {
	Enabled() bool
	Search(ctx context.Context, q videosearch.Query) ([]videosearch.Video, error)
}

type Features struct {
	WebSearch     bool
	ImageAnalysis bool
}

// Deps is handed to every Factory when a strategy is created.
type Deps struct {
	LLM      Completer
	Videos   VideoSearcher
	Features Features
}

type Factory func(deps Deps) Strategy

type Registry struct {
	mu        sync.RWMutex
	deps      Deps
	factories map[string]Factory
}

func NewRegistry(deps Deps) *Registry {
	return &Registry{deps: deps, factories: map[string]Factory{}}
}

// NewDefaultRegistry returns a registry holding the six built-in strategies.
func NewDefaultRegistry(deps Deps) *Registry {
	r := NewRegistry(deps)
	builtins := map[string]Factory{
		Chat:             func(d Deps) Strategy { return &chatStrategy{llm: d.LLM} },
		WebSearch:        func(d Deps) Strategy { return &webSearchStrategy{llm: d.LLM, enabled: d.Features.WebSearch} },
		ImageAnalysis:    func(d Deps) Strategy { return &imageAnalysisStrategy{llm: d.LLM, enabled: d.Features.ImageAnalysis} },
		CodeAssistant:    func(d Deps) Strategy { return &codeAssistantStrategy{llm: d.LLM} },
		YouTubeSearch:    func(d Deps) Strategy { return &youTubeSearchStrategy{llm: d.LLM, videos: d.Videos} },
		DeviceDiagnostic: func(d Deps) Strategy { return &deviceDiagnosticStrategy{llm: d.LLM} },
	}
	for name, f := range builtins {
		_ = r.Register(name, requireLLM(name, f))
	}
	return r
}

// requireLLM swaps in a refusing strategy when no completion client is wired.
func requireLLM(name string, f Factory) Factory {
	return func(d Deps) Strategy {
		if d.LLM == nil {
			return unwiredStrategy{name: name}
		}
		return f(d)
	}
}

type unwiredStrategy struct {
	name string
}

func (s unwiredStrategy) Name() string { return s.name }

func (s unwiredStrategy) Execute(context.Context, Input) Outcome {
	return configurationOutcome(s.name, "no completion client is configured")
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) error {
	name = normalizeName(name)
	if name == "" {
		return failure.New(failure.Configuration, "register_strategy", "strategy name is required")
	}
	if f == nil {
		return failure.Newf(failure.Configuration, "register_strategy", "strategy %q has no factory", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
	return nil
}

// Create builds the named strategy. Unknown names fail with a configuration
// error before any network or persistence work.
func (r *Registry) Create(name string) (Strategy, error) {
	key := normalizeName(name)
	r.mu.RLock()
	f, ok := r.factories[key]
	deps := r.deps
	r.mu.RUnlock()
	if !ok {
		return nil, failure.Newf(failure.Configuration, "create_strategy",
			"unknown strategy %q: available strategies are %s", name, strings.Join(r.Available(), ", "))
	}
	return f(deps), nil
}

// Execute creates and runs the named strategy.
func (r *Registry) Execute(ctx context.Context, name string, in Input) (Outcome, error) {
	s, err := r.Create(name)
	if err != nil {
		return Outcome{}, err
	}
	out := s.Execute(ctx, in)
	out.strategy = s.Name()
	logger.DebugC(component, describeOutcome(s.Name(), out))
	return out, out.Err()
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[normalizeName(name)]
	return ok
}

// Available lists registered names in sorted order.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func tokens(resp *llmclient.Response) *int {
	n := resp.TokensUsed
	return &n
}

func configurationOutcome(strategy, msg string) Outcome {
	logger.WarnCF(component, "Strategy input rejected", map[string]interface{}{"strategy": strategy, "reason": msg})
	return Outcome{
		Success:   false,
		Error:     msg,
		ErrorKind: failure.Configuration,
		strategy:  strategy,
	}
}

// failedOutcome records a provider failure. Content carries a fallback
// message suitable for showing to the user.
func failedOutcome(strategy string, err error, content string) Outcome {
	logger.ErrorCF(component, "Strategy failed",
		map[string]interface{}{
			"strategy": strategy,
			"kind":     string(failure.KindOf(err)),
			"error":    err.Error(),
		})
	return Outcome{
		Success:   false,
		Content:   content,
		Error:     failure.MessageOf(err),
		ErrorKind: failure.KindOf(err),
		strategy:  strategy,
		cause:     err,
	}
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func floatPtr(f float64) *float64 { return &f }

func payload(in Input, msgs []providers.Message) llmclient.Payload {
	return llmclient.Payload{
		Messages:    msgs,
		Model:       in.Model,
		Temperature: in.Temperature,
		MaxTokens:   in.MaxTokens,
		User:        in.User,
	}
}

func describeOutcome(name string, o Outcome) string {
	if o.Success {
		return fmt.Sprintf("%s succeeded", name)
	}
	return fmt.Sprintf("%s failed: %s", name, o.Error)
}
