// Package assistant runs one conversational exchange as a single unit of
// work: build context from committed turns, run a strategy, then store the
// user turn, the reply and a derived title in one short transaction. A
// failure at any step leaves the store untouched.
package assistant

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dotsetgreg/asistech/pkg/config"
	"github.com/dotsetgreg/asistech/pkg/conversation"
	"github.com/dotsetgreg/asistech/pkg/failure"
	"github.com/dotsetgreg/asistech/pkg/logger"
	"github.com/dotsetgreg/asistech/pkg/providers"
	"github.com/dotsetgreg/asistech/pkg/strategies"
)

const component = "assistant"

type Options struct {
	HistoryLimit       int
	SearchHistoryLimit int
	DefaultTitle       string
	TitleMaxChars      int
	MaxMessageChars    int
	Features           strategies.Features
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		HistoryLimit:       cfg.Assistant.MaxHistory,
		SearchHistoryLimit: cfg.Assistant.SearchHistory,
		DefaultTitle:       cfg.Assistant.DefaultTitle,
		TitleMaxChars:      cfg.Assistant.TitleMaxChars,
		MaxMessageChars:    cfg.Assistant.MaxMessageChars,
		Features: strategies.Features{
			WebSearch:     cfg.Assistant.EnableWebSearch,
			ImageAnalysis: cfg.Assistant.EnableImageAnalysis,
		},
	}
}

func (o Options) withDefaults() Options {
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 50
	}
	if o.SearchHistoryLimit <= 0 {
		o.SearchHistoryLimit = 10
	}
	if strings.TrimSpace(o.DefaultTitle) == "" {
		o.DefaultTitle = conversation.DefaultTitle
	}
	if o.TitleMaxChars <= 0 {
		o.TitleMaxChars = 50
	}
	if o.MaxMessageChars <= 0 || o.MaxMessageChars > conversation.MaxContentChars {
		o.MaxMessageChars = conversation.MaxContentChars
	}
	return o
}

// ProviderChecker reports whether the configured provider accepts our
// credentials.
type ProviderChecker interface {
	ProviderName() string
	ValidateAPIKey(ctx context.Context) error
}

type Service struct {
	store      conversation.Store
	strategies *strategies.Registry
	provider   ProviderChecker
	contexts   *ContextBuilder
	opts       Options
	tracer     trace.Tracer
}

// NewService wires the orchestrator. provider may be nil, in which case
// CheckProvider reports a configuration error.
func NewService(store conversation.Store, registry *strategies.Registry, provider ProviderChecker, opts Options) (*Service, error) {
	if store == nil {
		return nil, failure.New(failure.Configuration, "new service", "conversation store is required")
	}
	if registry == nil {
		return nil, failure.New(failure.Configuration, "new service", "strategy registry is required")
	}
	return &Service{
		store:      store,
		strategies: registry,
		provider:   provider,
		contexts:   NewContextBuilder(),
		opts:       opts.withDefaults(),
		tracer:     otel.Tracer("github.com/dotsetgreg/asistech/pkg/assistant"),
	}, nil
}

type ChatRequest struct {
	UserID         string
	ConversationID string
	Message        string
	Model          string
	Temperature    *float64
	MaxTokens      int
}

type WebSearchRequest struct {
	UserID         string
	ConversationID string
	Query          string
	Model          string
}

type ImageRequest struct {
	UserID         string
	ConversationID string
	ImageURL       string
	ImageBase64    string
	ImageMIME      string
	Prompt         string
	Model          string
}

// AssistRequest runs any registered strategy through the same exchange.
type AssistRequest struct {
	UserID         string
	ConversationID string
	Strategy       string

	Message    string
	Query      string
	Snippet    string
	Language   string
	Problem    string
	DeviceInfo string
	DeviceType string
	OS         string
	Model      string
}

type Result struct {
	ConversationID string             `json:"conversation_id"`
	Title          string             `json:"title"`
	Created        bool               `json:"created"`
	Outcome        strategies.Outcome `json:"outcome"`
	TokensUsed     *int               `json:"tokens_used,omitempty"`
	UserTurn       *conversation.Turn `json:"user_turn"`
	AssistantTurn  *conversation.Turn `json:"assistant_turn"`
}

// exchange describes one orchestrated call. Only the strategy, the stored
// user text and the reply metadata differ between operations.
type exchange struct {
	op             string
	strategy       string
	userID         string
	conversationID string
	userContent    string
	userMetadata   map[string]any
	historyLimit   int
	input          strategies.Input
	precheck       func() error
	metadata       func(out strategies.Outcome) map[string]any
}

func (s *Service) Chat(ctx context.Context, req ChatRequest) (*Result, error) {
	return s.run(ctx, exchange{
		op:             "chat",
		strategy:       strategies.Chat,
		userID:         req.UserID,
		conversationID: req.ConversationID,
		userContent:    req.Message,
		historyLimit:   s.opts.HistoryLimit,
		input: strategies.Input{
			Message:     req.Message,
			Model:       req.Model,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
			User:        req.UserID,
		},
	})
}

func (s *Service) WebSearch(ctx context.Context, req WebSearchRequest) (*Result, error) {
	query := strings.TrimSpace(req.Query)
	return s.run(ctx, exchange{
		op:             "web_search",
		strategy:       strategies.WebSearch,
		userID:         req.UserID,
		conversationID: req.ConversationID,
		userContent:    "[Web Search] " + query,
		historyLimit:   s.opts.SearchHistoryLimit,
		input:          strategies.Input{Query: query, Model: req.Model, User: req.UserID},
		precheck: func() error {
			if !s.opts.Features.WebSearch {
				return failure.New(failure.Configuration, "web_search", "web search is disabled")
			}
			if query == "" {
				return failure.New(failure.Configuration, "web_search", "search query is required")
			}
			return nil
		},
		metadata: func(out strategies.Outcome) map[string]any {
			meta := map[string]any{
				"search_query":    query,
				"search_results":  out.SearchResults,
				"search_fallback": out.SearchFallback,
			}
			if out.FallbackReason != "" {
				meta["fallback_reason"] = out.FallbackReason
			}
			return meta
		},
	})
}

func (s *Service) AnalyzeImage(ctx context.Context, req ImageRequest) (*Result, error) {
	imageURL := strings.TrimSpace(req.ImageURL)
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		prompt = "Describe this image in detail"
	}
	imageMeta := map[string]any{}
	if imageURL != "" {
		imageMeta["image_url"] = imageURL
	} else {
		imageMeta["image_inline"] = true
	}
	return s.run(ctx, exchange{
		op:             "analyze_image",
		strategy:       strategies.ImageAnalysis,
		userID:         req.UserID,
		conversationID: req.ConversationID,
		userContent:    "[Image Analysis] " + prompt,
		userMetadata:   imageMeta,
		input: strategies.Input{
			ImageURL:    imageURL,
			ImageBase64: req.ImageBase64,
			ImageMIME:   req.ImageMIME,
			Prompt:      prompt,
			Model:       req.Model,
			User:        req.UserID,
		},
		precheck: func() error {
			if !s.opts.Features.ImageAnalysis {
				return failure.New(failure.Configuration, "analyze_image", "image analysis is disabled")
			}
			if strategies.ImageSource(req.ImageURL, req.ImageBase64, req.ImageMIME) == "" {
				return failure.New(failure.Configuration, "analyze_image", "image_url or image_base64 is required")
			}
			return nil
		},
		metadata: func(strategies.Outcome) map[string]any { return imageMeta },
	})
}

// Assist dispatches by strategy name. The three primary operations are
// routed to their dedicated methods; any other registered strategy runs
// with the request message as its user turn.
func (s *Service) Assist(ctx context.Context, req AssistRequest) (*Result, error) {
	name := strings.ToLower(strings.TrimSpace(req.Strategy))
	switch name {
	case strategies.Chat:
		return s.Chat(ctx, ChatRequest{UserID: req.UserID, ConversationID: req.ConversationID, Message: req.Message, Model: req.Model})
	case strategies.WebSearch:
		return s.WebSearch(ctx, WebSearchRequest{UserID: req.UserID, ConversationID: req.ConversationID, Query: firstNonEmpty(req.Query, req.Message), Model: req.Model})
	case strategies.ImageAnalysis:
		return nil, failure.New(failure.Configuration, "assist", "use AnalyzeImage for image analysis")
	}

	input := strategies.Input{
		Message:    req.Message,
		Query:      req.Query,
		Snippet:    req.Snippet,
		Language:   req.Language,
		Problem:    req.Problem,
		DeviceInfo: req.DeviceInfo,
		DeviceType: req.DeviceType,
		OS:         req.OS,
		Model:      req.Model,
		User:       req.UserID,
	}
	ex := exchange{
		op:             "assist",
		strategy:       name,
		userID:         req.UserID,
		conversationID: req.ConversationID,
		input:          input,
	}

	switch name {
	case strategies.CodeAssistant:
		query := firstNonEmpty(req.Query, req.Message)
		ex.userContent = "[Code] " + query
		ex.historyLimit = s.opts.SearchHistoryLimit
		ex.precheck = required("code question", query)
		ex.metadata = func(out strategies.Outcome) map[string]any {
			return map[string]any{"language": out.Language}
		}
	case strategies.YouTubeSearch:
		problem := firstNonEmpty(req.Problem, req.Message)
		ex.userContent = "[YouTube] " + problem
		ex.precheck = required("problem description", problem)
		ex.metadata = func(out strategies.Outcome) map[string]any {
			meta := map[string]any{"search_url": out.VideoURL, "search_query": out.SearchQuery}
			if len(out.Videos) > 0 {
				meta["videos"] = out.Videos
			}
			return meta
		}
	case strategies.DeviceDiagnostic:
		deviceType := strings.TrimSpace(req.DeviceType)
		ex.userContent = "[Diagnostic] " + deviceType + ": " + firstNonEmpty(req.Problem, "General diagnostics")
		ex.precheck = required("device type", deviceType)
		ex.metadata = func(out strategies.Outcome) map[string]any {
			return map[string]any{"device_type": out.DeviceType}
		}
	default:
		ex.userContent = req.Message
		ex.historyLimit = s.opts.HistoryLimit
	}
	return s.run(ctx, ex)
}

func required(field, value string) func() error {
	return func() error {
		if strings.TrimSpace(value) == "" {
			return failure.Newf(failure.Configuration, "assist", "%s is required", field)
		}
		return nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// validate runs every check that must fail before persistence or network.
func (s *Service) validate(ex exchange) error {
	if strings.TrimSpace(ex.userID) == "" {
		return failure.New(failure.Configuration, ex.op, "user id is required")
	}
	if ex.precheck != nil {
		if err := ex.precheck(); err != nil {
			return err
		}
	}
	if _, err := s.strategies.Create(ex.strategy); err != nil {
		return err
	}
	if err := conversation.ValidateContent(ex.userContent); err != nil {
		return err
	}
	if n := utf8.RuneCountInString(ex.userContent); n > s.opts.MaxMessageChars {
		return failure.Newf(failure.Configuration, ex.op, "message is %d characters, limit is %d", n, s.opts.MaxMessageChars)
	}
	return nil
}

func (s *Service) run(ctx context.Context, ex exchange) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "assistant."+ex.op, trace.WithAttributes(
		attribute.String("assistant.strategy", ex.strategy),
	))
	defer span.End()

	res, err := s.exchange(ctx, ex)
	if err != nil {
		err = boundaryError(ex.op, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, failure.MessageOf(err))
		logger.ErrorCF(component, "Exchange failed",
			map[string]interface{}{
				"op":       ex.op,
				"strategy": ex.strategy,
				"user_id":  ex.userID,
				"kind":     string(failure.KindOf(err)),
				"error":    err.Error(),
			})
		return nil, err
	}
	span.SetAttributes(attribute.String("assistant.conversation_id", res.ConversationID))
	return res, nil
}

func (s *Service) exchange(ctx context.Context, ex exchange) (*Result, error) {
	if err := s.validate(ex); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// History comes from committed turns and is read before the new user
	// turn exists; the strategy appends the new message itself. No write
	// lock is held while the provider is called.
	var history []providers.Message
	if id := strings.TrimSpace(ex.conversationID); id != "" && ex.historyLimit > 0 {
		existing, err := s.store.Get(ctx, ex.userID, id)
		switch {
		case err == nil:
			history, err = s.contexts.Build(ctx, s.store, existing.ID, ex.historyLimit)
			if err != nil {
				return nil, err
			}
		case !errors.Is(err, conversation.ErrNotFound):
			return nil, err
		}
	}

	in := ex.input
	in.Context = history
	out, err := s.strategies.Execute(ctx, ex.strategy, in)
	if err != nil {
		return nil, err
	}
	reply := out.Text()
	if strings.TrimSpace(reply) == "" {
		return nil, failure.New(failure.Strategy, ex.strategy, "strategy returned an empty response")
	}

	meta := map[string]any{"strategy": ex.strategy}
	if out.Model != "" {
		meta["model"] = out.Model
	}
	if out.FinishReason != "" {
		meta["finish_reason"] = out.FinishReason
	}
	if ex.metadata != nil {
		for k, v := range ex.metadata(out) {
			meta[k] = v
		}
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.WarnCF(component, "Rollback failed", map[string]interface{}{"error": rbErr.Error()})
		}
	}()

	conv, created, err := tx.GetOrCreate(ctx, ex.userID, ex.conversationID, s.opts.DefaultTitle)
	if err != nil {
		return nil, err
	}
	userTurn, err := tx.AppendTurn(ctx, conversation.TurnInput{
		ConversationID: conv.ID,
		Role:           conversation.RoleUser,
		Content:        ex.userContent,
		Metadata:       ex.userMetadata,
	})
	if err != nil {
		return nil, err
	}
	assistantTurn, err := tx.AppendTurn(ctx, conversation.TurnInput{
		ConversationID: conv.ID,
		Role:           conversation.RoleAssistant,
		Content:        reply,
		TokensUsed:     out.TokensUsed,
		Metadata:       meta,
	})
	if err != nil {
		return nil, err
	}

	title := conv.Title
	if assistantTurn.Seq == 2 && conv.Title == s.opts.DefaultTitle {
		title = DeriveTitle(ex.userContent, s.opts.TitleMaxChars)
		if err := tx.SetTitle(ctx, conv.ID, title); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true

	fields := map[string]interface{}{
		"op":              ex.op,
		"strategy":        ex.strategy,
		"conversation_id": conv.ID,
		"message_count":   assistantTurn.Seq,
	}
	if out.TokensUsed != nil {
		fields["tokens_used"] = *out.TokensUsed
	}
	if out.SearchFallback {
		fields["search_fallback"] = true
	}
	logger.InfoCF(component, "Exchange completed", fields)

	return &Result{
		ConversationID: conv.ID,
		Title:          title,
		Created:        created,
		Outcome:        out,
		TokensUsed:     out.TokensUsed,
		UserTurn:       userTurn,
		AssistantTurn:  assistantTurn,
	}, nil
}

// DeriveTitle truncates text to limit characters, adding an ellipsis when
// anything was cut.
func DeriveTitle(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit]) + "..."
}

// boundaryError makes sure every error leaving the service carries a kind.
func boundaryError(op string, err error) error {
	var fe *failure.Error
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return failure.Wrap(failure.Unknown, op, err, "")
	}
	return failure.Wrap(failure.Persistence, op, err, "")
}
