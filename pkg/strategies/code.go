package strategies

import (
	"context"
	"fmt"
	"strings"

	"github.com/dotsetgreg/asistech/pkg/llmclient"
	"github.com/dotsetgreg/asistech/pkg/providers"
)

const (
	codePreamble        = "You are an expert programming assistant. Provide clear, accurate code help with explanations."
	codeTemperature     = 0.2
	codeFailureContent  = "I couldn't help with that code question. Please try again."
	defaultCodeLanguage = "text"
)

// codeAssistantStrategy answers a programming question, optionally about a
// snippet. Input: Query or Message (required), Snippet, Language, Context.
type codeAssistantStrategy struct {
	llm Completer
}

func (s *codeAssistantStrategy) Name() string { return CodeAssistant }

func (s *codeAssistantStrategy) Execute(ctx context.Context, in Input) Outcome {
	query := strings.TrimSpace(in.Query)
	if query == "" {
		query = strings.TrimSpace(in.Message)
	}
	if query == "" {
		return configurationOutcome(CodeAssistant, "code question is required")
	}
	language := strings.ToLower(orDefault(in.Language, defaultCodeLanguage))

	content := query
	if snippet := strings.TrimSpace(in.Snippet); snippet != "" {
		content = fmt.Sprintf("%s\n\nCode context:\n```%s\n%s\n```", query, language, snippet)
	}

	msgs := withPreamble(in.Context, codePreamble)
	msgs = append(msgs, providers.Message{Role: providers.RoleUser, Content: content})

	p := payload(in, msgs)
	p.Temperature = floatPtr(codeTemperature)
	resp, err := s.llm.Invoke(ctx, llmclient.OpChat, p)
	if err != nil {
		out := failedOutcome(CodeAssistant, err, codeFailureContent)
		out.Language = language
		return out
	}
	return Outcome{
		Success:      true,
		Content:      resp.Content,
		TokensUsed:   tokens(resp),
		Model:        resp.Model,
		FinishReason: resp.FinishReason,
		Language:     language,
		strategy:     CodeAssistant,
	}
}
