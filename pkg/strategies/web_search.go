package strategies

import (
	"context"
	"strings"

	"github.com/dotsetgreg/asistech/pkg/llmclient"
	"github.com/dotsetgreg/asistech/pkg/providers"
)

const webSearchFailureContent = "I couldn't complete the web search. Please try again."

// webSearchStrategy asks a search-capable model and reports its citations.
// Input: Query (required), Context.
type webSearchStrategy struct {
	llm     Completer
	enabled bool
}

func (s *webSearchStrategy) Name() string { return WebSearch }

func (s *webSearchStrategy) Execute(ctx context.Context, in Input) Outcome {
	if !s.enabled {
		return configurationOutcome(WebSearch, "web search is disabled")
	}
	query := strings.TrimSpace(in.Query)
	if query == "" {
		query = strings.TrimSpace(in.Message)
	}
	if query == "" {
		return configurationOutcome(WebSearch, "search query is required")
	}

	msgs := make([]providers.Message, 0, len(in.Context)+1)
	msgs = append(msgs, in.Context...)
	msgs = append(msgs, providers.Message{Role: providers.RoleUser, Content: "Search the web for: " + query})

	resp, err := s.llm.Invoke(ctx, llmclient.OpSearch, payload(in, msgs))
	if err != nil {
		out := failedOutcome(WebSearch, err, webSearchFailureContent)
		out.Query = query
		return out
	}
	return Outcome{
		Success:        true,
		Content:        resp.Content,
		TokensUsed:     tokens(resp),
		Model:          resp.Model,
		FinishReason:   resp.FinishReason,
		Query:          query,
		SearchResults:  resp.SearchResults,
		SearchFallback: resp.SearchFallback,
		FallbackReason: resp.FallbackReason,
		strategy:       WebSearch,
	}
}
