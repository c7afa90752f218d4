package assistant

import (
	"context"
	"errors"
	"strings"

	"github.com/dotsetgreg/asistech/pkg/conversation"
	"github.com/dotsetgreg/asistech/pkg/failure"
	"github.com/dotsetgreg/asistech/pkg/logger"
)

const maxDetailTurns = 500

// ConversationDetail is a conversation with its turns, oldest first.
type ConversationDetail struct {
	conversation.Conversation
	Turns       []conversation.Turn `json:"turns"`
	TotalTokens int                 `json:"total_tokens"`
}

type Stats struct {
	Active   int `json:"active"`
	Archived int `json:"archived"`
	Total    int `json:"total"`

	// Set when a single conversation was requested.
	ConversationID string `json:"conversation_id,omitempty"`
	MessageCount   int    `json:"message_count,omitempty"`
	TotalTokens    int    `json:"total_tokens,omitempty"`
}

// lookupError gives a missing conversation a kind so callers can branch on
// it; the sentinel stays reachable through errors.Is.
func lookupError(op string, err error) error {
	if errors.Is(err, conversation.ErrNotFound) {
		return failure.Wrap(failure.Configuration, op, err, "conversation not found")
	}
	return err
}

func requireUser(op, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return failure.New(failure.Configuration, op, "user id is required")
	}
	return nil
}

func (s *Service) GetConversation(ctx context.Context, userID, conversationID string) (*ConversationDetail, error) {
	if err := requireUser("get_conversation", userID); err != nil {
		return nil, err
	}
	conv, err := s.store.Get(ctx, userID, conversationID)
	if err != nil {
		return nil, lookupError("get_conversation", err)
	}
	turns, err := s.store.Turns(ctx, conv.ID, maxDetailTurns, 0)
	if err != nil {
		return nil, err
	}
	total, err := s.store.TotalTokens(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	return &ConversationDetail{Conversation: *conv, Turns: turns, TotalTokens: total}, nil
}

func (s *Service) ListConversations(ctx context.Context, userID string, opts conversation.ListOptions) ([]conversation.Conversation, error) {
	if err := requireUser("list_conversations", userID); err != nil {
		return nil, err
	}
	if opts.Status != "" && !opts.Status.Valid() {
		return nil, failure.Newf(failure.Configuration, "list_conversations", "unknown status %q", opts.Status)
	}
	return s.store.List(ctx, userID, opts)
}

func (s *Service) SearchConversations(ctx context.Context, userID, text string, limit int) ([]conversation.Conversation, error) {
	if err := requireUser("search_conversations", userID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, failure.New(failure.Configuration, "search_conversations", "search text is required")
	}
	return s.store.SearchByTitle(ctx, userID, text, limit)
}

func (s *Service) ArchiveConversation(ctx context.Context, userID, conversationID string) error {
	if err := requireUser("archive_conversation", userID); err != nil {
		return err
	}
	if err := s.store.Archive(ctx, userID, conversationID); err != nil {
		return lookupError("archive_conversation", err)
	}
	logger.InfoCF(component, "Conversation archived", map[string]interface{}{"conversation_id": conversationID})
	return nil
}

func (s *Service) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	if err := requireUser("delete_conversation", userID); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, userID, conversationID); err != nil {
		return lookupError("delete_conversation", err)
	}
	logger.InfoCF(component, "Conversation deleted", map[string]interface{}{"conversation_id": conversationID})
	return nil
}

// ConversationStats counts the user's conversations. With a conversation id
// it also reports that conversation's message count and token total.
func (s *Service) ConversationStats(ctx context.Context, userID, conversationID string) (*Stats, error) {
	if err := requireUser("conversation_stats", userID); err != nil {
		return nil, err
	}
	active, err := s.store.CountByUser(ctx, userID, conversation.StatusActive)
	if err != nil {
		return nil, err
	}
	archived, err := s.store.CountByUser(ctx, userID, conversation.StatusArchived)
	if err != nil {
		return nil, err
	}
	stats := &Stats{Active: active, Archived: archived, Total: active + archived}

	if conversationID = strings.TrimSpace(conversationID); conversationID != "" {
		conv, err := s.store.Get(ctx, userID, conversationID)
		if err != nil {
			return nil, lookupError("conversation_stats", err)
		}
		tokens, err := s.store.TotalTokens(ctx, conv.ID)
		if err != nil {
			return nil, err
		}
		stats.ConversationID = conv.ID
		stats.MessageCount = conv.MessageCount
		stats.TotalTokens = tokens
	}
	return stats, nil
}

func (s *Service) AvailableStrategies() []string {
	return s.strategies.Available()
}

// CheckProvider verifies the provider credentials with a cheap request.
func (s *Service) CheckProvider(ctx context.Context) error {
	if s.provider == nil {
		return failure.New(failure.Configuration, "check_provider", "no provider configured")
	}
	if err := s.provider.ValidateAPIKey(ctx); err != nil {
		logger.WarnCF(component, "Provider check failed",
			map[string]interface{}{
				"provider": s.provider.ProviderName(),
				"error":    err.Error(),
			})
		return err
	}
	return nil
}
