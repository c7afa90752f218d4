package assistant

import (
	"context"

	"github.com/dotsetgreg/asistech/pkg/conversation"
	"github.com/dotsetgreg/asistech/pkg/providers"
)

// TurnReader is the read side of the conversation store.
type TurnReader interface {
	RecentTurns(ctx context.Context, conversationID string, limit int) ([]conversation.Turn, error)
}

// ContextBuilder turns stored history into provider messages. It never
// writes.
type ContextBuilder struct{}

func NewContextBuilder() *ContextBuilder {
	return &ContextBuilder{}
}

// Build returns at most maxTurns of the latest turns, oldest first.
func (b *ContextBuilder) Build(ctx context.Context, r TurnReader, conversationID string, maxTurns int) ([]providers.Message, error) {
	if maxTurns <= 0 || conversationID == "" {
		return []providers.Message{}, nil
	}
	turns, err := r.RecentTurns(ctx, conversationID, maxTurns)
	if err != nil {
		return nil, err
	}
	if len(turns) > maxTurns {
		turns = turns[:maxTurns]
	}

	msgs := make([]providers.Message, 0, len(turns))
	for i := len(turns) - 1; i >= 0; i-- {
		msgs = append(msgs, providers.Message{
			Role:    providerRole(turns[i].Role),
			Content: turns[i].Content,
		})
	}
	return msgs, nil
}

func providerRole(r conversation.Role) providers.Role {
	switch r {
	case conversation.RoleAssistant:
		return providers.RoleAssistant
	case conversation.RoleSystem:
		return providers.RoleSystem
	default:
		return providers.RoleUser
	}
}
