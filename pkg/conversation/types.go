// Package conversation persists conversations and their turns. Orchestrated
// writes go through a Tx so a failed exchange leaves no trace; management
// reads and lifecycle changes run directly against the Store.
package conversation

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusDeleted  Status = "deleted"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusArchived, StatusDeleted:
		return true
	}
	return false
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

const (
	DefaultTitle    = "New Conversation"
	MaxContentChars = 50000
)

var (
	ErrNotFound       = errors.New("conversation not found")
	ErrInvalidContent = errors.New("invalid turn content")
	ErrTxDone         = errors.New("transaction already committed or rolled back")
)

type Conversation struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	Title        string         `json:"title"`
	Status       Status         `json:"status"`
	MessageCount int            `json:"message_count"`
	LastActivity time.Time      `json:"last_activity"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Turn is immutable once stored.
type Turn struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Seq            int            `json:"seq"`
	Role           Role           `json:"role"`
	Content        string         `json:"content"`
	TokensUsed     *int           `json:"tokens_used,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

type TurnInput struct {
	ConversationID string
	Role           Role
	Content        string
	TokensUsed     *int
	Metadata       map[string]any
}

type ListOptions struct {
	// Status filters by lifecycle state. Empty lists everything not deleted.
	Status Status
	Limit  int
	Offset int
}

// Tx stages conversation mutations. Nothing is visible to other readers
// until Commit; Rollback discards every change made through the Tx.
type Tx interface {
	// GetOrCreate loads the owner's conversation with id. When id is empty or
	// names no live conversation of owner, a new active conversation is
	// staged and created is true.
	GetOrCreate(ctx context.Context, owner, id, defaultTitle string) (conv *Conversation, created bool, err error)
	// AppendTurn stores a turn and increments the conversation's message count.
	AppendTurn(ctx context.Context, in TurnInput) (*Turn, error)
	// RecentTurns returns up to limit turns, most recent first.
	RecentTurns(ctx context.Context, conversationID string, limit int) ([]Turn, error)
	SetTitle(ctx context.Context, conversationID, title string) error
	Commit() error
	Rollback() error
}

type Store interface {
	Begin(ctx context.Context) (Tx, error)

	Get(ctx context.Context, owner, id string) (*Conversation, error)
	// RecentTurns returns up to limit committed turns, most recent first.
	RecentTurns(ctx context.Context, conversationID string, limit int) ([]Turn, error)
	List(ctx context.Context, owner string, opts ListOptions) ([]Conversation, error)
	SearchByTitle(ctx context.Context, owner, text string, limit int) ([]Conversation, error)
	Archive(ctx context.Context, owner, id string) error
	Delete(ctx context.Context, owner, id string) error
	CountByUser(ctx context.Context, owner string, status Status) (int, error)
	TotalTokens(ctx context.Context, id string) (int, error)
	// Turns returns turns oldest first.
	Turns(ctx context.Context, id string, limit, offset int) ([]Turn, error)

	Close() error
}
