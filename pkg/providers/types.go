package providers

import (
	"context"
	"encoding/json"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

const (
	PartText     = "text"
	PartImageURL = "image_url"
)

// ImageURL references an image by URL or as a data: URL.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// ContentPart is one element of a multi-part message.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

func ImagePart(url, detail string) ContentPart {
	return ContentPart{Type: PartImageURL, ImageURL: &ImageURL{URL: url, Detail: detail}}
}

// Message is a single chat turn. When Parts is non-empty it takes precedence
// over Content and the message is sent as a multi-part array.
type Message struct {
	Role    Role          `json:"role"`
	Content string        `json:"-"`
	Parts   []ContentPart `json:"-"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.Parts) > 0 {
		return json.Marshal(struct {
			Role    Role          `json:"role"`
			Content []ContentPart `json:"content"`
		}{m.Role, m.Parts})
	}
	return json.Marshal(struct {
		Role    Role   `json:"role"`
		Content string `json:"content"`
	}{m.Role, m.Content})
}

// Text returns the message text, joining text parts for multi-part messages.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	out := ""
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

type CompletionRequest struct {
	Messages    []Message
	Model       string
	Temperature *float64
	MaxTokens   int
	// WebSearch asks the provider to ground the answer in live web results.
	WebSearch bool
	User      string
}

type UsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Citation struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

type Completion struct {
	Content      string
	Role         Role
	Model        string
	FinishReason string
	Usage        *UsageInfo
	Citations    []Citation
}

// Provider is a chat-completion backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
	ListModels(ctx context.Context) ([]string, error)
}
