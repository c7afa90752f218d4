package strategies

import (
	"context"
	"strings"

	"github.com/dotsetgreg/asistech/pkg/llmclient"
	"github.com/dotsetgreg/asistech/pkg/providers"
)

const supportPreamble = `You are AsisTech AI, an expert technical support assistant.

When helping users:
1. If the device make or model is unknown, ask for it (for example "HP LaserJet Pro M404", "iPhone 14 Pro", "Dell XPS 15", "PlayStation 5").
2. Ask for the operating system or firmware version when it matters.
3. Ask clarifying questions before suggesting risky changes.

Structure solutions as:
- Quick fixes to try first
- Step-by-step diagnostic steps
- Advanced troubleshooting
- When to seek professional help

Be friendly, clear and patient. Avoid jargon unless the user is clearly technical.`

const chatFailureContent = "I encountered an error processing your request. Please try again."

// chatStrategy answers a free-form support message using prior context.
// Input: Message (required), Context.
type chatStrategy struct {
	llm Completer
}

func (s *chatStrategy) Name() string { return Chat }

func (s *chatStrategy) Execute(ctx context.Context, in Input) Outcome {
	msg := strings.TrimSpace(in.Message)
	if msg == "" && len(in.Context) == 0 {
		return configurationOutcome(Chat, "message is required")
	}

	msgs := withPreamble(in.Context, supportPreamble)
	if msg != "" {
		msgs = append(msgs, providers.Message{Role: providers.RoleUser, Content: msg})
	}

	resp, err := s.llm.Invoke(ctx, llmclient.OpChat, payload(in, msgs))
	if err != nil {
		return failedOutcome(Chat, err, chatFailureContent)
	}
	return Outcome{
		Success:      true,
		Content:      resp.Content,
		TokensUsed:   tokens(resp),
		Model:        resp.Model,
		FinishReason: resp.FinishReason,
		strategy:     Chat,
	}
}

// withPreamble copies history and prepends a system turn unless one is
// already first.
func withPreamble(history []providers.Message, preamble string) []providers.Message {
	out := make([]providers.Message, 0, len(history)+2)
	if len(history) == 0 || history[0].Role != providers.RoleSystem {
		out = append(out, providers.Message{Role: providers.RoleSystem, Content: preamble})
	}
	return append(out, history...)
}
