package assistant

import (
	"context"
	"errors"
	"testing"

	"github.com/dotsetgreg/asistech/pkg/conversation"
	"github.com/dotsetgreg/asistech/pkg/providers"
)

type stubReader struct {
	turns []conversation.Turn
	err   error
	limit int
}

func (r *stubReader) RecentTurns(_ context.Context, _ string, limit int) ([]conversation.Turn, error) {
	r.limit = limit
	if r.err != nil {
		return nil, r.err
	}
	return r.turns, nil
}

func TestContextBuilder_ReversesToChronological(t *testing.T) {
	r := &stubReader{turns: []conversation.Turn{
		{Seq: 3, Role: conversation.RoleUser, Content: "third"},
		{Seq: 2, Role: conversation.RoleAssistant, Content: "second"},
		{Seq: 1, Role: conversation.RoleUser, Content: "first"},
	}}
	msgs, err := NewContextBuilder().Build(context.Background(), r, "c1", 3)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if r.limit != 3 {
		t.Fatalf("expected limit 3, got %d", r.limit)
	}
	want := []string{"first", "second", "third"}
	for i, m := range msgs {
		if m.Content != want[i] {
			t.Fatalf("message %d = %q, want %q", i, m.Content, want[i])
		}
	}
	if msgs[1].Role != providers.RoleAssistant {
		t.Fatalf("expected assistant role, got %s", msgs[1].Role)
	}
}

func TestContextBuilder_TrimsOversizedReads(t *testing.T) {
	r := &stubReader{turns: []conversation.Turn{
		{Content: "c"}, {Content: "b"}, {Content: "a"},
	}}
	msgs, err := NewContextBuilder().Build(context.Background(), r, "c1", 2)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "b" || msgs[1].Content != "c" {
		t.Fatalf("unexpected context: %#v", msgs)
	}
}

func TestContextBuilder_ZeroBoundReadsNothing(t *testing.T) {
	r := &stubReader{err: errors.New("should not be called")}
	msgs, err := NewContextBuilder().Build(context.Background(), r, "c1", 0)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("expected empty context, got %v %v", msgs, err)
	}
}
