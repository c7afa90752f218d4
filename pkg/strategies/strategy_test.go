package strategies

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/asistech/pkg/failure"
	"github.com/dotsetgreg/asistech/pkg/llmclient"
	"github.com/dotsetgreg/asistech/pkg/providers"
	"github.com/dotsetgreg/asistech/pkg/videosearch"
)

type invocation struct {
	op      llmclient.Operation
	payload llmclient.Payload
}

type fakeCompleter struct {
	calls []invocation
	resp  *llmclient.Response
	err   error
}

func (f *fakeCompleter) Invoke(_ context.Context, op llmclient.Operation, p llmclient.Payload) (*llmclient.Response, error) {
	f.calls = append(f.calls, invocation{op: op, payload: p})
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		r := *f.resp
		if op == llmclient.OpVision {
			r.Analysis = r.Content
		}
		return &r, nil
	}
	return &llmclient.Response{Content: "ok", Model: "test-model", TokensUsed: 42, FinishReason: "stop"}, nil
}

type fakeVideos struct {
	enabled bool
	videos  []videosearch.Video
	err     error
	queries []string
}

func (f *fakeVideos) Enabled() bool { return f.enabled }

func (f *fakeVideos) Search(_ context.Context, q videosearch.Query) ([]videosearch.Video, error) {
	f.queries = append(f.queries, q.Text)
	return f.videos, f.err
}

func allEnabled(llm Completer) Deps {
	return Deps{LLM: llm, Features: Features{WebSearch: true, ImageAnalysis: true}}
}

func TestDefaultRegistry_Available(t *testing.T) {
	r := NewDefaultRegistry(allEnabled(&fakeCompleter{}))
	assert.Equal(t, []string{
		"chat", "code_assistant", "device_diagnostic", "image_analysis", "web_search", "youtube_search",
	}, r.Available())
	assert.True(t, r.Has(" Chat "))
	assert.False(t, r.Has("telepathy"))
}

func TestRegistry_UnknownStrategyIsConfigurationError(t *testing.T) {
	llm := &fakeCompleter{}
	r := NewDefaultRegistry(allEnabled(llm))

	_, err := r.Create("telepathy")
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.Configuration))
	assert.Contains(t, err.Error(), "chat")

	_, err = r.Execute(context.Background(), "telepathy", Input{Message: "hi"})
	assert.True(t, failure.Is(err, failure.Configuration))
	assert.Empty(t, llm.calls)
}

type echoStrategy struct{}

func (echoStrategy) Name() string { return "echo" }

func (echoStrategy) Execute(_ context.Context, in Input) Outcome {
	return Outcome{Success: true, Content: in.Message}
}

func TestRegistry_RegisterCustom(t *testing.T) {
	r := NewRegistry(Deps{})
	require.NoError(t, r.Register("echo", func(Deps) Strategy { return echoStrategy{} }))

	out, err := r.Execute(context.Background(), "echo", Input{Message: "ping"})
	require.NoError(t, err)
	assert.Equal(t, "ping", out.Content)

	assert.True(t, failure.Is(r.Register("", func(Deps) Strategy { return echoStrategy{} }), failure.Configuration))
	assert.True(t, failure.Is(r.Register("nil", nil), failure.Configuration))
}

func TestChat_PrependsPreambleOnce(t *testing.T) {
	llm := &fakeCompleter{}
	s := &chatStrategy{llm: llm}

	history := []providers.Message{
		{Role: providers.RoleUser, Content: "My printer is offline"},
		{Role: providers.RoleAssistant, Content: "Which model?"},
	}
	out := s.Execute(context.Background(), Input{Context: history, Message: "HP LaserJet Pro M404"})
	require.True(t, out.Success)
	require.NotNil(t, out.TokensUsed)
	assert.Equal(t, 42, *out.TokensUsed)
	assert.Equal(t, "test-model", out.Model)

	require.Len(t, llm.calls, 1)
	msgs := llm.calls[0].payload.Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, providers.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "AsisTech AI")
	assert.Equal(t, "HP LaserJet Pro M404", msgs[3].Content)
	assert.Equal(t, llmclient.OpChat, llm.calls[0].op)

	withSystem := append([]providers.Message{{Role: providers.RoleSystem, Content: "custom"}}, history...)
	s.Execute(context.Background(), Input{Context: withSystem, Message: "next"})
	msgs = llm.calls[1].payload.Messages
	assert.Equal(t, "custom", msgs[0].Content)
	assert.Len(t, msgs, 4)
}

func TestChat_FailureKeepsKind(t *testing.T) {
	cause := failure.New(failure.ProviderUnavailable, "chat", "provider unavailable after 3 attempts")
	s := &chatStrategy{llm: &fakeCompleter{err: cause}}

	out := s.Execute(context.Background(), Input{Message: "hello"})
	assert.False(t, out.Success)
	assert.Equal(t, failure.ProviderUnavailable, out.ErrorKind)
	assert.Equal(t, chatFailureContent, out.Content)

	err := out.Err()
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.ProviderUnavailable))
	assert.True(t, errors.Is(err, cause))
}

func TestChat_EmptyMessageRejected(t *testing.T) {
	llm := &fakeCompleter{}
	out := (&chatStrategy{llm: llm}).Execute(context.Background(), Input{Message: "  "})
	assert.False(t, out.Success)
	assert.Equal(t, failure.Configuration, out.ErrorKind)
	assert.Empty(t, llm.calls)
}

func TestWebSearch(t *testing.T) {
	llm := &fakeCompleter{resp: &llmclient.Response{
		Content:       "Latest firmware is 2.1",
		SearchResults: []llmclient.SearchResult{{Title: "HP Support", URL: "https://support.hp.com"}},
	}}
	s := &webSearchStrategy{llm: llm, enabled: true}

	out := s.Execute(context.Background(), Input{Query: "LaserJet M404 firmware"})
	require.True(t, out.Success)
	assert.Equal(t, "LaserJet M404 firmware", out.Query)
	require.Len(t, out.SearchResults, 1)
	assert.Equal(t, llmclient.OpSearch, llm.calls[0].op)

	msgs := llm.calls[0].payload.Messages
	assert.Equal(t, "Search the web for: LaserJet M404 firmware", msgs[len(msgs)-1].Content)
}

func TestWebSearch_Disabled(t *testing.T) {
	llm := &fakeCompleter{}
	out := (&webSearchStrategy{llm: llm}).Execute(context.Background(), Input{Query: "x"})
	assert.Equal(t, failure.Configuration, out.ErrorKind)
	assert.Empty(t, llm.calls)
}

func TestImageAnalysis(t *testing.T) {
	llm := &fakeCompleter{resp: &llmclient.Response{Content: "A router with a red light"}}
	s := &imageAnalysisStrategy{llm: llm, enabled: true}

	out := s.Execute(context.Background(), Input{ImageURL: "https://example.com/router.jpg"})
	require.True(t, out.Success)
	assert.Equal(t, "A router with a red light", out.Analysis)
	assert.Equal(t, "https://example.com/router.jpg", out.ImageURL)
	assert.Equal(t, "A router with a red light", out.Text())

	msgs := llm.calls[0].payload.Messages
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Parts, 2)
	assert.Equal(t, defaultImagePrompt, msgs[0].Parts[0].Text)
	assert.Equal(t, "https://example.com/router.jpg", msgs[0].Parts[1].ImageURL.URL)
	assert.Equal(t, llmclient.OpVision, llm.calls[0].op)
}

func TestImageAnalysis_MissingImage(t *testing.T) {
	llm := &fakeCompleter{}
	out := (&imageAnalysisStrategy{llm: llm, enabled: true}).Execute(context.Background(), Input{Prompt: "what is this"})
	assert.Equal(t, failure.Configuration, out.ErrorKind)
	assert.Empty(t, llm.calls)
}

func TestImageSource(t *testing.T) {
	assert.Equal(t, "https://x/y.png", ImageSource(" https://x/y.png ", "abc", ""))
	assert.Equal(t, "data:image/jpeg;base64,abc", ImageSource("", "abc", ""))
	assert.Equal(t, "data:image/png;base64,abc", ImageSource("", "abc", "image/png"))
	assert.Equal(t, "data:image/gif;base64,zz", ImageSource("", "data:image/gif;base64,zz", "image/png"))
	assert.Equal(t, "", ImageSource("", "", ""))
}

func TestCodeAssistant(t *testing.T) {
	llm := &fakeCompleter{}
	s := &codeAssistantStrategy{llm: llm}

	out := s.Execute(context.Background(), Input{Query: "Why does this panic?", Snippet: "var m map[string]int\nm[\"a\"] = 1", Language: "Go"})
	require.True(t, out.Success)
	assert.Equal(t, "go", out.Language)

	p := llm.calls[0].payload
	require.NotNil(t, p.Temperature)
	assert.InDelta(t, 0.2, *p.Temperature, 1e-9)
	assert.Equal(t, codePreamble, p.Messages[0].Content)
	last := p.Messages[len(p.Messages)-1].Content
	assert.True(t, strings.HasPrefix(last, "Why does this panic?\n\nCode context:\n```go\n"), last)
}

func TestYouTube_RecommendsFoundVideos(t *testing.T) {
	llm := &fakeCompleter{resp: &llmclient.Response{Content: "Watch the first one."}}
	videos := &fakeVideos{enabled: true, videos: []videosearch.Video{
		{Title: "Fix printer offline", URL: "https://www.youtube.com/watch?v=a1", Channel: "TechFix"},
		{Title: "Reset spooler", URL: "https://www.youtube.com/watch?v=b2"},
	}}
	s := &youTubeSearchStrategy{llm: llm, videos: videos}

	out := s.Execute(context.Background(), Input{Problem: "printer offline", DeviceInfo: "HP LaserJet Pro M404"})
	require.True(t, out.Success)
	assert.Equal(t, []string{"HP LaserJet Pro M404 printer offline fix tutorial"}, videos.queries)
	assert.Equal(t, "https://www.youtube.com/watch?v=a1", out.VideoURL)
	assert.Len(t, out.Videos, 2)
	assert.True(t, strings.HasPrefix(out.Content, "**YouTube Video Recommendations:**\n\nWatch the first one."))
	assert.Contains(t, out.Content, "**Videos Found:**")

	p := llm.calls[0].payload
	require.NotNil(t, p.Temperature)
	assert.InDelta(t, 0.5, *p.Temperature, 1e-9)
	assert.Contains(t, p.Messages[1].Content, "Device: HP LaserJet Pro M404")
}

func TestYouTube_FallsBackToSearchLink(t *testing.T) {
	llm := &fakeCompleter{resp: &llmclient.Response{Content: "Search for spooler reset guides."}}
	videos := &fakeVideos{enabled: true, err: errors.New("quota exceeded")}
	s := &youTubeSearchStrategy{llm: llm, videos: videos}

	out := s.Execute(context.Background(), Input{Problem: "printer offline"})
	require.True(t, out.Success)
	assert.Equal(t, "https://www.youtube.com/results?search_query=printer+offline", out.VideoURL)
	assert.Contains(t, out.Content, "[Click here to search YouTube](https://www.youtube.com/results?search_query=printer+offline)")
	assert.Empty(t, out.Videos)
}

func TestYouTube_DisabledBackendSkipsSearch(t *testing.T) {
	videos := &fakeVideos{enabled: false}
	s := &youTubeSearchStrategy{llm: &fakeCompleter{}, videos: videos}
	out := s.Execute(context.Background(), Input{Message: "wifi drops"})
	require.True(t, out.Success)
	assert.Empty(t, videos.queries)
	assert.Equal(t, "wifi drops", out.SearchQuery)
}

func TestDeviceDiagnostic(t *testing.T) {
	llm := &fakeCompleter{resp: &llmclient.Response{Content: "1. Check the cable"}}
	s := &deviceDiagnosticStrategy{llm: llm}

	out := s.Execute(context.Background(), Input{DeviceType: "laptop", DeviceInfo: "Dell XPS 15", OS: "Windows 11"})
	require.True(t, out.Success)
	assert.Equal(t, "## Diagnostic Steps for Dell XPS 15\n\n1. Check the cable", out.Content)
	assert.Equal(t, "laptop", out.DeviceType)

	prompt := llm.calls[0].payload.Messages[1].Content
	for _, want := range []string{"Device Type: laptop", "Operating System: Windows 11", "Problem: General diagnostics", "Quick Checks", "Safety Warnings"} {
		assert.Contains(t, prompt, want)
	}
	assert.InDelta(t, 0.3, *llm.calls[0].payload.Temperature, 1e-9)

	out = s.Execute(context.Background(), Input{})
	assert.Equal(t, failure.Configuration, out.ErrorKind)
}

func TestFixedTemperaturesIgnoreCallerValue(t *testing.T) {
	cases := []struct {
		name string
		in   Input
		want float64
	}{
		{name: CodeAssistant, in: Input{Query: "why nil map panic?"}, want: 0.2},
		{name: DeviceDiagnostic, in: Input{DeviceType: "router"}, want: 0.3},
		{name: YouTubeSearch, in: Input{Problem: "router keeps rebooting"}, want: 0.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			llm := &fakeCompleter{}
			reg := NewDefaultRegistry(Deps{LLM: llm, Videos: &fakeVideos{}})

			in := tc.in
			in.Temperature = floatPtr(1.5)
			_, err := reg.Execute(context.Background(), tc.name, in)
			require.NoError(t, err)

			require.Len(t, llm.calls, 1)
			require.NotNil(t, llm.calls[0].payload.Temperature)
			assert.InDelta(t, tc.want, *llm.calls[0].payload.Temperature, 1e-9)
		})
	}
}

func TestDefaultRegistryWithoutLLMRefuses(t *testing.T) {
	reg := NewDefaultRegistry(Deps{Features: Features{WebSearch: true, ImageAnalysis: true}})
	for _, name := range reg.Available() {
		out, err := reg.Execute(context.Background(), name, Input{Message: "hi", Query: "hi", ImageURL: "https://example.com/a.png", DeviceType: "laptop"})
		require.Error(t, err, name)
		assert.True(t, failure.Is(err, failure.Configuration), name)
		assert.False(t, out.Success)
	}
}

func TestOutcomeErr(t *testing.T) {
	assert.NoError(t, Outcome{Success: true}.Err())

	err := Outcome{Error: "boom", strategy: "chat"}.Err()
	assert.True(t, failure.Is(err, failure.Strategy))
	assert.Equal(t, "chat: boom", err.Error())
}
