// AsisTech - technical support assistant
// Conversations are stored locally; completions go to the configured provider.

package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/chzyer/readline"
	"github.com/dotsetgreg/asistech/pkg/assistant"
	"github.com/dotsetgreg/asistech/pkg/config"
	"github.com/dotsetgreg/asistech/pkg/conversation"
	"github.com/dotsetgreg/asistech/pkg/failure"
	"github.com/dotsetgreg/asistech/pkg/llmclient"
	"github.com/dotsetgreg/asistech/pkg/logger"
	"github.com/dotsetgreg/asistech/pkg/providers"
	"github.com/dotsetgreg/asistech/pkg/strategies"
	"github.com/dotsetgreg/asistech/pkg/videosearch"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "asistech"

var (
	assistantLabel = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	mutedText      = lipgloss.NewStyle().Faint(true)
	errorLabel     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	headingText    = lipgloss.NewStyle().Bold(true).Underline(true)
)

// formatVersion returns the version string with optional git commit
func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Fprintf(w, "  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Fprintf(w, "  Go: %s\n", goVer)
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := executeCLI(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %s\n", errorLabel.Render("Error:"), describeError(err))
		os.Exit(1)
	}
}

func describeError(err error) string {
	kind := failure.KindOf(err)
	if kind == failure.Unknown {
		return err.Error()
	}
	return fmt.Sprintf("%s (%s)", err.Error(), kind)
}

func getConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("ASISTECH_CONFIG")); p != "" {
		return config.ExpandHome(p)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".asistech", "config.json")
}

func defaultUser() string {
	for _, key := range []string{"ASISTECH_USER", "USER", "USERNAME"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return "local"
}

// globalOptions holds the persistent root flags.
type globalOptions struct {
	configPath string
	user       string
	debug      bool
	jsonOutput bool
}

func (g *globalOptions) loadConfig() (*config.Config, error) {
	path := g.configPath
	if path == "" {
		path = getConfigPath()
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, failure.Wrap(failure.Configuration, "load_config", err, fmt.Sprintf("cannot load %s", path))
	}
	if err := cfg.Validate(); err != nil {
		return nil, failure.Wrap(failure.Configuration, "load_config", err, err.Error())
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, failure.Wrap(failure.Configuration, "load_config", err, err.Error())
	}
	if g.debug {
		level = logger.DEBUG
	}
	logger.SetLevel(level)
	if cfg.Log.Format != "" {
		if err := logger.SetFormat(cfg.Log.Format); err != nil {
			return nil, failure.Wrap(failure.Configuration, "load_config", err, err.Error())
		}
	}
	return cfg, nil
}

// app is one fully wired service plus the resources it owns.
type app struct {
	cfg    *config.Config
	store  *conversation.SQLiteStore
	client *llmclient.Client
	svc    *assistant.Service
}

// openApp wires config, storage and strategies. Without withProvider the
// registry has no completer, which is enough for listing and management.
func openApp(g *globalOptions, withProvider bool) (*app, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	deps := strategies.Deps{
		Features: strategies.Features{
			WebSearch:     cfg.Assistant.EnableWebSearch,
			ImageAnalysis: cfg.Assistant.EnableImageAnalysis,
		},
	}

	var checker assistant.ProviderChecker
	if withProvider {
		provider, err := providers.CreateProvider(cfg)
		if err != nil {
			return nil, failure.Wrap(failure.Configuration, "create_provider", err, err.Error())
		}
		client, err := llmclient.New(provider, llmclient.OptionsFromConfig(cfg))
		if err != nil {
			return nil, err
		}
		a.client = client
		checker = client
		deps.LLM = client
		deps.Videos = videosearch.New(videosearch.OptionsFromConfig(cfg))
	}

	store, err := conversation.NewSQLiteStore(cfg.StoragePath())
	if err != nil {
		return nil, err
	}
	a.store = store

	svc, err := assistant.NewService(store, strategies.NewDefaultRegistry(deps), checker, assistant.OptionsFromConfig(cfg))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.svc = svc

	logger.DebugCF("cli", "Service initialized",
		map[string]interface{}{
			"storage":      cfg.StoragePath(),
			"provider":     withProvider,
			"web_search":   cfg.Assistant.EnableWebSearch,
			"image_vision": cfg.Assistant.EnableImageAnalysis,
		})
	return a, nil
}

func (a *app) Close() {
	if a.store != nil {
		_ = a.store.Close()
	}
}

// imageFromFile reads a local image and returns it base64 encoded with the
// MIME type implied by its extension.
func imageFromFile(path string) (data string, mimeType string, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", "", failure.Wrap(failure.Configuration, "analyze_image", err, fmt.Sprintf("cannot read image %s", path))
	}
	if len(raw) == 0 {
		return "", "", failure.Newf(failure.Configuration, "analyze_image", "image %s is empty", path)
	}
	mimeType = mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = "image/jpeg"
	}
	return base64.StdEncoding.EncodeToString(raw), mimeType, nil
}

func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printResult(w io.Writer, res *assistant.Result, asJSON bool) error {
	if asJSON {
		return printJSON(w, res)
	}

	fmt.Fprintf(w, "\n%s %s\n", assistantLabel.Render(appName+":"), res.Outcome.Text())

	if len(res.Outcome.SearchResults) > 0 {
		fmt.Fprintf(w, "\n%s\n", headingText.Render("Sources"))
		for i, r := range res.Outcome.SearchResults {
			fmt.Fprintf(w, "  %d. %s %s\n", i+1, r.Title, mutedText.Render(r.URL))
		}
	}
	if res.Outcome.SearchFallback {
		fmt.Fprintf(w, "%s\n", mutedText.Render("web search unavailable, answered without it: "+res.Outcome.FallbackReason))
	}

	footer := fmt.Sprintf("conversation %s", res.ConversationID)
	if res.TokensUsed != nil {
		footer += fmt.Sprintf(", %d tokens", *res.TokensUsed)
	}
	fmt.Fprintf(w, "\n%s\n", mutedText.Render(footer))
	return nil
}

func printConversations(w io.Writer, convs []conversation.Conversation) {
	if len(convs) == 0 {
		fmt.Fprintln(w, "No conversations.")
		return
	}
	for _, c := range convs {
		fmt.Fprintf(w, "%s  %-9s %3d msgs  %s  %s\n",
			c.ID,
			c.Status,
			c.MessageCount,
			c.LastActivity.Local().Format("2006-01-02 15:04"),
			c.Title,
		)
	}
}

// chatSession keeps the REPL on one conversation until /new.
type chatSession struct {
	svc            *assistant.Service
	user           string
	conversationID string
	out            io.Writer
	asJSON         bool
}

// handle processes one REPL line. It reports false when the session should
// end.
func (s *chatSession) handle(ctx context.Context, input string) bool {
	switch input {
	case "":
		return true
	case "exit", "quit":
		fmt.Fprintln(s.out, "Goodbye!")
		return false
	case "/new":
		s.conversationID = ""
		fmt.Fprintln(s.out, mutedText.Render("Started a new conversation."))
		return true
	}

	res, err := s.svc.Chat(ctx, assistant.ChatRequest{
		UserID:         s.user,
		ConversationID: s.conversationID,
		Message:        input,
	})
	if err != nil {
		fmt.Fprintf(s.out, "%s %s\n\n", errorLabel.Render("Error:"), describeError(err))
		return ctx.Err() == nil
	}
	s.conversationID = res.ConversationID
	_ = printResult(s.out, res, s.asJSON)
	fmt.Fprintln(s.out)
	return true
}

func interactiveMode(ctx context.Context, s *chatSession) {
	prompt := fmt.Sprintf("%s You: ", appName)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     filepath.Join(os.TempDir(), ".asistech_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(s.out, "Error initializing readline: %v\n", err)
		fmt.Fprintln(s.out, "Falling back to simple input mode...")
		simpleInteractiveMode(ctx, s, os.Stdin)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Fprintln(s.out, "\nGoodbye!")
				return
			}
			fmt.Fprintf(s.out, "Error reading input: %v\n", err)
			continue
		}
		if !s.handle(ctx, strings.TrimSpace(line)) {
			return
		}
	}
}

func simpleInteractiveMode(ctx context.Context, s *chatSession, in io.Reader) {
	reader := bufio.NewReader(in)
	for {
		fmt.Fprintf(s.out, "%s You: ", appName)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			if err == io.EOF {
				fmt.Fprintln(s.out, "\nGoodbye!")
				return
			}
			fmt.Fprintf(s.out, "Error reading input: %v\n", err)
			return
		}
		if !s.handle(ctx, strings.TrimSpace(line)) {
			return
		}
	}
}
