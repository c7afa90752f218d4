package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/dotsetgreg/asistech/pkg/assistant"
	"github.com/dotsetgreg/asistech/pkg/config"
	"github.com/dotsetgreg/asistech/pkg/conversation"
	"github.com/dotsetgreg/asistech/pkg/providers"
	"github.com/dotsetgreg/asistech/pkg/strategies"
	"github.com/spf13/cobra"
)

func executeCLI(ctx context.Context) error {
	root := buildRootCommand()
	return root.ExecuteContext(ctx)
}

func buildRootCommand() *cobra.Command {
	var showVersion bool
	g := &globalOptions{}

	root := &cobra.Command{
		Use:   appName,
		Short: "Technical support assistant with chat, web search, image analysis and diagnostics",
		Long: strings.TrimSpace(`asistech answers technical support questions using the configured
LLM provider and keeps every exchange in a local conversation history.

Use chat for free-form questions, or the dedicated commands for web search,
image analysis, code help, YouTube tutorials and device diagnostics.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "Config file (default ~/.asistech/config.json or $ASISTECH_CONFIG)")
	pf.StringVarP(&g.user, "user", "u", defaultUser(), "User that owns the conversations")
	pf.BoolVarP(&g.debug, "debug", "d", false, "Enable debug logging")
	pf.BoolVar(&g.jsonOutput, "json", false, "Print results as JSON")

	root.AddCommand(newOnboardCommand(g))
	root.AddCommand(newChatCommand(g))
	root.AddCommand(newSearchCommand(g))
	root.AddCommand(newAnalyzeImageCommand(g))
	root.AddCommand(newCodeCommand(g))
	root.AddCommand(newYouTubeCommand(g))
	root.AddCommand(newDiagnoseCommand(g))
	root.AddCommand(newConversationsCommand(g))
	root.AddCommand(newStrategiesCommand(g))
	root.AddCommand(newStatusCommand(g))
	root.AddCommand(newVersionCommand())

	return root
}

// withApp opens the service for one command and closes it afterwards.
func withApp(g *globalOptions, withProvider bool, fn func(a *app) error) error {
	a, err := openApp(g, withProvider)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func newOnboardCommand(g *globalOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:     "onboard",
		Short:   "Write a default config file",
		Long:    "Create the default configuration file. Set provider.api_key in it or export ASISTECH_PROVIDER_API_KEY.",
		Example: "  asistech onboard\n  asistech onboard --config ./asistech.json --force",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := g.configPath
			if path == "" {
				path = getConfigPath()
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
			}
			if err := config.SaveConfig(path, config.DefaultConfig()); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config written to %s\n", path)
			fmt.Fprintln(out, "Next: set provider.api_key (or ASISTECH_PROVIDER_API_KEY) and run `asistech status`.")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config")
	return cmd
}

func newChatCommand(g *globalOptions) *cobra.Command {
	var (
		message        string
		conversationID string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the assistant (interactive when no message is given)",
		Example: strings.Join([]string{
			"  asistech chat",
			"  asistech chat --message \"my printer shows offline\"",
			"  asistech chat -c <conversation-id> -m \"that did not help\"",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(g, true, func(a *app) error {
				out := cmd.OutOrStdout()
				if strings.TrimSpace(message) == "" {
					fmt.Fprintf(out, "%s Interactive mode (Ctrl+C to exit, /new for a fresh conversation)\n\n", appName)
					interactiveMode(cmd.Context(), &chatSession{
						svc:            a.svc,
						user:           g.user,
						conversationID: conversationID,
						out:            out,
						asJSON:         g.jsonOutput,
					})
					return nil
				}
				res, err := a.svc.Chat(cmd.Context(), assistant.ChatRequest{
					UserID:         g.user,
					ConversationID: conversationID,
					Message:        message,
				})
				if err != nil {
					return err
				}
				return printResult(out, res, g.jsonOutput)
			})
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "One-shot message")
	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "Continue an existing conversation")
	return cmd
}

func newSearchCommand(g *globalOptions) *cobra.Command {
	var conversationID string

	cmd := &cobra.Command{
		Use:     "search <query>",
		Short:   "Answer a question with live web search results",
		Example: "  asistech search \"latest macOS update breaks wifi\"",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(g, true, func(a *app) error {
				res, err := a.svc.WebSearch(cmd.Context(), assistant.WebSearchRequest{
					UserID:         g.user,
					ConversationID: conversationID,
					Query:          strings.Join(args, " "),
				})
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), res, g.jsonOutput)
			})
		},
	}
	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "Continue an existing conversation")
	return cmd
}

func newAnalyzeImageCommand(g *globalOptions) *cobra.Command {
	var (
		imageURL       string
		file           string
		prompt         string
		conversationID string
	)

	cmd := &cobra.Command{
		Use:   "analyze-image",
		Short: "Describe a technical problem shown in an image",
		Example: strings.Join([]string{
			"  asistech analyze-image --file ./error.png",
			"  asistech analyze-image --url https://example.com/bsod.jpg --prompt \"what does this error mean?\"",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (imageURL == "") == (file == "") {
				return fmt.Errorf("exactly one of --url or --file is required")
			}
			req := assistant.ImageRequest{
				UserID:         g.user,
				ConversationID: conversationID,
				ImageURL:       imageURL,
				Prompt:         prompt,
			}
			if file != "" {
				data, mimeType, err := imageFromFile(file)
				if err != nil {
					return err
				}
				req.ImageBase64 = data
				req.ImageMIME = mimeType
			}
			return withApp(g, true, func(a *app) error {
				res, err := a.svc.AnalyzeImage(cmd.Context(), req)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), res, g.jsonOutput)
			})
		},
	}

	cmd.Flags().StringVar(&imageURL, "url", "", "Public image URL")
	cmd.Flags().StringVar(&file, "file", "", "Local image file")
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "What to look for in the image")
	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "Continue an existing conversation")
	return cmd
}

func newCodeCommand(g *globalOptions) *cobra.Command {
	var (
		file           string
		language       string
		conversationID string
	)

	cmd := &cobra.Command{
		Use:     "code <question>",
		Short:   "Ask a programming question, optionally about a file",
		Example: "  asistech code \"why does this panic?\" --file main.go --language go",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var snippet string
			if file != "" {
				raw, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read %s: %w", file, err)
				}
				snippet = string(raw)
			}
			return runAssist(cmd, g, assistant.AssistRequest{
				ConversationID: conversationID,
				Strategy:       strategies.CodeAssistant,
				Message:        strings.Join(args, " "),
				Snippet:        snippet,
				Language:       language,
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Source file to include as context")
	cmd.Flags().StringVarP(&language, "language", "l", "", "Language of the snippet")
	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "Continue an existing conversation")
	return cmd
}

func newYouTubeCommand(g *globalOptions) *cobra.Command {
	var (
		device         string
		conversationID string
	)

	cmd := &cobra.Command{
		Use:     "youtube <problem>",
		Short:   "Find video tutorials for a problem",
		Example: "  asistech youtube \"replace laptop battery\" --device \"ThinkPad T480\"",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAssist(cmd, g, assistant.AssistRequest{
				ConversationID: conversationID,
				Strategy:       strategies.YouTubeSearch,
				Problem:        strings.Join(args, " "),
				DeviceInfo:     device,
			})
		},
	}

	cmd.Flags().StringVar(&device, "device", "", "Device make and model")
	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "Continue an existing conversation")
	return cmd
}

func newDiagnoseCommand(g *globalOptions) *cobra.Command {
	var (
		deviceType     string
		device         string
		osName         string
		conversationID string
	)

	cmd := &cobra.Command{
		Use:     "diagnose [problem]",
		Short:   "Get step-by-step diagnostics for a device",
		Example: "  asistech diagnose --type laptop --os \"Windows 11\" \"fans always at full speed\"",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAssist(cmd, g, assistant.AssistRequest{
				ConversationID: conversationID,
				Strategy:       strategies.DeviceDiagnostic,
				Problem:        strings.Join(args, " "),
				DeviceType:     deviceType,
				DeviceInfo:     device,
				OS:             osName,
			})
		},
	}

	cmd.Flags().StringVarP(&deviceType, "type", "t", "", "Device type, for example laptop, printer or router")
	cmd.Flags().StringVar(&device, "device", "", "Device make and model")
	cmd.Flags().StringVar(&osName, "os", "", "Operating system")
	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "Continue an existing conversation")
	return cmd
}

func runAssist(cmd *cobra.Command, g *globalOptions, req assistant.AssistRequest) error {
	req.UserID = g.user
	return withApp(g, true, func(a *app) error {
		res, err := a.svc.Assist(cmd.Context(), req)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), res, g.jsonOutput)
	})
}

func newConversationsCommand(g *globalOptions) *cobra.Command {
	convRoot := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Manage stored conversations",
	}

	var (
		status string
		limit  int
		offset int
	)
	list := &cobra.Command{
		Use:     "list",
		Short:   "List conversations, most recent first",
		Example: "  asistech conversations list --status archived",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(g, false, func(a *app) error {
				convs, err := a.svc.ListConversations(cmd.Context(), g.user, conversation.ListOptions{
					Status: conversation.Status(status),
					Limit:  limit,
					Offset: offset,
				})
				if err != nil {
					return err
				}
				if g.jsonOutput {
					return printJSON(cmd.OutOrStdout(), convs)
				}
				printConversations(cmd.OutOrStdout(), convs)
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "Filter by status: active, archived or deleted")
	list.Flags().IntVar(&limit, "limit", 20, "Maximum conversations to show")
	list.Flags().IntVar(&offset, "offset", 0, "Conversations to skip")
	convRoot.AddCommand(list)

	convRoot.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a conversation with its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(g, false, func(a *app) error {
				detail, err := a.svc.GetConversation(cmd.Context(), g.user, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if g.jsonOutput {
					return printJSON(out, detail)
				}
				fmt.Fprintf(out, "%s\n", headingText.Render(detail.Title))
				fmt.Fprintf(out, "%s\n\n", mutedText.Render(fmt.Sprintf("%s, %d messages, %d tokens", detail.Status, detail.MessageCount, detail.TotalTokens)))
				for _, t := range detail.Turns {
					label := string(t.Role)
					if t.Role == conversation.RoleAssistant {
						label = assistantLabel.Render(appName)
					}
					fmt.Fprintf(out, "[%d] %s: %s\n\n", t.Seq, label, t.Content)
				}
				return nil
			})
		},
	})

	convRoot.AddCommand(&cobra.Command{
		Use:   "archive <id>",
		Short: "Archive a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(g, false, func(a *app) error {
				if err := a.svc.ArchiveConversation(cmd.Context(), g.user, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Archived %s\n", args[0])
				return nil
			})
		},
	})

	convRoot.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(g, false, func(a *app) error {
				if err := a.svc.DeleteConversation(cmd.Context(), g.user, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
				return nil
			})
		},
	})

	var searchLimit int
	search := &cobra.Command{
		Use:     "search <text>",
		Short:   "Find conversations by title",
		Example: "  asistech conversations search printer",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(g, false, func(a *app) error {
				convs, err := a.svc.SearchConversations(cmd.Context(), g.user, strings.Join(args, " "), searchLimit)
				if err != nil {
					return err
				}
				if g.jsonOutput {
					return printJSON(cmd.OutOrStdout(), convs)
				}
				printConversations(cmd.OutOrStdout(), convs)
				return nil
			})
		},
	}
	search.Flags().IntVar(&searchLimit, "limit", 20, "Maximum conversations to show")
	convRoot.AddCommand(search)

	convRoot.AddCommand(&cobra.Command{
		Use:   "stats [id]",
		Short: "Show conversation counts, or totals for one conversation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			if len(args) == 1 {
				id = args[0]
			}
			return withApp(g, false, func(a *app) error {
				stats, err := a.svc.ConversationStats(cmd.Context(), g.user, id)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if g.jsonOutput {
					return printJSON(out, stats)
				}
				fmt.Fprintf(out, "Active: %d\nArchived: %d\nTotal: %d\n", stats.Active, stats.Archived, stats.Total)
				if stats.ConversationID != "" {
					fmt.Fprintf(out, "\n%s\n  Messages: %d\n  Tokens: %d\n", stats.ConversationID, stats.MessageCount, stats.TotalTokens)
				}
				return nil
			})
		},
	})

	return convRoot
}

func newStrategiesCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "strategies",
		Short:   "List the available assistant strategies",
		Example: "  asistech strategies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(g, false, func(a *app) error {
				names := a.svc.AvailableStrategies()
				if g.jsonOutput {
					return printJSON(cmd.OutOrStdout(), names)
				}
				for _, name := range names {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			})
		},
	}
}

func newStatusCommand(g *globalOptions) *cobra.Command {
	var check bool

	cmd := &cobra.Command{
		Use:     "status",
		Short:   "Show configuration and provider readiness",
		Example: "  asistech status\n  asistech status --check",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			name, configured, mode, err := providers.ProviderCredentialStatus(cfg)
			fmt.Fprintf(out, "Provider: %s\n", name)
			switch {
			case err != nil:
				fmt.Fprintf(out, "Credentials: %s\n", errorLabel.Render(err.Error()))
			case configured:
				fmt.Fprintf(out, "Credentials: configured (%s)\n", mode)
			default:
				fmt.Fprintln(out, "Credentials: missing")
			}
			fmt.Fprintf(out, "Model: %s\n", cfg.Provider.Model)
			fmt.Fprintf(out, "Storage: %s\n", cfg.StoragePath())
			fmt.Fprintf(out, "Web search: %t\nImage analysis: %t\n", cfg.Assistant.EnableWebSearch, cfg.Assistant.EnableImageAnalysis)
			fmt.Fprintf(out, "YouTube API: %t\n", strings.TrimSpace(cfg.YouTube.APIKey) != "")

			if !check {
				return nil
			}
			return withApp(g, true, func(a *app) error {
				if err := a.svc.CheckProvider(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintf(out, "Provider check: ok (%s)\n", a.client.ProviderName())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "Validate the API key with a live request")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  asistech version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}
