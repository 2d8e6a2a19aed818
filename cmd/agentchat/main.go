// Command agentchat is a terminal chat client for the agent service.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/agentchat/internal/agent"
	"github.com/ashureev/agentchat/internal/catalog"
	"github.com/ashureev/agentchat/internal/chat"
	"github.com/ashureev/agentchat/internal/config"
	"github.com/ashureev/agentchat/internal/identity"
)

var (
	apiURL     string
	statePath  string
	agentsFile string
	streaming  bool
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "agentchat",
	Short: "Chat with the agents of an agent service",
	Long: `agentchat keeps one conversation per agent and remembers it across runs.

Conversation identities are stored in the --state file and expire after
seven days, after which a fresh conversation is started.

Commands inside the chat:
  /agents         list agents
  /use <id>       switch agent
  /history        show the current conversation
  /reset          forget every conversation
  /help           show commands
  /quit           exit`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&apiURL, "api", agent.DefaultBaseURL, "Agent service base URL (env AGENT_API_URL)")
	rootCmd.Flags().StringVar(&statePath, "state", identity.DefaultBlobName, "Identity state file")
	rootCmd.Flags().StringVar(&agentsFile, "agents", "", "YAML agent catalogue (env AGENTS_FILE)")
	rootCmd.Flags().BoolVar(&streaming, "stream", false, "Stream replies as they are generated")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging on stderr")
}

func main() {
	if err := godotenv.Load(); err == nil {
		slog.Debug("Loaded .env file")
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if !cmd.Flags().Changed("api") {
		if v := os.Getenv("AGENT_API_URL"); v != "" {
			apiURL = v
		}
	}
	if !cmd.Flags().Changed("agents") {
		agentsFile = os.Getenv("AGENTS_FILE")
	}
	if err := config.ValidateAgentURL(apiURL); err != nil {
		return err
	}

	agents, err := catalog.Load(agentsFile)
	if err != nil {
		return err
	}
	store, err := identity.NewFileStore(statePath, identity.DefaultTTL, logger)
	if err != nil {
		return err
	}
	backend, err := agent.NewClient(agent.ClientConfig{BaseURL: apiURL}, logger)
	if err != nil {
		return err
	}
	ctrl, err := chat.NewController(chat.Config{
		Agents:    agents,
		Store:     store,
		Backend:   backend,
		Streaming: streaming,
		Channel:   "tui",
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return newREPL(ctrl, cmd.InOrStdin(), cmd.OutOrStdout()).Run(ctx)
}
