// Package commands implements the deskchat CLI commands.
package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/shopdesk/deskchat/internal/config"
)

var versionInfo struct {
	version string
	commit  string
	date    string
}

// SetVersionInfo sets version information from main (populated by goreleaser).
func SetVersionInfo(version, commit, date string) {
	versionInfo.version = version
	versionInfo.commit = commit
	versionInfo.date = date
}

var configPath string

var rootCmd = &cobra.Command{
	Use:   "deskchat",
	Short: "Operator live chat for the storefront back office",
	Long: `deskchat keeps the operator's customer conversations in sync with the
back office: history from the API, live messages and read receipts from the
chat hub, and your own replies shown immediately.

Commands:
  deskchat watch                   - Interactive inbox with conversation windows
  deskchat inbox                   - List conversations, most recent first
  deskchat history <contact>       - Show one conversation
  deskchat send <contact> <text>   - Send a reply
  deskchat tail                    - Stream live events as lines
  deskchat config show|validate    - Inspect the resolved configuration
  deskchat config init             - Write a .deskchat file

Contacts resolve by id, exact name, unique name prefix, then fuzzy match.

Environment variables (override .deskchat):
  DESKCHAT_BASE_URL      - Back office API base URL
  DESKCHAT_HUB_URL       - Live hub URL (default: base URL + /hubs/chat)
  DESKCHAT_API_KEY       - API key for the back office and hub
  DESKCHAT_OPERATOR_ID   - Your operator user id
  DESKCHAT_TRANSPORT     - sse | ws | redis
  DESKCHAT_REDIS_URL     - Redis URL for the redis transport
  DESKCHAT_LOG_LEVEL     - debug | info | warn | error
  DESKCHAT_LOG_FILE      - Write logs to this file`,
	// Don't show usage/errors on errors from subcommands (main.go handles errors)
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if configPath != "" {
			config.SetPath(configPath)
		}
		loadDotenvBestEffort()
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Use an alternate .deskchat config file")
	rootCmd.Version = versionString()
	rootCmd.SetVersionTemplate("{{.Version}}\n")

	rootCmd.AddCommand(inboxCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(configCmd)
}

func versionString() string {
	v := versionInfo.version
	if v == "" {
		v = "dev"
	}
	s := "deskchat " + v
	if versionInfo.commit != "" && versionInfo.commit != "none" {
		s += fmt.Sprintf("\n  commit: %s", versionInfo.commit)
	}
	if versionInfo.date != "" && versionInfo.date != "unknown" {
		s += fmt.Sprintf("\n  built:  %s", versionInfo.date)
	}
	return s
}

func loadDotenvBestEffort() {
	// Prefer the directory holding .deskchat so subdir invocations work.
	if root, err := config.Root(); err == nil {
		_ = godotenv.Load(filepath.Join(root, ".env"))
		return
	}
	_ = godotenv.Load()
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command
// context so long-running commands shut the session down cleanly.
func Execute() error {
	rootCmd.Version = versionString()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}
