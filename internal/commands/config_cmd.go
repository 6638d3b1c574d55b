package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/shopdesk/deskchat/internal/config"
)

var (
	configJSON bool

	initBaseURL    string
	initOperatorID int64
	initTransport  string
	initAPIKey     string
	initForce      bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create the .deskchat configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved configuration (file + environment + defaults)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Resolve()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		out, err := formatConfigOutput(cfg.Redacted(), configJSON)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), out)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the resolved configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path, _ := config.FindPath()
		if _, statErr := os.Stat(path); statErr != nil {
			path = "environment only"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Config OK (%s): operator #%d via %s\n", path, cfg.OperatorID, cfg.Transport)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a .deskchat file in the current directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.GetPath()
		if _, err := os.Stat(path); err == nil && !initForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}

		cfg := &config.Config{
			BaseURL:    strings.TrimSpace(initBaseURL),
			Transport:  strings.TrimSpace(initTransport),
			OperatorID: initOperatorID,
			APIKey:     strings.TrimSpace(initAPIKey),
		}
		if cfg.APIKey == "" {
			cfg.APIKey = strings.TrimSpace(os.Getenv("DESKCHAT_API_KEY"))
		}
		resolved := cfg.WithDefaults()
		if err := resolved.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		if err := cfg.Save(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		fmt.Fprintln(cmd.OutOrStdout(), "Add it to .gitignore: it holds your API key.")
		return nil
	},
}

func init() {
	configShowCmd.Flags().BoolVar(&configJSON, "json", false, "Output as JSON")

	configInitCmd.Flags().StringVar(&initBaseURL, "base-url", "", "Back office API base URL (required)")
	configInitCmd.Flags().Int64Var(&initOperatorID, "operator-id", 0, "Your operator user id (required)")
	configInitCmd.Flags().StringVar(&initTransport, "transport", "", "Hub transport: sse, ws or redis (default sse)")
	configInitCmd.Flags().StringVar(&initAPIKey, "api-key", "", "API key (default: DESKCHAT_API_KEY)")
	configInitCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing file")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configInitCmd)
}

func formatConfigOutput(cfg config.Config, asJSON bool) (string, error) {
	if asJSON {
		return marshalJSONOrFallback(map[string]any{
			"base_url":             cfg.BaseURL,
			"hub_url":              cfg.HubURL,
			"transport":            cfg.Transport,
			"operator_id":          cfg.OperatorID,
			"api_key":              cfg.APIKey,
			"redis_url":            cfg.RedisURL,
			"redis_prefix":         cfg.RedisPrefix,
			"max_connect_attempts": cfg.MaxConnectAttempts,
			"retry_delay":          cfg.RetryDelay.String(),
			"backfill_interval":    cfg.BackfillInterval.String(),
			"max_windows":          cfg.MaxWindows,
			"metrics_addr":         cfg.MetricsAddr,
			"log_level":            cfg.LogLevel,
		}), nil
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshaling config: %w", err)
	}
	return string(data), nil
}
