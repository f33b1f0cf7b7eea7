package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"rosterwatch/pkg/auth"
	"rosterwatch/pkg/config"
	"rosterwatch/pkg/ui"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage notification endpoint tokens",
	Long: `Manage the shared tokens sent to notification endpoints in the
X-Tool-Request-Token header.

Tokens are stored using:
  - System keychain (when available)
  - Encrypted file with PBKDF2 key derivation
  - Environment variables (ROSTERWATCH_API_TOKEN, read only)`,
}

var tokenSetCmd = &cobra.Command{
	Use:   "set [endpoint]",
	Short: "Store the token for an endpoint",
	Long: `Store the token for an endpoint. Without an argument the configured
sync endpoint is used. The token is read from the terminal without echo.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTokenSet,
}

var tokenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored tokens (masked)",
	RunE:  runTokenList,
}

var tokenDeleteCmd = &cobra.Command{
	Use:   "delete [endpoint]",
	Short: "Remove the token for an endpoint",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTokenDelete,
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenSetCmd)
	tokenCmd.AddCommand(tokenListCmd)
	tokenCmd.AddCommand(tokenDeleteCmd)
}

// endpointArg picks the endpoint from args, falling back to configuration.
func endpointArg(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	// Token commands do not need a valid target, so skip Validate.
	cfg := config.DefaultConfig()
	if err := cfg.LoadFromFile(configFile); err != nil {
		return "", err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return "", err
	}
	cfg.MergeCommandLineFlags(flagOverrides(cmd.Flags()))
	if cfg.Sync.Endpoint == "" {
		return "", errNoEndpoint
	}
	return cfg.Sync.Endpoint, nil
}

func runTokenSet(cmd *cobra.Command, args []string) error {
	endpoint, err := endpointArg(cmd, args)
	if err != nil {
		return err
	}
	manager, err := auth.NewManager()
	if err != nil {
		ui.PrintError("Failed to initialize token manager", err.Error())
		return err
	}

	value, err := auth.ReadSecret(os.Stdin, os.Stdout, fmt.Sprintf("Token for %s: ", endpoint))
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}

	if err := manager.Store(&auth.Token{Endpoint: endpoint, Value: value, LastModified: time.Now()}); err != nil {
		ui.PrintError("Failed to store token", err.Error())
		return err
	}
	ui.PrintSuccess("Token stored for " + endpoint)
	return nil
}

func runTokenList(cmd *cobra.Command, args []string) error {
	manager, err := auth.NewManager()
	if err != nil {
		return err
	}
	tokens, err := manager.List()
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		ui.PrintInfo("No stored tokens", "use 'rosterwatch token set' to add one")
		return nil
	}

	ui.PrintHighlight("Stored Tokens")
	for i, t := range tokens {
		m := t.Masked()
		fmt.Printf("%d. %s\n   Token: %s\n   Last Modified: %s\n",
			i+1, m.Endpoint, m.Value, m.LastModified.Format(time.DateTime))
		if !m.CreatedAt.IsZero() {
			fmt.Printf("   Created: %s (rotated %d times)\n", m.CreatedAt.Format(time.DateTime), m.Rotations)
		}
	}
	return nil
}

func runTokenDelete(cmd *cobra.Command, args []string) error {
	endpoint, err := endpointArg(cmd, args)
	if err != nil {
		return err
	}
	manager, err := auth.NewManager()
	if err != nil {
		return err
	}
	if err := manager.Delete(endpoint); err != nil {
		ui.PrintError("Failed to remove token", err.Error())
		return err
	}
	ui.PrintSuccess("Token removed for " + endpoint)
	return nil
}
