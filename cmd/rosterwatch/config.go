package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"rosterwatch/pkg/config"
	"rosterwatch/pkg/ui"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration files",
	Long: `Manage rosterwatch configuration files.

Configuration is loaded from, highest priority first:
  - Command line flags
  - Environment variables (ROSTERWATCH_*, also read from .env)
  - Configuration file
  - Default values`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create an example configuration file",
	Long: `Create an example configuration file with all available options.

The file is created in the current directory as '.rosterwatch.yaml' unless a
different path is given with --config.`,
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

const exampleConfig = `# rosterwatch configuration
#
# Every value can also be set through ROSTERWATCH_* environment variables,
# for example ROSTERWATCH_TARGET or ROSTERWATCH_API_ENDPOINT.

target:
  # Account whose followers are watched (required)
  username: "someaccount"
  # Roster URL; %s receives the username
  followers_url: "https://x.com/%s/followers"

browser:
  # Persistent profile keeping the login session
  profile_dir: ""
  # Chrome binary; empty searches the usual locations
  exec_path: ""
  headless: false
  navigation_timeout: 60s
  login_url: "https://x.com/login"

crawl:
  # Pixels per forward step and per back-off step
  scroll_step: 300
  back_step: 200
  settle_delay: 2s
  # New followers per ledger write
  batch_size: 100
  # Stop after this many already-known followers in a row
  max_consecutive_known: 10
  # Stop after this many steps without new rows
  max_idle_steps: 5
  max_step_errors: 10
  login_poll_interval: 5s
  scan_interval: 60s

sync:
  # Notification endpoint; the token is stored with 'rosterwatch token set'
  endpoint: ""
  request_timeout: 10s
  record_delay: 2s
  interval: 60s
  max_cycle_failures: 3
  cool_down: 5m
  # 0 disables pacing
  requests_per_minute: 0

store:
  path: "followers.db"

dashboard:
  host: "127.0.0.1"
  port: 3000
  page_size: 25

notifications:
  enabled: true
  on_new_followers: true
  on_login_required: true
  on_sync_suspended: true

logging:
  # debug, info, warn, error
  level: "info"
  file: ""
  json: false
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configFile
	if path == "" {
		path = ".rosterwatch.yaml"
	}

	if _, err := os.Stat(path); err == nil {
		ui.PrintError("Configuration file already exists", path)
		return fmt.Errorf("%s exists", path)
	}

	if err := os.WriteFile(path, []byte(exampleConfig), 0o600); err != nil {
		ui.PrintError("Failed to write configuration file", err.Error())
		return err
	}
	ui.PrintSuccess("Configuration file created: " + path)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultConfig()
	if err := cfg.LoadFromFile(configFile); err != nil {
		return err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	cfg.MergeCommandLineFlags(flagOverrides(cmd.Flags()))

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	fmt.Print(string(data))
	if cfg.Sync.Token != "" {
		fmt.Println("# sync token: set from environment")
	}
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if _, err := config.Load(configFile, flagOverrides(cmd.Flags())); err != nil {
		ui.PrintError("Configuration is invalid", err.Error())
		return err
	}
	ui.PrintSuccess("Configuration is valid")
	return nil
}
