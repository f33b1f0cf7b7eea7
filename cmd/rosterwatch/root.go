package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"rosterwatch/pkg/config"
	"rosterwatch/pkg/logger"
)

var (
	// Version information
	version   = "1.0.0"
	gitCommit = "unknown"
	buildDate = "unknown"

	// Global flags
	configFile    string
	logLevel      string
	logFile       string
	targetName    string
	dbPath        string
	endpointURL   string
	dashboardPort int
	headless      bool
	profileDir    string
	notifications bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "rosterwatch",
	Short: "Watch a social account's follower roster and report new followers",
	Long: `rosterwatch scrolls an account's follower list in a real browser session,
records every follower it sees in a local SQLite ledger, and forwards new
followers to a notification endpoint.

Typical setup:
  rosterwatch login            # sign in once, the profile is kept
  rosterwatch token set        # store the endpoint token
  rosterwatch serve            # crawler, sync worker and dashboard`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildDate),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configFile, "config", "c", "", "config file (default is $HOME/.config/rosterwatch/config.yaml)")
	pf.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&logFile, "log-file", "", "also write JSON logs to this file")
	pf.StringVarP(&targetName, "target", "t", "", "account whose followers are watched")
	pf.StringVar(&dbPath, "db", "", "path of the follower ledger database")
	pf.StringVar(&endpointURL, "endpoint", "", "notification endpoint URL")
	pf.IntVar(&dashboardPort, "port", 0, "dashboard port")
	pf.BoolVar(&headless, "headless", false, "run the browser without a window")
	pf.StringVar(&profileDir, "profile-dir", "", "browser profile directory holding the login session")
	pf.BoolVar(&notifications, "notifications", true, "enable desktop notifications")

	rootCmd.SetVersionTemplate(`rosterwatch {{.Version}}
Go Version: ` + runtime.Version() + `
OS/Arch: ` + runtime.GOOS + `/` + runtime.GOARCH + `
`)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// flagOverrides collects only the global flags the user set.
func flagOverrides(fs *pflag.FlagSet) map[string]interface{} {
	flags := make(map[string]interface{})
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "target":
			flags["target"] = targetName
		case "db":
			flags["db"] = dbPath
		case "endpoint":
			flags["endpoint"] = endpointURL
		case "port":
			flags["port"] = dashboardPort
		case "headless":
			flags["headless"] = headless
		case "profile-dir":
			flags["profile-dir"] = profileDir
		case "log-level":
			flags["log-level"] = logLevel
		case "log-file":
			flags["log-file"] = logFile
		}
	})
	return flags
}

// loadConfig resolves configuration for cmd and initializes the global logger.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configFile, flagOverrides(cmd.Flags()))
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("notifications") {
		cfg.Notifications.Enabled = notifications
	}
	if err := logger.Initialize(&cfg.Logging); err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	return cfg, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("rosterwatch %s (commit: %s, built: %s)\n", version, gitCommit, buildDate)
		fmt.Printf("Go Version: %s\nOS/Arch: %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
