package main

import (
	"github.com/spf13/cobra"

	"rosterwatch/pkg/browser"
	"rosterwatch/pkg/logger"
	"rosterwatch/pkg/ui"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Open the browser profile on the login page",
	Long: `Open a browser window on the login page using the configured profile
directory. Sign in, then press Ctrl+C; the session is kept in the profile and
reused by 'crawl' and 'serve'.`,
	RunE: runLogin,
}

func init() {
	rootCmd.AddCommand(loginCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	// A login needs a visible window.
	cfg.Browser.Headless = false
	b, err := browser.Launch(ctx, cfg.Browser, logger.GetLogger())
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.OpenLogin(ctx); err != nil {
		return err
	}
	ui.PrintInfo("Profile", cfg.Browser.ProfileDir)
	ui.PrintHighlight("Sign in in the browser window, then press Ctrl+C to finish.")

	<-ctx.Done()
	ui.PrintSuccess("Session saved to profile")
	return nil
}
