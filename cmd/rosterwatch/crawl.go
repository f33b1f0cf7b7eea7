package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"rosterwatch/pkg/ui"
)

var crawlOnce bool

var crawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "Crawl the follower roster",
	Long: `Open the target's follower page in the browser profile and walk the
roster, recording new followers in the ledger. Without --once a new scan
starts every crawl.scan_interval until interrupted.

If the session has expired the crawl pauses until you sign in again in the
browser window.`,
	Example: `  rosterwatch crawl --target someaccount
  rosterwatch crawl --once --headless`,
	RunE: runCrawl,
}

func init() {
	rootCmd.AddCommand(crawlCmd)
	crawlCmd.Flags().BoolVar(&crawlOnce, "once", false, "run a single scan and exit")
}

func runCrawl(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	store, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ui.PrintBanner()
	ui.PrintInfo("Target", cfg.Target.Username)
	ui.PrintInfo("Roster", cfg.FollowersPage())

	alerts := newAlerts(cfg)
	if !crawlOnce {
		return crawlTask(cfg, store, alerts)(ctx)
	}

	res, err := scanOnce(ctx, cfg, store, alerts)
	if res != nil {
		ui.PrintInfo("New followers", strconv.Itoa(res.NewCount))
		ui.PrintInfo("Examined", strconv.Itoa(res.Examined))
		ui.PrintInfo("Stop reason", string(res.StopReason))
		if res.Deactivated > 0 {
			ui.PrintInfo("Marked inactive", strconv.FormatInt(res.Deactivated, 10))
		}
	}
	if err != nil {
		ui.PrintError("Scan failed", err.Error())
		return err
	}
	ui.PrintSuccess("Scan complete")
	return nil
}
