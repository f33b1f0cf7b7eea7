package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"rosterwatch/pkg/ui"
)

var syncOnce bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Forward unsynced followers to the notification endpoint",
	Long: `Send every follower not yet delivered to the notification endpoint, one
request per follower. Delivered followers are marked synced; failed ones are
retried on the next cycle.

The endpoint token comes from the token store ('rosterwatch token set') or
ROSTERWATCH_API_TOKEN.`,
	Example: `  rosterwatch sync --once
  rosterwatch sync --endpoint https://example.com/api/followers`,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().BoolVar(&syncOnce, "once", false, "run a single cycle and exit")
}

func runSync(cmd *cobra.Command, args []string) error {
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

	worker, err := newSyncWorker(cfg, store, newAlerts(cfg))
	if err != nil {
		return err
	}
	if !syncOnce {
		return worker.Run(ctx)
	}

	report, err := worker.RunCycle(ctx)
	ui.PrintInfo("Pending", fmt.Sprint(report.Pending))
	ui.PrintInfo("Synced", fmt.Sprintf("%d/%d", report.Synced, report.Attempted))
	if report.Skipped > 0 {
		ui.PrintWarning(fmt.Sprintf("%d followers will be retried next cycle", report.Skipped))
	}
	if err != nil {
		ui.PrintError("Sync cycle failed", err.Error())
		return err
	}
	ui.PrintSuccess("Sync complete")
	return nil
}
