package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"rosterwatch/pkg/ledger"
	"rosterwatch/pkg/ui"
)

var (
	listFilter   string
	listPage     int
	listPageSize int
	listJSON     bool
	scansLimit   int
)

var followersCmd = &cobra.Command{
	Use:   "followers",
	Short: "List active followers, newest first",
	Example: `  rosterwatch followers --filter ann
  rosterwatch followers --page 2 --json`,
	RunE: runFollowers,
}

var scansCmd = &cobra.Command{
	Use:   "scans",
	Short: "Show recent scan records",
	RunE:  runScans,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarise the ledger",
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(followersCmd)
	rootCmd.AddCommand(scansCmd)
	rootCmd.AddCommand(statsCmd)

	followersCmd.Flags().StringVarP(&listFilter, "filter", "f", "", "substring of the username or display name")
	followersCmd.Flags().IntVar(&listPage, "page", 1, "page number")
	followersCmd.Flags().IntVar(&listPageSize, "page-size", ledger.DefaultPageSize, "records per page")
	followersCmd.Flags().BoolVar(&listJSON, "json", false, "print JSON")

	scansCmd.Flags().IntVarP(&scansLimit, "limit", "n", 10, "number of scans to show")
	scansCmd.Flags().BoolVar(&listJSON, "json", false, "print JSON")

	statsCmd.Flags().BoolVar(&listJSON, "json", false, "print JSON")
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runFollowers(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	store, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	page, err := store.ListActive(ctx, ledger.ListQuery{
		Target:   cfg.Target.Username,
		Filter:   listFilter,
		Page:     listPage,
		PageSize: listPageSize,
	})
	if err != nil {
		return err
	}
	if listJSON {
		return printJSON(page)
	}

	if len(page.Records) == 0 {
		ui.PrintWarning("No followers recorded")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tDISPLAY NAME\tFIRST SEEN\tSYNCED")
	for _, f := range page.Records {
		fmt.Fprintf(w, "@%s\t%s\t%s\t%t\n", f.Username, f.DisplayName, f.FirstSeen.Local().Format(time.DateTime), f.Synced)
	}
	w.Flush()
	fmt.Printf("\nPage %d of %d (%d followers)\n", page.Page, page.TotalPages, page.Total)
	return nil
}

func runScans(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	store, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	scans, err := store.RecentScans(ctx, cfg.Target.Username, scansLimit)
	if err != nil {
		return err
	}
	if listJSON {
		return printJSON(scans)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTOTAL\tNEW\tBATCH")
	for _, s := range scans {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", s.Timestamp.Local().Format(time.DateTime), s.Total, s.NewCount, s.BatchID)
	}
	return w.Flush()
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	store, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.Stats(ctx, cfg.Target.Username)
	if err != nil {
		return err
	}
	if listJSON {
		return printJSON(stats)
	}

	ui.PrintInfo("Target", stats.Target)
	ui.PrintInfo("Active", fmt.Sprint(stats.Active))
	ui.PrintInfo("Inactive", fmt.Sprint(stats.Inactive))
	ui.PrintInfo("Unsynced", fmt.Sprint(stats.Unsynced))
	ui.PrintInfo("Scans", fmt.Sprint(stats.Scans))
	if stats.LastScan != nil {
		ui.PrintInfo("Last scan", stats.LastScan.Local().Format(time.DateTime))
	}
	return nil
}
