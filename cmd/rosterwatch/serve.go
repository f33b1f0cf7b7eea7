package main

import (
	"errors"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"rosterwatch/pkg/dashboard"
	"rosterwatch/pkg/logger"
	"rosterwatch/pkg/supervisor"
	"rosterwatch/pkg/ui"
)

var (
	serveNoCrawl bool
	serveNoSync  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dashboard with the crawler and sync worker",
	Long: `Start the dashboard and, unless disabled, the crawler and the sync worker
as supervised tasks. Both tasks can be stopped and restarted from the
dashboard.`,
	Example: `  rosterwatch serve
  rosterwatch serve --port 8080 --no-sync`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveNoCrawl, "no-crawl", false, "register the crawler without starting it")
	serveCmd.Flags().BoolVar(&serveNoSync, "no-sync", false, "register the sync worker without starting it")
}

func runServe(cmd *cobra.Command, args []string) error {
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

	log := logger.GetLogger()
	alerts := newAlerts(cfg)
	tasks := supervisor.New(ctx, supervisor.WithLogger(log))
	defer tasks.Shutdown()

	target := cfg.Target.Username
	crawlKey := supervisor.Key{Target: target, Kind: supervisor.KindCrawler}
	syncKey := supervisor.Key{Target: target, Kind: supervisor.KindSync}

	tasks.Register(crawlKey, crawlTask(cfg, store, alerts))
	if !serveNoCrawl {
		if _, err := tasks.Start(crawlKey); err != nil {
			return err
		}
	}

	worker, err := newSyncWorker(cfg, store, alerts)
	switch {
	case errors.Is(err, errNoEndpoint):
		ui.PrintWarning("No notification endpoint configured, sync disabled")
	case err != nil:
		return err
	default:
		tasks.Register(syncKey, worker.Run)
		if !serveNoSync {
			if _, err := tasks.Start(syncKey); err != nil {
				return err
			}
		}
	}

	srv := dashboard.New(cfg.Dashboard, target, store, tasks, log)
	ui.PrintBanner()
	ui.PrintInfo("Dashboard", "http://"+srv.Addr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		tasks.Shutdown()
		return nil
	})

	return g.Wait()
}
