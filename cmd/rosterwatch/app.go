package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"rosterwatch/internal/syncer"
	"rosterwatch/pkg/auth"
	"rosterwatch/pkg/browser"
	"rosterwatch/pkg/config"
	"rosterwatch/pkg/crawler"
	"rosterwatch/pkg/ledger"
	"rosterwatch/pkg/logger"
	"rosterwatch/pkg/notify"
	"rosterwatch/pkg/ui"
)

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func openLedger(ctx context.Context, cfg *config.Config) (*ledger.Store, error) {
	store, err := ledger.Open(ctx, cfg.Store.Path,
		ledger.WithLogger(logger.GetLogger()),
		ledger.WithBusyTimeout(cfg.Store.BusyTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", cfg.Store.Path, err)
	}
	return store, nil
}

func newAlerts(cfg *config.Config) *ui.Alerts {
	return ui.NewAlerts(cfg.Notifications, ui.NewNotifier(), ui.NewStatusTracker(cfg.Crawl.BatchSize))
}

// openCrawler launches a browser pointed at the target's roster and builds a crawler
// over it. The returned close func shuts the browser down.
func openCrawler(ctx context.Context, cfg *config.Config, store *ledger.Store, obs crawler.Observer) (*crawler.Crawler, func(), error) {
	log := logger.GetLogger().WithField("target", cfg.Target.Username)

	b, err := browser.Launch(ctx, cfg.Browser, log)
	if err != nil {
		return nil, nil, err
	}
	// Each scan reloads this page before walking it.
	b.SetRosterURL(cfg.FollowersPage())

	c := crawler.New(b, store, crawler.OptionsFromConfig(cfg),
		crawler.WithObserver(obs),
		crawler.WithLogger(log),
	)
	return c, func() { b.Close() }, nil
}

// crawlTask crawls the roster until ctx ends. The browser lives as long as
// the task.
func crawlTask(cfg *config.Config, store *ledger.Store, obs crawler.Observer) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		c, closeBrowser, err := openCrawler(ctx, cfg, store, obs)
		if err != nil {
			return err
		}
		defer closeBrowser()
		return c.Run(ctx)
	}
}

func scanOnce(ctx context.Context, cfg *config.Config, store *ledger.Store, obs crawler.Observer) (*crawler.Result, error) {
	c, closeBrowser, err := openCrawler(ctx, cfg, store, obs)
	if err != nil {
		return nil, err
	}
	defer closeBrowser()
	return c.Scan(ctx)
}

var errNoEndpoint = errors.New("no notification endpoint configured (set sync.endpoint, ROSTERWATCH_API_ENDPOINT or --endpoint)")

// newSyncWorker builds the worker for the configured endpoint, resolving the
// token from config or the token stores.
func newSyncWorker(cfg *config.Config, store *ledger.Store, obs syncer.Observer) (*syncer.Worker, error) {
	if cfg.Sync.Endpoint == "" {
		return nil, errNoEndpoint
	}

	token := cfg.Sync.Token
	if manager, err := auth.NewManager(); err == nil {
		if resolved, err := manager.Resolve(cfg.Sync.Endpoint, token); err == nil {
			token = resolved
		}
	}
	if token == "" {
		logger.GetLogger().WithField("endpoint", cfg.Sync.Endpoint).
			Warn("No token stored for endpoint, requests will be unauthenticated")
	}

	client := notify.NewClient(cfg.Sync.Endpoint, token,
		notify.WithTimeout(cfg.Sync.RequestTimeout),
		notify.WithRequestsPerMinute(cfg.Sync.RequestsPerMinute),
		notify.WithLogger(logger.GetLogger()),
	)
	return syncer.New(store, client, syncer.OptionsFromConfig(cfg),
		syncer.WithObserver(obs),
		syncer.WithEndpoint(cfg.Sync.Endpoint),
	), nil
}
