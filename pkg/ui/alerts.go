package ui

import (
	"fmt"
	"strings"
	"time"

	"rosterwatch/internal/syncer"
	"rosterwatch/pkg/config"
	"rosterwatch/pkg/crawler"
	"rosterwatch/pkg/ledger"
)

// Alerts turns crawler and sync events into console and desktop notifications
type Alerts struct {
	cfg      config.NotificationConfig
	notifier *Notifier
	tracker  *StatusTracker
}

var (
	_ crawler.Observer = (*Alerts)(nil)
	_ syncer.Observer  = (*Alerts)(nil)
)

// NewAlerts creates an Alerts gated by cfg; tracker may be nil
func NewAlerts(cfg config.NotificationConfig, notifier *Notifier, tracker *StatusTracker) *Alerts {
	if notifier == nil {
		notifier = NewNotifierWithSender(nil, nil)
	}
	return &Alerts{cfg: cfg, notifier: notifier, tracker: tracker}
}

func (a *Alerts) LoginRequired(target string) {
	if a.cfg.Enabled && a.cfg.OnLoginRequired {
		a.notifier.SendError("Login required",
			fmt.Sprintf("The session for @%s expired. Sign in again in the browser window.", target))
	}
}

func (a *Alerts) LoginRestored(target string) {
	if a.cfg.Enabled && a.cfg.OnLoginRequired {
		a.notifier.SendSuccess("Session restored", fmt.Sprintf("Resuming crawl of @%s", target))
	}
}

func (a *Alerts) BatchFlushed(target string, scan ledger.Scan, batch []ledger.Pair) {
	if a.tracker != nil {
		a.tracker.AddFlushed(scan.NewCount)
	}
	if !a.cfg.Enabled || !a.cfg.OnNewFollowers || scan.NewCount == 0 {
		return
	}
	a.notifier.SendNotification("New followers",
		fmt.Sprintf("@%s gained %d new followers (%s)", target, scan.NewCount, sampleNames(batch, 3)))
}

func (a *Alerts) ScanFinished(res *crawler.Result) {
	if a.tracker != nil {
		a.tracker.PrintProgress(a.notifier.out)
		a.tracker.FinishSession()
	}
}

func (a *Alerts) CycleFinished(syncer.CycleReport, error) {}

func (a *Alerts) EndpointMissing(endpoint string) {
	if a.cfg.Enabled && a.cfg.OnSyncSuspended {
		a.notifier.SendError("Sync endpoint missing", endpoint+" answered 404")
	}
}

func (a *Alerts) CoolingDown(failures int, until time.Time, lastErr error) {
	if !a.cfg.Enabled || !a.cfg.OnSyncSuspended {
		return
	}
	msg := fmt.Sprintf("%d failed cycles, retrying at %s", failures, until.Format(time.Kitchen))
	if lastErr != nil {
		msg += ": " + lastErr.Error()
	}
	a.notifier.SendError("Sync suspended", msg)
}

func sampleNames(batch []ledger.Pair, max int) string {
	names := make([]string, 0, max)
	for _, p := range batch {
		if len(names) == max {
			break
		}
		names = append(names, "@"+p.Username)
	}
	s := strings.Join(names, ", ")
	if len(batch) > max {
		s += ", ..."
	}
	return s
}
