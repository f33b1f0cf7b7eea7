// Package syncer pushes unsynced followers from the ledger to the
// notification endpoint, one record at a time.
package syncer

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"rosterwatch/pkg/config"
	errs "rosterwatch/pkg/errors"
	"rosterwatch/pkg/ledger"
	"rosterwatch/pkg/logger"
	"rosterwatch/pkg/notify"
	"rosterwatch/pkg/retry"
)

// Sender delivers one notification
type Sender interface {
	Send(ctx context.Context, n notify.Notification) error
}

// Store is the part of the ledger the worker reads and updates
type Store interface {
	ListUnsynced(ctx context.Context, target string, limit int) ([]ledger.Follower, error)
	MarkSynced(ctx context.Context, id int64) (bool, error)
}

var (
	_ Sender = (*notify.Client)(nil)
	_ Store  = (*ledger.Store)(nil)
)

// State is the worker's activity state
type State string

const (
	StateIdle        State = "idle"
	StateSyncing     State = "syncing"
	StateCoolingDown State = "cooling-down"
	StateStopped     State = "stopped"
)

// CycleReport summarises one poll cycle
type CycleReport struct {
	Pending   int  `json:"pending"`
	Attempted int  `json:"attempted"`
	Synced    int  `json:"synced"`
	Skipped   int  `json:"skipped"`
	Aborted   bool `json:"aborted"`
}

// Options tunes the worker
type Options struct {
	// Target restricts syncing to one account; empty syncs every target.
	Target           string
	BatchLimit       int
	RecordDelay      time.Duration
	Interval         time.Duration
	MaxCycleFailures int
	CoolDown         time.Duration
	RequestTimeout   time.Duration
}

// OptionsFromConfig maps the sync section of cfg onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Target:           cfg.Target.Username,
		RecordDelay:      cfg.Sync.RecordDelay,
		Interval:         cfg.Sync.Interval,
		MaxCycleFailures: cfg.Sync.MaxCycleFailures,
		CoolDown:         cfg.Sync.CoolDown,
		RequestTimeout:   cfg.Sync.RequestTimeout,
	}
}

func (o Options) withDefaults() Options {
	d := config.DefaultConfig().Sync
	if o.RecordDelay < 0 {
		o.RecordDelay = 0
	}
	if o.Interval <= 0 {
		o.Interval = d.Interval
	}
	if o.MaxCycleFailures <= 0 {
		o.MaxCycleFailures = d.MaxCycleFailures
	}
	if o.CoolDown <= 0 {
		o.CoolDown = d.CoolDown
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	return o
}

// Observer is told about conditions an operator should notice
type Observer interface {
	CycleFinished(report CycleReport, err error)
	// EndpointMissing fires when the endpoint answers 404.
	EndpointMissing(endpoint string)
	CoolingDown(failures int, until time.Time, lastErr error)
}

// NopObserver ignores every event
type NopObserver struct{}

func (NopObserver) CycleFinished(CycleReport, error)  {}
func (NopObserver) EndpointMissing(string)            {}
func (NopObserver) CoolingDown(int, time.Time, error) {}

// Worker is the sync loop. Records are processed sequentially; a cycle never
// overlaps another.
type Worker struct {
	store    Store
	sender   Sender
	endpoint string
	opts     Options
	observer Observer
	logger   logger.Logger
	now      func() time.Time
	state    atomic.Value
	// storeRetry absorbs brief store outages before a cycle is failed.
	storeRetry *retry.Config
}

// Option configures a Worker
type Option func(*Worker)

func WithObserver(o Observer) Option        { return func(w *Worker) { w.observer = o } }
func WithLogger(l logger.Logger) Option     { return func(w *Worker) { w.logger = l } }
func WithClock(now func() time.Time) Option { return func(w *Worker) { w.now = now } }

// WithEndpoint names the endpoint in logs and observer events.
func WithEndpoint(url string) Option { return func(w *Worker) { w.endpoint = url } }

// WithStoreRetry replaces the retry policy for ledger reads and writes.
func WithStoreRetry(cfg *retry.Config) Option { return func(w *Worker) { w.storeRetry = cfg } }

func defaultStoreRetry() *retry.Config {
	backoff := retry.DefaultExponentialBackoff()
	backoff.BaseDelay = 200 * time.Millisecond
	backoff.MaxDelay = 2 * time.Second

	cfg := retry.DefaultConfig()
	cfg.Backoff = backoff
	return cfg
}

// New creates a sync worker
func New(store Store, sender Sender, opts Options, options ...Option) *Worker {
	w := &Worker{
		store:    store,
		sender:   sender,
		opts:     opts.withDefaults(),
		observer: NopObserver{},
		logger:   logger.GetLogger(),
		now:      time.Now,
	}
	for _, o := range options {
		o(w)
	}
	w.logger = w.logger.WithField("component", "sync")
	if w.storeRetry == nil {
		w.storeRetry = defaultStoreRetry()
	}
	// A vanished follower will not come back on a retry.
	retryIf := w.storeRetry.RetryIf
	if retryIf == nil {
		retryIf = retry.DefaultRetryIf
	}
	cfg := *w.storeRetry
	cfg.RetryIf = func(err error) bool {
		return !errors.Is(err, ledger.ErrNotFound) && retryIf(err)
	}
	if cfg.Logger == nil {
		cfg.Logger = w.logger
	}
	w.storeRetry = &cfg
	w.state.Store(StateIdle)
	return w
}

// State reports what the worker is doing right now
func (w *Worker) State() State {
	return w.state.Load().(State)
}

// Run polls the ledger until ctx is cancelled. Consecutive failed cycles
// trigger a cool-down of Options.CoolDown.
func (w *Worker) Run(ctx context.Context) error {
	logger.LogComponentStart(w.logger, "sync", map[string]interface{}{
		"interval": w.opts.Interval,
		"endpoint": w.endpoint,
	})
	defer func() {
		w.state.Store(StateStopped)
		logger.LogComponentStop(w.logger, "sync", "stopped")
	}()

	failures := 0
	for {
		_, err := w.RunCycle(ctx)
		if ctx.Err() != nil {
			return nil
		}

		delay := w.opts.Interval
		switch {
		case err == nil:
			failures = 0
		default:
			failures++
			w.logger.WithError(err).WithField("consecutive_failures", failures).Error("Sync cycle failed")
			if failures >= w.opts.MaxCycleFailures {
				until := w.now().Add(w.opts.CoolDown)
				w.logger.WarnWithFields("Too many failed cycles, cooling down", map[string]interface{}{
					"failures":  failures,
					"cool_down": w.opts.CoolDown,
				})
				w.observer.CoolingDown(failures, until, err)
				w.state.Store(StateCoolingDown)
				delay = w.opts.CoolDown
				failures = 0
			}
		}

		if err := retry.Wait(ctx, delay); err != nil {
			return nil
		}
		w.state.Store(StateIdle)
	}
}

// RunCycle performs one poll cycle. A returned error is a cycle-level
// failure; per-record failures are counted in the report instead.
func (w *Worker) RunCycle(ctx context.Context) (CycleReport, error) {
	var report CycleReport
	if err := ctx.Err(); err != nil {
		return report, err
	}

	w.state.Store(StateSyncing)
	defer w.state.Store(StateIdle)

	pending, err := retry.DoWithResult(ctx, func(ctx context.Context) ([]ledger.Follower, error) {
		return w.store.ListUnsynced(ctx, w.opts.Target, w.opts.BatchLimit)
	}, w.storeRetry)
	if err != nil {
		err = errs.Wrap(errs.ErrorTypeStorage, err, "list unsynced")
		w.observer.CycleFinished(report, err)
		return report, err
	}
	report.Pending = len(pending)
	if len(pending) == 0 {
		w.logger.Debug("Nothing to sync")
		w.observer.CycleFinished(report, nil)
		return report, nil
	}

	w.logger.InfoWithFields("Syncing followers", map[string]interface{}{
		"pending": len(pending),
	})

	err = w.syncAll(ctx, pending, &report)
	w.observer.CycleFinished(report, err)

	w.logger.InfoWithFields("Sync cycle finished", map[string]interface{}{
		"pending":   report.Pending,
		"attempted": report.Attempted,
		"synced":    report.Synced,
		"skipped":   report.Skipped,
		"aborted":   report.Aborted,
	})
	return report, err
}

// syncAll sends pending records in order. Per-record failures are counted
// in the report and never fail the cycle; only a store error or
// cancellation escapes.
func (w *Worker) syncAll(ctx context.Context, pending []ledger.Follower, report *CycleReport) error {
	for i, f := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i > 0 && w.opts.RecordDelay > 0 {
			if err := retry.Wait(ctx, w.opts.RecordDelay); err != nil {
				return err
			}
		}

		report.Attempted++
		err := w.syncOne(ctx, f)
		logger.LogSyncOutcome(w.logger, f.ID, f.Username, err)

		switch {
		case err == nil:
			report.Synced++
		case errs.Is(err, errs.ErrorTypeStorage):
			return err
		case errs.Is(err, errs.ErrorTypeNotFound):
			report.Aborted = true
			w.logger.WithField("endpoint", w.endpoint).Error("Notification endpoint not found, aborting cycle")
			w.observer.EndpointMissing(w.endpoint)
			return nil
		default:
			report.Skipped++
		}
	}
	return nil
}

// syncOne sends one record and marks it synced on success. Once the request
// starts it runs to completion, bounded by RequestTimeout, even if ctx is
// cancelled, so its outcome is always recorded.
func (w *Worker) syncOne(ctx context.Context, f ledger.Follower) error {
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.opts.RequestTimeout)
	defer cancel()

	if err := w.sender.Send(reqCtx, notify.FromFollower(f)); err != nil {
		return err
	}

	_, err := retry.DoWithResult(reqCtx, func(ctx context.Context) (bool, error) {
		return w.store.MarkSynced(ctx, f.ID)
	}, w.storeRetry)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			w.logger.WithField("follower_id", f.ID).Warn("Synced follower vanished from ledger")
			return nil
		}
		return errs.Wrap(errs.ErrorTypeStorage, err, "mark synced")
	}
	return nil
}
