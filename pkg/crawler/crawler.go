package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"rosterwatch/pkg/config"
	errs "rosterwatch/pkg/errors"
	"rosterwatch/pkg/ledger"
	"rosterwatch/pkg/logger"
	"rosterwatch/pkg/page"
	"rosterwatch/pkg/retry"
)

// StopReason says why a crawl session ended
type StopReason string

const (
	// StopCaughtUp is the fast-stop: too many consecutive known followers.
	StopCaughtUp StopReason = "fast-stop"
	// StopExhausted is the slow-stop: too many steps without a new follower.
	StopExhausted StopReason = "slow-stop"
	StopBottom    StopReason = "bottom"
	StopCancelled StopReason = "cancelled"
	StopFailed    StopReason = "failed"
)

// walkedRoster reports whether the session saw the whole roster, which is
// what makes unfollow detection safe.
func (r StopReason) walkedRoster() bool {
	return r == StopBottom || r == StopExhausted
}

// State is the crawler's coarse activity state
type State string

const (
	StateIdle          State = "idle"
	StateCrawling      State = "crawling"
	StateAwaitingLogin State = "awaiting-login"
)

// ErrTooManyStepErrors ends a session whose scroll steps keep failing.
var ErrTooManyStepErrors = errors.New("too many consecutive step errors")

// Result summarises one crawl session
type Result struct {
	Target      string     `json:"target"`
	NewCount    int        `json:"new_count"`
	Examined    int        `json:"examined"`
	Skipped     int        `json:"skipped"`
	Steps       int        `json:"steps"`
	StepErrors  int        `json:"step_errors"`
	Flushes     int        `json:"flushes"`
	Deactivated int64      `json:"deactivated"`
	StopReason  StopReason `json:"stop_reason"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  time.Time  `json:"finished_at"`
}

// Options tunes a crawl
type Options struct {
	Target              string
	ScrollStep          int
	BackStep            int
	SettleDelay         time.Duration
	BatchSize           int
	MaxConsecutiveKnown int
	MaxIdleSteps        int
	MaxStepErrors       int
	LoginPollInterval   time.Duration
	ScanInterval        time.Duration
}

// OptionsFromConfig maps the crawl section of cfg onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Target:              cfg.Target.Username,
		ScrollStep:          cfg.Crawl.ScrollStep,
		BackStep:            cfg.Crawl.BackStep,
		SettleDelay:         cfg.Crawl.SettleDelay,
		BatchSize:           cfg.Crawl.BatchSize,
		MaxConsecutiveKnown: cfg.Crawl.MaxConsecutiveKnown,
		MaxIdleSteps:        cfg.Crawl.MaxIdleSteps,
		MaxStepErrors:       cfg.Crawl.MaxStepErrors,
		LoginPollInterval:   cfg.Crawl.LoginPollInterval,
		ScanInterval:        cfg.Crawl.ScanInterval,
	}
}

func (o Options) withDefaults() Options {
	d := config.DefaultConfig().Crawl
	if o.ScrollStep <= 0 {
		o.ScrollStep = d.ScrollStep
	}
	if o.BackStep < 0 {
		o.BackStep = 0
	}
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.MaxConsecutiveKnown <= 0 {
		o.MaxConsecutiveKnown = d.MaxConsecutiveKnown
	}
	if o.MaxIdleSteps <= 0 {
		o.MaxIdleSteps = d.MaxIdleSteps
	}
	if o.MaxStepErrors <= 0 {
		o.MaxStepErrors = d.MaxStepErrors
	}
	if o.LoginPollInterval <= 0 {
		o.LoginPollInterval = d.LoginPollInterval
	}
	return o
}

// Crawler walks a target's follower roster and records what it finds
type Crawler struct {
	surface  page.Surface
	ledger   Ledger
	opts     Options
	observer Observer
	logger   logger.Logger
	now      func() time.Time
	batchID  func() string
	state    atomic.Value
}

// Option configures a Crawler
type Option func(*Crawler)

func WithObserver(o Observer) Option        { return func(c *Crawler) { c.observer = o } }
func WithLogger(l logger.Logger) Option     { return func(c *Crawler) { c.logger = l } }
func WithClock(now func() time.Time) Option { return func(c *Crawler) { c.now = now } }

// New creates a crawler over surface that records into store.
func New(surface page.Surface, store Ledger, opts Options, options ...Option) *Crawler {
	c := &Crawler{
		surface:  surface,
		ledger:   store,
		opts:     opts.withDefaults(),
		observer: NopObserver{},
		logger:   logger.GetLogger(),
		now:      time.Now,
		batchID:  uuid.NewString,
	}
	for _, o := range options {
		o(c)
	}
	c.logger = c.logger.WithFields(map[string]interface{}{
		"component": "crawler",
		"target":    c.opts.Target,
	})
	c.state.Store(StateIdle)
	return c
}

// State reports what the crawler is doing right now
func (c *Crawler) State() State {
	return c.state.Load().(State)
}

// Run scans the roster every ScanInterval until ctx is cancelled. A failed
// session is logged and the next one starts on schedule.
func (c *Crawler) Run(ctx context.Context) error {
	logger.LogComponentStart(c.logger, "crawler", map[string]interface{}{
		"scan_interval": c.opts.ScanInterval,
	})
	defer logger.LogComponentStop(c.logger, "crawler", "stopped")

	for {
		res, err := c.Scan(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.logger.WithError(err).Error("Scan failed")
		} else {
			c.logger.InfoWithFields("Next scan scheduled", map[string]interface{}{
				"in":          c.opts.ScanInterval,
				"last_new":    res.NewCount,
				"last_reason": string(res.StopReason),
			})
		}

		if err := retry.Wait(ctx, c.opts.ScanInterval); err != nil {
			return nil
		}
	}
}

// Scan runs one crawl session. Pending observations are flushed and
// recorded even when the session ends through cancellation or failure.
func (c *Crawler) Scan(ctx context.Context) (*Result, error) {
	c.state.Store(StateCrawling)
	defer c.state.Store(StateIdle)

	res := &Result{Target: c.opts.Target, StartedAt: c.now().UTC()}

	known, err := c.ledger.KnownUsernames(ctx, c.opts.Target)
	if err != nil {
		res.StopReason = StopFailed
		res.FinishedAt = c.now().UTC()
		return res, errs.Wrap(errs.ErrorTypeStorage, err, "load known usernames")
	}
	st := newCrawlState(known)

	if err := c.rewind(ctx); err != nil {
		res.StopReason = StopFailed
		if ctx.Err() != nil {
			res.StopReason = StopCancelled
		}
		res.FinishedAt = c.now().UTC()
		return res, err
	}

	c.logger.InfoWithFields("Scan started", map[string]interface{}{
		"known": len(known),
	})

	stop, walkErr := c.walk(ctx, st, res)
	res.StopReason = stop

	// The session's observations must land even if ctx is already done.
	finishCtx := context.WithoutCancel(ctx)
	finishErr := c.finish(finishCtx, st, res)

	res.NewCount = st.newCount
	res.FinishedAt = c.now().UTC()
	c.observer.ScanFinished(res)

	c.logger.InfoWithFields("Scan finished", map[string]interface{}{
		"new":         res.NewCount,
		"examined":    res.Examined,
		"steps":       res.Steps,
		"flushes":     res.Flushes,
		"deactivated": res.Deactivated,
		"reason":      string(res.StopReason),
		"duration":    res.FinishedAt.Sub(res.StartedAt),
	})

	return res, errors.Join(walkErr, finishErr)
}

// rewind reopens the roster at its top so a session never resumes where
// the previous one left the viewport.
func (c *Crawler) rewind(ctx context.Context) error {
	if err := c.surface.Reload(ctx); err != nil {
		return errs.Wrap(errs.ErrorTypeNavigation, err, "reload roster")
	}
	if err := c.surface.ScrollTo(ctx, 0); err != nil {
		return errs.Wrap(errs.ErrorTypeNavigation, err, "scroll to top")
	}
	return nil
}

// finish flushes the remaining batch, refreshes known followers seen this
// session, and runs unfollow detection when the whole roster was walked.
func (c *Crawler) finish(ctx context.Context, st *crawlState, res *Result) error {
	var out []error

	if err := c.flush(ctx, st, res); err != nil {
		out = append(out, err)
	}

	if len(st.observedKnown) > 0 {
		if _, err := c.ledger.MarkSeen(ctx, c.opts.Target, st.observedKnown); err != nil {
			out = append(out, errs.Wrap(errs.ErrorTypeStorage, err, "mark seen"))
		}
	}

	if res.Flushes == 0 && res.StopReason != StopFailed && res.StopReason != StopCancelled {
		if _, err := c.ledger.RecordScan(ctx, ledger.Scan{
			Target:  c.opts.Target,
			Total:   res.Examined,
			BatchID: c.batchID(),
		}); err != nil {
			out = append(out, errs.Wrap(errs.ErrorTypeStorage, err, "record scan"))
		}
	}

	// A session that examined nothing cannot vouch for anyone's absence.
	if res.StopReason.walkedRoster() && res.Examined > 0 && len(out) == 0 {
		n, err := c.ledger.DeactivateMissing(ctx, c.opts.Target, res.StartedAt)
		if err != nil {
			out = append(out, errs.Wrap(errs.ErrorTypeStorage, err, "deactivate missing"))
		} else {
			res.Deactivated = n
		}
	}

	return errors.Join(out...)
}

// flush commits the pending batch with its scan summary. On failure the
// batch is kept for the next attempt.
func (c *Crawler) flush(ctx context.Context, st *crawlState, res *Result) error {
	if len(st.batch) == 0 {
		return nil
	}

	_, scan, err := c.ledger.CommitBatch(ctx, c.opts.Target, st.batch, c.batchID())
	if err != nil {
		c.logger.WithError(err).WithField("batch_size", len(st.batch)).Error("Batch flush failed")
		return errs.Wrap(errs.ErrorTypeStorage, err, "flush batch")
	}

	res.Flushes++
	c.logger.InfoWithFields("Batch flushed", map[string]interface{}{
		"batch_id": scan.BatchID,
		"size":     len(st.batch),
		"new":      scan.NewCount,
	})
	c.observer.BatchFlushed(c.opts.Target, scan, st.batch)
	st.batch = nil
	return nil
}

// walk advances through the roster until a stopping condition holds.
func (c *Crawler) walk(ctx context.Context, st *crawlState, res *Result) (StopReason, error) {
	stepRetry := &retry.Config{
		MaxAttempts: c.opts.MaxStepErrors,
		Backoff:     &retry.ConstantBackoff{Delay: c.opts.SettleDelay},
		RetryIf: func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		},
		OnRetry: func(attempt int, err error, delay time.Duration) {
			res.StepErrors++
			st.backStep(c.opts.BackStep)
		},
		Logger: c.logger,
	}

	for {
		if err := ctx.Err(); err != nil {
			return StopCancelled, err
		}

		before := st.newCount
		var stop StopReason
		err := retry.Do(ctx, func(ctx context.Context) error {
			var err error
			stop, err = c.step(ctx, st, res)
			return err
		}, stepRetry)
		if err != nil {
			if ctx.Err() != nil {
				return StopCancelled, ctx.Err()
			}
			return StopFailed, fmt.Errorf("%w: %w", ErrTooManyStepErrors, err)
		}
		res.Steps++
		if stop != "" {
			return stop, nil
		}

		if st.newCount == before {
			st.idleSteps++
		} else {
			st.idleSteps = 0
		}
		logger.LogScanProgress(c.logger, c.opts.Target, res.Steps, res.Examined, st.newCount)

		if st.idleSteps >= c.opts.MaxIdleSteps {
			return StopExhausted, nil
		}
	}
}

// step examines the rows in the viewport and then scrolls one increment.
// It is safe to repeat: rows already visited are ignored.
func (c *Crawler) step(ctx context.Context, st *crawlState, res *Result) (StopReason, error) {
	if st.reposition {
		if err := c.surface.ScrollTo(ctx, st.cursor); err != nil {
			return "", errs.Wrap(errs.ErrorTypeNavigation, err, "reposition")
		}
		st.reposition = false
	}

	if err := c.ensureSession(ctx); err != nil {
		return "", err
	}

	// A full batch left over from a failed flush goes out before more rows
	// are read.
	if len(st.batch) >= c.opts.BatchSize {
		if err := c.flush(ctx, st, res); err != nil {
			return "", err
		}
	}

	rows, err := c.surface.Rows(ctx)
	if err != nil {
		return "", errs.Wrap(errs.ErrorTypeNavigation, err, "read rows")
	}

	for _, row := range st.unvisited(rows) {
		res.Examined++
		cand, err := row.Candidate()
		if err != nil {
			res.Skipped++
			c.logger.WithError(err).WithField("top", row.Top).Debug("Skipping unreadable row")
			continue
		}

		if st.observe(cand) {
			if len(st.batch) >= c.opts.BatchSize {
				if err := c.flush(ctx, st, res); err != nil {
					return "", err
				}
			}
			continue
		}
		if st.consecutiveKnown >= c.opts.MaxConsecutiveKnown {
			return StopCaughtUp, nil
		}
	}

	if st.atBottom {
		return StopBottom, nil
	}

	before, err := c.surface.Height(ctx)
	if err != nil {
		return "", errs.Wrap(errs.ErrorTypeNavigation, err, "measure height")
	}
	next := st.cursor + c.opts.ScrollStep
	if err := c.surface.ScrollTo(ctx, next); err != nil {
		return "", errs.Wrap(errs.ErrorTypeNavigation, err, "scroll")
	}
	st.cursor = next

	if err := retry.Wait(ctx, c.opts.SettleDelay); err != nil {
		return "", err
	}

	after, err := c.surface.Height(ctx)
	if err != nil {
		return "", errs.Wrap(errs.ErrorTypeNavigation, err, "measure height")
	}
	if after == before && st.cursor >= after {
		st.atBottom = true
	}
	return "", nil
}

// ensureSession blocks while the authenticated session is gone, polling
// until a human restores it or ctx is cancelled.
func (c *Crawler) ensureSession(ctx context.Context) error {
	alive, err := c.surface.SessionAlive(ctx)
	if err != nil {
		return errs.Wrap(errs.ErrorTypeNavigation, err, "check session")
	}
	if alive {
		return nil
	}

	c.state.Store(StateAwaitingLogin)
	defer c.state.Store(StateCrawling)

	c.logger.Warn("Session lost, waiting for manual login")
	c.observer.LoginRequired(c.opts.Target)

	for {
		if err := retry.Wait(ctx, c.opts.LoginPollInterval); err != nil {
			return err
		}
		alive, err := c.surface.SessionAlive(ctx)
		if err != nil {
			c.logger.WithError(err).Debug("Session check failed while waiting for login")
			continue
		}
		if alive {
			c.logger.Info("Session restored, resuming scan")
			c.observer.LoginRestored(c.opts.Target)
			return nil
		}
	}
}
