// Package browser drives a real Chrome instance through the DevTools
// protocol and exposes the followers page as a page.Surface.
//
// The browser runs with a persistent profile directory: a human logs in once
// (see Browser.OpenLogin) and later sessions reuse the cookies.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/chromedp/chromedp"

	"rosterwatch/pkg/config"
	errs "rosterwatch/pkg/errors"
	"rosterwatch/pkg/logger"
	"rosterwatch/pkg/page"
)

const actionTimeout = 15 * time.Second

// Browser is one Chrome process with a single tab
type Browser struct {
	cfg         config.BrowserConfig
	tab         context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
	rowsJS      string
	aliveJS     string
	readyJS     string
	rosterURL   string
	logger      logger.Logger
}

var _ page.Surface = (*Browser)(nil)

func allocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("password-store", "basic"),
		chromedp.WindowSize(1280, 900),
	)
	if cfg.ProfileDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.ProfileDir))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}

// Launch starts Chrome. The process lives until Close; ctx only bounds
// the startup.
func Launch(ctx context.Context, cfg config.BrowserConfig, log logger.Logger) (*Browser, error) {
	if log == nil {
		log = logger.GetLogger()
	}
	log = log.WithField("component", "browser")

	if cfg.ProfileDir != "" {
		if err := os.MkdirAll(cfg.ProfileDir, 0o700); err != nil {
			return nil, fmt.Errorf("create profile dir: %w", err)
		}
	}

	rowsJS, err := rowsScript(cfg)
	if err != nil {
		return nil, err
	}
	aliveJS, err := aliveScript(cfg)
	if err != nil {
		return nil, err
	}

	readyJS, err := readyScript(cfg)
	if err != nil {
		return nil, err
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.WithoutCancel(ctx), allocatorOptions(cfg)...)
	tab, cancelTab := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...interface{}) {
			log.Debug(fmt.Sprintf(format, args...))
		}),
	)

	b := &Browser{
		cfg:         cfg,
		tab:         tab,
		cancelTab:   cancelTab,
		cancelAlloc: cancelAlloc,
		rowsJS:      rowsJS,
		aliveJS:     aliveJS,
		readyJS:     readyJS,
		logger:      log,
	}

	// The first Run starts the process.
	if err := b.run(ctx, cfg.NavigationTimeout); err != nil {
		b.Close()
		return nil, errs.Wrap(errs.ErrorTypeNavigation, err, "start browser")
	}

	log.InfoWithFields("Browser started", map[string]interface{}{
		"headless":    cfg.Headless,
		"profile_dir": cfg.ProfileDir,
	})
	return b, nil
}

// Close shuts Chrome down
func (b *Browser) Close() error {
	b.cancelTab()
	b.cancelAlloc()
	return nil
}

// run executes actions on the tab, aborting when ctx is done or timeout elapses.
func (b *Browser) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if timeout <= 0 {
		timeout = actionTimeout
	}
	runCtx, cancel := context.WithTimeout(b.tab, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Navigate loads url and waits for the document body
func (b *Browser) Navigate(ctx context.Context, url string) error {
	b.logger.WithField("url", url).Info("Navigating")
	err := b.run(ctx, b.cfg.NavigationTimeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return errs.Wrap(errs.ErrorTypeNavigation, err, "navigate to "+url)
	}
	return nil
}

// OpenLogin shows the login page so a human can sign in to the profile.
func (b *Browser) OpenLogin(ctx context.Context) error {
	return b.Navigate(ctx, b.cfg.LoginURL)
}

// SetRosterURL sets the page Reload opens
func (b *Browser) SetRosterURL(url string) {
	b.rosterURL = url
}

// Reload implements page.Surface. It opens the roster page afresh and
// waits until either a row or the login form has rendered, so an expired
// session still surfaces through SessionAlive.
func (b *Browser) Reload(ctx context.Context) error {
	if b.rosterURL == "" {
		return errs.New(errs.ErrorTypeNavigation, 0, "no roster page set")
	}
	if err := b.Navigate(ctx, b.rosterURL); err != nil {
		return err
	}
	var ready bool
	err := b.run(ctx, b.cfg.NavigationTimeout,
		chromedp.Poll(b.readyJS, &ready, chromedp.WithPollingInterval(200*time.Millisecond)),
	)
	if err != nil {
		return errs.Wrap(errs.ErrorTypeNavigation, err, "wait for roster rows")
	}
	return nil
}

// Rows implements page.Surface
func (b *Browser) Rows(ctx context.Context) ([]page.Row, error) {
	var rows []page.Row
	if err := b.run(ctx, actionTimeout, chromedp.Evaluate(b.rowsJS, &rows)); err != nil {
		return nil, err
	}
	return rows, nil
}

// ScrollTo implements page.Surface
func (b *Browser) ScrollTo(ctx context.Context, y int) error {
	return b.run(ctx, actionTimeout, chromedp.Evaluate(fmt.Sprintf("window.scrollTo(0, %d)", y), nil))
}

// Height implements page.Surface
func (b *Browser) Height(ctx context.Context) (int, error) {
	var h int
	err := b.run(ctx, actionTimeout, chromedp.Evaluate(`document.body.scrollHeight`, &h))
	return h, err
}

// SessionAlive implements page.Surface
func (b *Browser) SessionAlive(ctx context.Context) (bool, error) {
	var alive bool
	err := b.run(ctx, actionTimeout, chromedp.Evaluate(b.aliveJS, &alive))
	return alive, err
}

func jsString(s string) (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// rowsScript snapshots every row in the document. Rows that throw while
// being read are reported with an error instead of aborting the snapshot.
func rowsScript(cfg config.BrowserConfig) (string, error) {
	row, err := jsString(cfg.RowSelector)
	if err != nil {
		return "", err
	}
	name, err := jsString(cfg.DisplayNameSelector)
	if err != nil {
		return "", err
	}
	user, err := jsString(cfg.UsernameSelector)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(`(() => {
  const vh = window.innerHeight || document.documentElement.clientHeight;
  const vw = window.innerWidth || document.documentElement.clientWidth;
  const text = (el) => (el && el.textContent ? el.textContent.trim() : "");
  const out = [];
  for (const cell of document.querySelectorAll(%s)) {
    const rect = cell.getBoundingClientRect();
    const entry = {
      top: Math.round(rect.top + window.scrollY),
      visible: rect.top >= 0 && rect.left >= 0 && rect.bottom <= vh && rect.right <= vw,
      display_name: "",
      username: ""
    };
    try {
      entry.display_name = text(cell.querySelector(%s));
      entry.username = text(cell.querySelector(%s));
      if (!entry.username.startsWith("@")) {
        const handle = Array.from(cell.querySelectorAll("span")).map(text).find((t) => t.startsWith("@"));
        if (handle) entry.username = handle;
      }
    } catch (e) {
      entry.error = String(e);
    }
    out.push(entry);
  }
  return out;
})()`, row, name, user), nil
}

func readyScript(cfg config.BrowserConfig) (string, error) {
	row, err := jsString(cfg.RowSelector)
	if err != nil {
		return "", err
	}
	login, err := jsString(cfg.LoginSelector)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`!!(document.querySelector(%s) || document.querySelector(%s))`, row, login), nil
}

func aliveScript(cfg config.BrowserConfig) (string, error) {
	login, err := jsString(cfg.LoginSelector)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`!document.querySelector(%s) && !location.href.includes("logout=")`, login), nil
}
