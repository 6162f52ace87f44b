package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/go-rod/stealth"
)

// Browser launches isolated browser sessions.
type Browser interface {
	Open(ctx context.Context, opts SessionOptions) (Session, error)
}

// Session is one browser tab. Callers must Close it on every path.
type Session interface {
	// Navigate loads url and waits for the document to finish loading and,
	// within the same timeout, for the network to go idle.
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	// WaitVisible reports whether any of selectors became visible in time.
	// A timeout is not an error.
	WaitVisible(ctx context.Context, selectors []string, timeout time.Duration) (bool, error)
	// Scroll walks to the bottom of the page in steps and returns to the top.
	Scroll(ctx context.Context, step int, pause time.Duration) error
	// HTML returns the current outer HTML of the document.
	HTML(ctx context.Context) (string, error)
	Close() error
}

// SessionOptions tune a single session.
type SessionOptions struct {
	// Minimal skips the anti-detection script and uses default window settings.
	Minimal bool
}

// ChromeOptions configures the chromedp backed browser.
type ChromeOptions struct {
	DisableHeadless bool
	UserAgent       string
	ProxyURL        string
	Stealth         bool
	WindowWidth     int
	WindowHeight    int
	LaunchTimeout   time.Duration
	Logger          *slog.Logger
}

// ChromeBrowser starts a fresh headless Chrome per session using chromedp.
type ChromeBrowser struct {
	opts   ChromeOptions
	logger *slog.Logger
}

// NewChromeBrowser constructs a browser factory.
func NewChromeBrowser(opts ChromeOptions) *ChromeBrowser {
	if opts.LaunchTimeout <= 0 {
		opts.LaunchTimeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ChromeBrowser{opts: opts, logger: logger}
}

// Open launches Chrome and prepares a tab.
func (b *ChromeBrowser) Open(ctx context.Context, opts SessionOptions) (Session, error) {
	execOpts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("headless", !b.opts.DisableHeadless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("lang", "ko-KR"),
	}
	if !opts.Minimal {
		execOpts = append(execOpts, chromedp.Flag("disable-blink-features", "AutomationControlled"))
		if b.opts.WindowWidth > 0 && b.opts.WindowHeight > 0 {
			execOpts = append(execOpts, chromedp.WindowSize(b.opts.WindowWidth, b.opts.WindowHeight))
		}
	}
	if ua := strings.TrimSpace(selectUserAgent(b.opts.UserAgent)); ua != "" {
		execOpts = append(execOpts, chromedp.UserAgent(ua))
	}
	if proxy := strings.TrimSpace(b.opts.ProxyURL); proxy != "" {
		execOpts = append(execOpts, chromedp.ProxyServer(proxy))
	}

	// The session outlives the caller's context deadlines; individual
	// actions are bounded by their own timeouts.
	base := context.WithoutCancel(ctx)
	allocCtx, allocCancel := chromedp.NewExecAllocator(base, execOpts...)
	chromeCtx, chromeCancel := chromedp.NewContext(allocCtx)

	s := &chromeSession{
		ctx:         chromeCtx,
		cancel:      chromeCancel,
		allocCancel: allocCancel,
		logger:      b.logger,
	}

	actions := []chromedp.Action{page.SetLifecycleEventsEnabled(true)}
	if b.opts.Stealth && !opts.Minimal {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(stealth.JS).Do(ctx)
			return err
		}))
	}
	// The first Run allocates the browser and must use the tab context
	// itself, or the browser dies with the derived context.
	timer := time.AfterFunc(b.opts.LaunchTimeout, chromeCancel)
	stop := context.AfterFunc(ctx, chromeCancel)
	err := chromedp.Run(chromeCtx, actions...)
	timer.Stop()
	stop()
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("launch chrome: %w", err)
	}
	b.logger.Debug("chrome session opened", "minimal", opts.Minimal, "stealth", b.opts.Stealth && !opts.Minimal)
	return s, nil
}

type chromeSession struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	logger      *slog.Logger
	closed      bool
}

// run executes actions on the tab, bounded by timeout and by the caller's ctx.
func (s *chromeSession) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(s.ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(s.ctx)
	}
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (s *chromeSession) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	start := time.Now()
	listenCtx, stopListening := context.WithCancel(s.ctx)
	defer stopListening()
	watcher := newIdleWatcher()
	chromedp.ListenTarget(listenCtx, watcher.observe)

	if err := s.run(ctx, timeout, chromedp.Navigate(url), waitForDocumentReady(s.logger)); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	idle := watcher.wait(ctx, remaining(start, timeout))
	if ctx.Err() != nil {
		return fmt.Errorf("navigate %s: %w", url, ctx.Err())
	}
	s.logger.Debug("chrome navigation complete", "url", url, "network_idle", idle,
		"latency_ms", time.Since(start).Milliseconds())
	return nil
}

const defaultIdleWait = 10 * time.Second

// remaining returns what is left of timeout since start, or defaultIdleWait
// when no timeout is set.
func remaining(start time.Time, timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return defaultIdleWait
	}
	left := timeout - time.Since(start)
	if left <= 0 {
		return time.Nanosecond
	}
	return left
}

// idleWatcher fires once a document started after it was created reports
// the networkIdle lifecycle event.
type idleWatcher struct {
	started atomic.Bool
	idle    chan struct{}
	fired   atomic.Bool
}

func newIdleWatcher() *idleWatcher {
	return &idleWatcher{idle: make(chan struct{})}
}

func (w *idleWatcher) observe(ev any) {
	lc, ok := ev.(*page.EventLifecycleEvent)
	if !ok {
		return
	}
	switch lc.Name {
	case "init":
		w.started.Store(true)
	case "networkIdle":
		if w.started.Load() && w.fired.CompareAndSwap(false, true) {
			close(w.idle)
		}
	}
}

// wait blocks until the network is idle, limit elapses or ctx is done. It
// reports whether idle was reached. A zero limit waits on ctx alone.
func (w *idleWatcher) wait(ctx context.Context, limit time.Duration) bool {
	var expired <-chan time.Time
	if limit > 0 {
		timer := time.NewTimer(limit)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-w.idle:
		return true
	case <-expired:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *chromeSession) WaitVisible(ctx context.Context, selectors []string, timeout time.Duration) (bool, error) {
	if len(selectors) == 0 {
		return true, nil
	}
	err := s.run(ctx, timeout, chromedp.WaitVisible(strings.Join(selectors, ", "), chromedp.ByQuery))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, context.DeadlineExceeded):
		return false, nil
	default:
		return false, fmt.Errorf("wait for selectors: %w", err)
	}
}

func (s *chromeSession) Scroll(ctx context.Context, step int, pause time.Duration) error {
	if step <= 0 {
		step = 600
	}
	const maxSteps = 60
	for i := 0; i < maxSteps; i++ {
		var pos struct {
			Bottom float64 `json:"bottom"`
			Height float64 `json:"height"`
		}
		expr := fmt.Sprintf(`(function(){window.scrollBy(0,%d);return {bottom: window.scrollY + window.innerHeight, height: document.body ? document.body.scrollHeight : 0};})()`, step)
		if err := s.run(ctx, 10*time.Second, chromedp.Evaluate(expr, &pos)); err != nil {
			return fmt.Errorf("scroll: %w", err)
		}
		if pos.Bottom >= pos.Height {
			break
		}
		if pause > 0 {
			select {
			case <-time.After(pause):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if err := s.run(ctx, 10*time.Second, chromedp.Evaluate(`window.scrollTo(0,0)`, nil)); err != nil {
		return fmt.Errorf("scroll reset: %w", err)
	}
	return nil
}

func (s *chromeSession) HTML(ctx context.Context) (string, error) {
	var html string
	if err := s.run(ctx, 30*time.Second, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read outer html: %w", err)
	}
	return html, nil
}

// Close shuts down the tab and the browser process. It is safe to call twice.
func (s *chromeSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := chromedp.Cancel(s.ctx)
	s.cancel()
	s.allocCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close chrome: %w", err)
	}
	return nil
}

func selectUserAgent(base string) string {
	if strings.TrimSpace(base) != "" {
		return base
	}
	return "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
}

func waitForDocumentReady(logger *slog.Logger) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			var readyState string
			if err := chromedp.Evaluate(`document.readyState`, &readyState).Do(ctx); err != nil {
				if logger != nil {
					logger.Warn("waitForDocumentReady evaluate failed", "error", err)
				}
				return err
			}
			if readyState == "complete" {
				return nil
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}
