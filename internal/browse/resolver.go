// Package browse resolves ranks by driving a headless browser through the
// live search result pages.
package browse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"strconv"
	"strings"
	"time"

	"shoprank/internal/config"
	"shoprank/internal/fetcher"
	"shoprank/pkg/types"
)

// Strategy labels results produced by this resolver.
const Strategy = "browse"

// ErrLaunch wraps failures to start a browser session.
var ErrLaunch = errors.New("browser launch failed")

// Diagnostic notes attached after a scan that found nothing.
const (
	NoteNoMatch        = "candidates existed but none matched"
	NoteNoCandidates   = "no candidates could be loaded"
	NoteFallbackFailed = "fallback attempt failed"
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the production Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Options configure the resolver.
type Options struct {
	Browser   config.BrowserConfig
	Selectors config.SelectorConfig
	Shaping   config.ShapingConfig
	Sleep     Sleeper
	Rand      *rand.Rand
	Logger    *slog.Logger
}

// Resolver scans result pages in a browser session.
type Resolver struct {
	browser fetcher.Browser
	opts    Options
	sleep   Sleeper
	logger  *slog.Logger
}

// NewResolver builds a resolver on top of browser.
func NewResolver(browser fetcher.Browser, opts Options) *Resolver {
	sleep := opts.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{browser: browser, opts: opts, sleep: sleep, logger: logger}
}

// Resolve scans up to maxPages pages for productID. Not-found and block
// outcomes are results; launch and navigation failures are errors so the
// caller can retry.
func (r *Resolver) Resolve(ctx context.Context, keyword, productID string, maxPages int, sponsoredOnly bool) (types.RankResult, error) {
	if maxPages <= 0 {
		maxPages = 1
	}
	logger := r.logger.With("keyword", keyword, "product_id", productID, "strategy", Strategy, "sponsored_only", sponsoredOnly)

	sess, err := r.browser.Open(ctx, fetcher.SessionOptions{})
	if err != nil {
		return types.RankResult{}, fmt.Errorf("%w: %v", ErrLaunch, err)
	}
	released := false
	defer func() {
		if !released {
			r.closeSession(sess, logger)
		}
	}()

	scanned := 0
	for page := 1; page <= maxPages; page++ {
		facts, err := r.scanPage(ctx, sess, keyword, page, sponsoredOnly, logger)
		if err != nil {
			return types.RankResult{}, err
		}
		if facts.Blocked {
			logger.Warn("block page detected", "page", page, "marker", facts.BlockMarker)
			return r.label(types.NotFound(productID,
				fmt.Sprintf("block page detected on page %d (marker %q)", page, facts.BlockMarker))), nil
		}
		for i, card := range facts.Cards {
			if !card.IDs.Matches(productID) {
				continue
			}
			placement := types.NewPlacement(scanned + i + 1)
			placement.StoreName = card.StoreName
			placement.StoreLink = card.Link
			placement.Price = card.Price
			logger.Info("product located", "page", page, "rank", placement.GlobalRank)
			return r.label(types.Found(productID, placement)), nil
		}
		scanned += len(facts.Cards)
		logger.Debug("page scanned without match", "page", page, "candidates", len(facts.Cards), "cards", facts.TotalCards)
		if page < maxPages {
			if err := r.sleep(ctx, r.opts.Shaping.PageDelay.Pick(r.opts.Rand)); err != nil {
				return types.RankResult{}, err
			}
		}
	}

	res := types.NotFound(productID, fmt.Sprintf("not found in %d pages (%d candidates scanned)", maxPages, scanned))
	// Only one session may be alive per resolution.
	r.closeSession(sess, logger)
	released = true
	return r.label(res.WithNote(r.fallback(ctx, keyword, scanned, sponsoredOnly, logger))), nil
}

func (r *Resolver) scanPage(ctx context.Context, sess fetcher.Session, keyword string, page int, sponsoredOnly bool, logger *slog.Logger) (PageFacts, error) {
	target := r.searchURL(keyword, page)
	if err := sess.Navigate(ctx, target, r.opts.Browser.NavigationTimeout.Duration); err != nil {
		return PageFacts{}, fmt.Errorf("page %d: %w", page, err)
	}
	visible, err := sess.WaitVisible(ctx, r.opts.Selectors.Cards, r.opts.Browser.SelectorTimeout.Duration)
	if err != nil {
		logger.Warn("waiting for product cards failed", "page", page, "error", err)
	} else if !visible {
		logger.Warn("no product cards visible, possible block", "page", page)
	}
	if err := sess.Scroll(ctx, r.opts.Shaping.ScrollStep, r.opts.Shaping.ScrollPause.Duration); err != nil {
		logger.Debug("scroll failed", "page", page, "error", err)
	}
	if err := r.sleep(ctx, r.opts.Shaping.ExtractDelay.Pick(r.opts.Rand)); err != nil {
		return PageFacts{}, err
	}
	html, err := sess.HTML(ctx)
	if err != nil {
		return PageFacts{}, fmt.Errorf("page %d: %w", page, err)
	}
	facts, err := Extract(html, r.opts.Selectors, sponsoredOnly)
	if err != nil {
		return PageFacts{}, fmt.Errorf("page %d: %w", page, err)
	}
	return facts, nil
}

// fallback reloads the first page in a plain session and reports which of
// the three diagnostic outcomes applies. It never changes the result.
func (r *Resolver) fallback(ctx context.Context, keyword string, scanned int, sponsoredOnly bool, logger *slog.Logger) string {
	sess, err := r.browser.Open(ctx, fetcher.SessionOptions{Minimal: true})
	if err != nil {
		logger.Warn("fallback session failed to start", "error", err)
		return fmt.Sprintf("%s: %v", NoteFallbackFailed, err)
	}
	defer r.closeSession(sess, logger)

	if err := sess.Navigate(ctx, r.searchURL(keyword, 1), r.opts.Browser.NavigationTimeout.Duration); err != nil {
		logger.Warn("fallback navigation failed", "error", err)
		return fmt.Sprintf("%s: %v", NoteFallbackFailed, err)
	}
	html, err := sess.HTML(ctx)
	if err != nil {
		return fmt.Sprintf("%s: %v", NoteFallbackFailed, err)
	}
	facts, err := Extract(html, r.opts.Selectors, sponsoredOnly)
	if err != nil {
		return fmt.Sprintf("%s: %v", NoteFallbackFailed, err)
	}
	if scanned > 0 || len(facts.Cards) > 0 {
		return NoteNoMatch
	}
	if facts.Blocked {
		return fmt.Sprintf("%s (fallback blocked by %q)", NoteNoCandidates, facts.BlockMarker)
	}
	return NoteNoCandidates
}

func (r *Resolver) searchURL(keyword string, page int) string {
	return strings.NewReplacer(
		"{query}", url.QueryEscape(keyword),
		"{page}", strconv.Itoa(page),
	).Replace(r.opts.Browser.SearchURL)
}

func (r *Resolver) closeSession(sess fetcher.Session, logger *slog.Logger) {
	if err := sess.Close(); err != nil {
		logger.Warn("browser session close failed", "error", err)
	}
}

func (r *Resolver) label(res types.RankResult) types.RankResult {
	res.Strategy = Strategy
	return res
}
