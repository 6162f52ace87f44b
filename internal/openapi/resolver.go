package openapi

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"shoprank/internal/matcher"
	"shoprank/pkg/types"
)

// Strategy labels results produced by this resolver.
const Strategy = "openapi"

// NoteRedirectDerived marks results matched through a followed result link.
const NoteRedirectDerived = "redirect-derived match"

// Searcher returns one ranked page of candidates.
type Searcher interface {
	Search(ctx context.Context, keyword string, start, display int) ([]types.Candidate, error)
}

// Redirector follows a link and returns the final URL.
type Redirector interface {
	Resolve(ctx context.Context, rawURL string) (string, error)
}

// Options tune the resolver.
type Options struct {
	PageSize        int
	Pages           int
	BatchSize       int
	RedirectTimeout time.Duration
	Logger          *slog.Logger
}

// Resolver finds a product in the top PageSize*Pages API results.
type Resolver struct {
	search   Searcher
	redirect Redirector
	opts     Options
	logger   *slog.Logger
}

// NewResolver builds a resolver. Zero options fall back to two pages of 100
// and redirect batches of 8.
func NewResolver(search Searcher, redirect Redirector, opts Options) *Resolver {
	if opts.PageSize <= 0 || opts.PageSize > MaxDisplay {
		opts.PageSize = MaxDisplay
	}
	if opts.Pages <= 0 {
		opts.Pages = 2
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 8
	}
	if opts.RedirectTimeout <= 0 {
		opts.RedirectTimeout = 8 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{search: search, redirect: redirect, opts: opts, logger: logger}
}

// Resolve never returns an error: request failures become a not-found
// result whose notes carry the failure.
func (r *Resolver) Resolve(ctx context.Context, keyword, productID string) types.RankResult {
	logger := r.logger.With("keyword", keyword, "product_id", productID, "strategy", Strategy)

	ranked, err := r.fetchRanked(ctx, keyword)
	if err != nil {
		logger.Warn("search api request failed", "error", err)
		return r.label(types.NotFound(productID, fmt.Sprintf("search api request failed: %v", err)))
	}
	logger.Debug("search api candidates fetched", "count", len(ranked))

	if idx := directMatch(ranked, productID); idx >= 0 {
		return r.label(types.Found(productID, placementFor(ranked, idx)))
	}

	idx, finalURL := r.redirectMatch(ctx, ranked, productID, logger)
	if idx >= 0 {
		logger.Info("matched through redirect", "rank", idx+1, "final_url", finalURL)
		return r.label(types.Found(productID, placementFor(ranked, idx), NoteRedirectDerived))
	}
	return r.label(types.NotFound(productID, fmt.Sprintf("no match within top %d", len(ranked))))
}

func (r *Resolver) label(res types.RankResult) types.RankResult {
	res.Strategy = Strategy
	return res
}

// fetchRanked requests every page concurrently and concatenates them in page order.
func (r *Resolver) fetchRanked(ctx context.Context, keyword string) ([]types.Candidate, error) {
	pages := make([][]types.Candidate, r.opts.Pages)
	g, gctx := errgroup.WithContext(ctx)
	for i := range pages {
		start := 1 + i*r.opts.PageSize
		g.Go(func() error {
			items, err := r.search.Search(gctx, keyword, start, r.opts.PageSize)
			if err != nil {
				return fmt.Errorf("page start=%d: %w", start, err)
			}
			pages[i] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var ranked []types.Candidate
	for _, page := range pages {
		if len(page) > r.opts.PageSize {
			page = page[:r.opts.PageSize]
		}
		ranked = append(ranked, page...)
	}
	return ranked, nil
}

func directMatch(ranked []types.Candidate, productID string) int {
	for i, c := range ranked {
		if matcher.Equals(c.ProductID, productID) {
			return i
		}
	}
	return -1
}

// redirectMatch follows result links batch by batch and returns the index of
// the first candidate whose final URL carries the target.
func (r *Resolver) redirectMatch(ctx context.Context, ranked []types.Candidate, productID string, logger *slog.Logger) (int, string) {
	if r.redirect == nil {
		return -1, ""
	}
	for start := 0; start < len(ranked); start += r.opts.BatchSize {
		end := min(start+r.opts.BatchSize, len(ranked))
		finals := make([]string, end-start)
		matched := make([]bool, end-start)

		var g errgroup.Group
		for i := start; i < end; i++ {
			c := ranked[i]
			if c.Link == "" {
				continue
			}
			g.Go(func() error {
				rctx, cancel := context.WithTimeout(ctx, r.opts.RedirectTimeout)
				defer cancel()
				final, err := r.redirect.Resolve(rctx, c.Link)
				if err != nil {
					logger.Debug("redirect follow failed", "rank", i+1, "error", err)
					final = c.Link
				}
				set := matcher.ExtractCandidateIDs(final)
				finals[i-start] = final
				matched[i-start] = set.Matches(productID) || matcher.Equals(c.ProductID, productID)
				return nil
			})
		}
		_ = g.Wait()

		for j, ok := range matched {
			if ok {
				return start + j, finals[j]
			}
		}
	}
	return -1, ""
}

func placementFor(ranked []types.Candidate, idx int) types.Placement {
	c := ranked[idx]
	p := types.NewPlacement(idx + 1)
	p.StoreName = c.MallName
	p.StoreLink = c.Link
	p.Price = ParsePrice(c.Price)
	return p
}
