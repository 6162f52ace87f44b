// Package router picks a rank resolution strategy per tracked item.
package router

import (
	"context"
	"fmt"
	"log/slog"

	"shoprank/pkg/types"
)

// StructuredResolver is the API backed strategy.
type StructuredResolver interface {
	Resolve(ctx context.Context, keyword, productID string) types.RankResult
}

// BrowsingResolver is the browser backed strategy.
type BrowsingResolver interface {
	Resolve(ctx context.Context, keyword, productID string, maxPages int, sponsoredOnly bool) (types.RankResult, error)
}

// Options configure page depth per kind.
type Options struct {
	OrganicPages   int
	SponsoredPages int
	Logger         *slog.Logger
}

// Router dispatches items to a resolver. A nil structured resolver means the
// API credentials are not configured.
type Router struct {
	structured StructuredResolver
	browsing   BrowsingResolver
	opts       Options
	logger     *slog.Logger
}

// New builds a router.
func New(structured StructuredResolver, browsing BrowsingResolver, opts Options) *Router {
	if opts.OrganicPages <= 0 {
		opts.OrganicPages = 5
	}
	if opts.SponsoredPages <= 0 {
		opts.SponsoredPages = 5
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{structured: structured, browsing: browsing, opts: opts, logger: logger}
}

// StructuredAvailable reports whether organic items go through the API.
func (r *Router) StructuredAvailable() bool {
	return r.structured != nil
}

// Route resolves item and validates the result shape.
func (r *Router) Route(ctx context.Context, item types.TrackedItem) (types.RankResult, error) {
	var (
		res types.RankResult
		err error
	)
	switch {
	case item.Kind == types.KindSponsored:
		res, err = r.browse(ctx, item, r.opts.SponsoredPages, true)
	case r.structured != nil:
		res = r.structured.Resolve(ctx, item.Keyword, item.ExternalProductID)
	default:
		res, err = r.browse(ctx, item, r.opts.OrganicPages, false)
	}
	if err != nil {
		return types.RankResult{}, err
	}
	res.ExternalProductID = item.ExternalProductID
	if err := res.Validate(); err != nil {
		return types.RankResult{}, fmt.Errorf("item %d: %w", item.ID, err)
	}
	return res, nil
}

func (r *Router) browse(ctx context.Context, item types.TrackedItem, pages int, sponsoredOnly bool) (types.RankResult, error) {
	if r.browsing == nil {
		return types.RankResult{}, fmt.Errorf("item %d: no browsing resolver configured", item.ID)
	}
	r.logger.Debug("routing to browser", "item_id", item.ID, "kind", item.Kind, "pages", pages)
	return r.browsing.Resolve(ctx, item.Keyword, item.ExternalProductID, pages, sponsoredOnly)
}
