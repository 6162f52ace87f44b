package types

import (
	"errors"
	"fmt"
	"time"
)

// PageSize is the number of result cards the shopping site shows per page.
// Reported page numbers are always derived from this value, regardless of
// how many rows an upstream API returns per call.
const PageSize = 40

// ErrInvalidResult is returned when a RankResult violates its shape invariants.
var ErrInvalidResult = errors.New("invalid rank result")

// Kind distinguishes organic listings from paid placements.
type Kind string

const (
	KindOrganic   Kind = "organic"
	KindSponsored Kind = "sponsored"
)

// TrackedItem is a (keyword, product) pair re-checked on a fixed interval.
type TrackedItem struct {
	ID                int64  `json:"id"`
	AccountID         int64  `json:"account_id"`
	Keyword           string `json:"keyword"`
	ExternalProductID string `json:"external_product_id"`
	Kind              Kind   `json:"kind"`
	IntervalMinutes   int    `json:"interval_minutes"`
	Active            bool   `json:"active"`
}

// AllowedIntervals lists the check intervals the scheduler understands.
var AllowedIntervals = []int{60, 360, 720, 1440}

// ValidInterval reports whether minutes is one of AllowedIntervals.
func ValidInterval(minutes int) bool {
	for _, v := range AllowedIntervals {
		if v == minutes {
			return true
		}
	}
	return false
}

// QueueEntry is a tracked item waiting for (or undergoing) resolution.
type QueueEntry struct {
	Item       TrackedItem
	EnqueuedAt time.Time
	RetryCount int
}

// ProgressStatus is the lifecycle stage of a single search.
type ProgressStatus string

const (
	StatusSearching ProgressStatus = "searching"
	StatusRetrying  ProgressStatus = "retrying"
	StatusCompleted ProgressStatus = "completed"
	StatusFailed    ProgressStatus = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s ProgressStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// SearchProgress is the observable status record of one tracked item.
type SearchProgress struct {
	ItemID      int64          `json:"item_id"`
	Keyword     string         `json:"keyword"`
	Status      ProgressStatus `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	RetryCount  int            `json:"retry_count"`
}

// Placement carries the rank fields of a found product.
type Placement struct {
	StoreName      string `json:"store_name,omitempty"`
	StoreLink      string `json:"store_link,omitempty"`
	Price          int    `json:"price"`
	GlobalRank     int    `json:"global_rank"`
	PageNumber     int    `json:"page_number"`
	RankWithinPage int    `json:"rank_within_page"`
}

// NewPlacement derives page fields from a 1-based global rank.
func NewPlacement(globalRank int) Placement {
	return Placement{
		GlobalRank:     globalRank,
		PageNumber:     (globalRank + PageSize - 1) / PageSize,
		RankWithinPage: ((globalRank - 1) % PageSize) + 1,
	}
}

// RankResult is the normalised outcome of one resolution attempt.
// Placement is nil when the product was not found.
type RankResult struct {
	ExternalProductID string     `json:"external_product_id"`
	Placement         *Placement `json:"placement,omitempty"`
	Notes             []string   `json:"notes,omitempty"`
	Strategy          string     `json:"strategy,omitempty"`
	CheckedAt         time.Time  `json:"checked_at"`
}

// Found builds a successful result.
func Found(productID string, placement Placement, notes ...string) RankResult {
	p := placement
	return RankResult{
		ExternalProductID: productID,
		Placement:         &p,
		Notes:             notes,
		CheckedAt:         time.Now(),
	}
}

// NotFound builds a result with explanatory notes only.
func NotFound(productID string, notes ...string) RankResult {
	return RankResult{
		ExternalProductID: productID,
		Notes:             notes,
		CheckedAt:         time.Now(),
	}
}

// Found reports whether the product was located.
func (r RankResult) Found() bool {
	return r.Placement != nil
}

// WithNote returns a copy of r with note appended.
func (r RankResult) WithNote(note string) RankResult {
	r.Notes = append(append([]string(nil), r.Notes...), note)
	return r
}

// Validate enforces the placement invariants.
func (r RankResult) Validate() error {
	if r.Placement == nil {
		return nil
	}
	p := r.Placement
	if p.GlobalRank < 1 {
		return fmt.Errorf("%w: global rank %d < 1", ErrInvalidResult, p.GlobalRank)
	}
	want := NewPlacement(p.GlobalRank)
	if p.PageNumber != want.PageNumber || p.RankWithinPage != want.RankWithinPage {
		return fmt.Errorf("%w: rank %d reported as page %d position %d", ErrInvalidResult,
			p.GlobalRank, p.PageNumber, p.RankWithinPage)
	}
	if p.Price < 0 {
		return fmt.Errorf("%w: negative price %d", ErrInvalidResult, p.Price)
	}
	return nil
}

// Candidate is one ranked entry returned by the structured search API.
type Candidate struct {
	Title       string `json:"title"`
	Link        string `json:"link"`
	Price       string `json:"lprice"`
	MallName    string `json:"mallName"`
	ProductID   string `json:"productId"`
	ProductType string `json:"productType"`
}

// Track is one persisted rank observation.
type Track struct {
	ID        int64      `json:"id"`
	ItemID    int64      `json:"item_id"`
	Result    RankResult `json:"result"`
	CheckedAt time.Time  `json:"checked_at"`
}
