package api

import (
	"context"
	"time"

	"shoprank/internal/scheduler"
	"shoprank/internal/tracker"
	"shoprank/pkg/types"
)

// StatusSource serves the queue read model.
type StatusSource interface {
	Status() tracker.Status
	Progress(itemID int64) (types.SearchProgress, bool)
}

// Runner triggers an immediate pass over the active items.
type Runner interface {
	RunAll(ctx context.Context) (scheduler.TickResult, error)
}

// ProgressLister reads progress records shared by every replica.
type ProgressLister interface {
	List(ctx context.Context) ([]types.SearchProgress, error)
}

// EventSource hands out live event subscriptions.
type EventSource interface {
	Subscribe() (<-chan types.Event, func())
}

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// RunResponse is returned by POST /api/search/run.
type RunResponse struct {
	Enqueued int  `json:"enqueued"`
	Kicked   bool `json:"kicked"`
	Checked  int  `json:"checked"`
}

// ErrorResponse wraps error messages.
type ErrorResponse struct {
	Error string `json:"error"`
}
