package types

import "time"

// EventKind names a search lifecycle transition.
type EventKind string

const (
	EventSearchStarted   EventKind = "searchStarted"
	EventSearchCompleted EventKind = "searchCompleted"
	EventSearchFailed    EventKind = "searchFailed"
)

// Event is emitted to observers as the queue makes progress.
type Event struct {
	ID        string      `json:"id"`
	Kind      EventKind   `json:"type"`
	ItemID    int64       `json:"item_id"`
	Keyword   string      `json:"keyword"`
	Timestamp time.Time   `json:"timestamp"`
	Attempt   int         `json:"attempt"`
	Result    *RankResult `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
}
