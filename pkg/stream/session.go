// Package stream folds session-scoped server events into the state of one
// asynchronous AI operation (a chat turn or a document summarization).
// Consumers read plain Session values; they never see raw events.
package stream

import (
	"time"
)

// Kind is the type of operation a session tracks.
type Kind string

// Session kinds.
const (
	KindChat          Kind = "chat"
	KindSummarization Kind = "summarization"
)

// Status is the position of a session in its state machine:
// pending -> streaming -> completed | failed.
type Status string

// Session statuses.
const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Session is the folded state of one operation.
type Session struct {
	ID       string `json:"id"`
	Kind     Kind   `json:"kind"`
	Status   Status `json:"status"`
	Content  string `json:"content"`            // accumulated deltas, or the final result
	Progress int    `json:"progress,omitempty"` // 0-100, never decreases; summarization only
	Error    string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Outcome describes what happened to an applied event.
type Outcome int

// Outcomes of Store mutations.
const (
	Applied         Outcome = iota // state changed or was confirmed
	DroppedUnknown                 // no session with that id
	DroppedTerminal                // session already completed or failed
	DroppedKind                    // event kind does not match the session kind
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case DroppedUnknown:
		return "dropped_unknown"
	case DroppedTerminal:
		return "dropped_terminal"
	case DroppedKind:
		return "dropped_kind"
	default:
		return "unknown"
	}
}

// clampPercent bounds a reported percentage to [0,100].
func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
