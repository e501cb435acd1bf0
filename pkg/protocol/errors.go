package protocol

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by the client packages.
var (
	// ErrChannelDisposed is returned when a disposed channel is used. It is
	// the only error that indicates a programming mistake rather than a
	// network condition.
	ErrChannelDisposed = errors.New("channel disposed")

	// ErrNotConnected is returned when sending on a channel without a live transport.
	ErrNotConnected = errors.New("channel not connected")

	// ErrNotAuthenticated is returned when a domain command is sent before
	// the handshake completed.
	ErrNotAuthenticated = errors.New("channel not authenticated")

	// ErrDisconnected fails work that was in flight when the transport dropped.
	// The caller may retry once the channel is back.
	ErrDisconnected = errors.New("channel disconnected")

	// ErrCorrelationPending rejects a start while the same slot is still
	// waiting for its session id.
	ErrCorrelationPending = errors.New("correlation already pending for slot")
)

// TimeoutError reports an operation that did not finish within its bound.
type TimeoutError struct {
	Op      string // "reconnect", "correlate", ...
	Channel string
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s on channel %s timed out after %s", e.Op, e.Channel, e.After)
}

// AuthRejectedError is the server's explicit rejection of an identity.
type AuthRejectedError struct {
	Channel  string
	Identity string
	Reason   string
}

func (e *AuthRejectedError) Error() string {
	return fmt.Sprintf("channel %s rejected identity %q: %s", e.Channel, e.Identity, e.Reason)
}

// GaveUpError is recorded on a channel once automatic retries are exhausted.
type GaveUpError struct {
	Channel  string
	Attempts int
	Last     error
}

func (e *GaveUpError) Error() string {
	return fmt.Sprintf("channel %s gave up after %d attempts: %v", e.Channel, e.Attempts, e.Last)
}

func (e *GaveUpError) Unwrap() error {
	return e.Last
}
