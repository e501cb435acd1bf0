// Package transport carries protocol envelopes over a duplex connection.
// The realtime package only sees the Transport and Dialer interfaces; the
// WebSocket implementation is the production one and is shared with the
// reference event server.
package transport

import (
	"context"

	"lexrt/pkg/protocol"
)

// Transport is one live duplex connection to a namespace.
// Receive is called from a single reader goroutine; Send and Close may be
// called concurrently with it.
type Transport interface {
	Send(ctx context.Context, env protocol.Envelope) error
	Receive() (protocol.Envelope, error)
	Close() error
}

// Dialer opens a Transport for a namespace.
type Dialer interface {
	Dial(ctx context.Context, namespace string) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, namespace string) (Transport, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, namespace string) (Transport, error) {
	return f(ctx, namespace)
}
