// Package channel defines the narrow contract the transfer protocol
// consumes from the connection layer, plus an in-process implementation.
// Establishing and maintaining the peer link is the connection layer's
// problem; the protocol only needs reachability, a send primitive and an
// inbound message notification.
package channel

import (
	"encoding/json"
	"errors"
)

// ErrClosed is returned by Send once an endpoint has been closed or its
// peer has gone away.
var ErrClosed = errors.New("channel closed")

// Handler receives one inbound message from the peer.
type Handler func(msg json.RawMessage)

// Subscription pairs a registered handler with its deregistration. Cancel
// is idempotent; the subscriber must call it on teardown so handlers are
// never leaked across peer replacements.
type Subscription interface {
	Cancel()
}

// Channel is a bidirectional message link to a single peer.
type Channel interface {
	// Connected reports current peer reachability.
	Connected() bool

	// Send delivers one message to the peer, best effort.
	Send(msg json.RawMessage) error

	// Subscribe registers a handler for inbound messages.
	Subscribe(h Handler) Subscription

	// Close tears the endpoint down.
	Close() error
}
