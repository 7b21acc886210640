// Package transport defines the ordered, reliable datagram channel contract
// the core transfer engine is built against. The core never depends on a
// concrete transport; it depends only on this interface.
package transport

import "github.com/pkg/errors"

// ErrClosed is returned by Send once the channel has been closed.
var ErrClosed = errors.New("transport: channel closed")

// ErrBufferCeiling is returned by Send when accepting more data would push
// BufferedAmount past the channel's configured ceiling; callers are
// expected to wait for a drain-low callback before retrying.
var ErrBufferCeiling = errors.New("transport: buffered amount at ceiling")

// Message is one inbound delivery: exactly one of Text or Binary is set.
type Message struct {
	Text   string
	Binary []byte
}

// Channel is the transport contract: ordered, reliable delivery of text or
// binary messages, with backpressure signaled through BufferedAmount and a
// drain-low callback rather than by dropping data.
type Channel interface {
	// Send enqueues p for delivery. The core never assumes the write is
	// synchronous with the peer having received it.
	Send(p []byte) error

	// BufferedAmount reports bytes queued for delivery but not yet
	// acknowledged as sent.
	BufferedAmount() uint64

	// SetOnMessage registers the inbound message callback. A later call
	// replaces the earlier callback for messages delivered after it.
	SetOnMessage(func(msg Message))

	// SetOnDrainLow registers the callback fired when BufferedAmount falls
	// below the channel's low-water mark after having been at or above the
	// high-water mark.
	SetOnDrainLow(func())

	// SetOnClose registers the callback fired exactly once when the
	// channel closes, with the triggering reason (nil for a clean local
	// close).
	SetOnClose(func(reason error))

	// Close tears the channel down. Idempotent.
	Close() error
}
