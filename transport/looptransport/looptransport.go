// Package looptransport implements transport.Channel entirely in-process,
// for tests: no real network, but the same ordering/backpressure contract.
package looptransport

import (
	"sync"

	"github.com/dropwarp/warpcore/transport"
)

// DefaultCeiling and DefaultLowWater match the spec's transport tunable
// defaults.
const (
	DefaultCeiling  = 8 * 1024 * 1024
	DefaultLowWater = 1 * 1024 * 1024
)

// Loop is one endpoint of an in-process channel pair.
type Loop struct {
	peer *Loop

	mu           sync.Mutex
	onMessage    func(transport.Message)
	onDrainLow   func()
	onClose      func(error)
	buffered     uint64
	ceiling      uint64
	lowWater     uint64
	wasAtCeiling bool
	closed       bool

	queue chan []byte
}

// NewPair returns two connected endpoints: bytes sent on one arrive as
// messages on the other. Both endpoints share the same ceiling/lowWater.
func NewPair(ceiling, lowWater uint64) (*Loop, *Loop) {
	a := &Loop{ceiling: ceiling, lowWater: lowWater, queue: make(chan []byte, 1024)}
	b := &Loop{ceiling: ceiling, lowWater: lowWater, queue: make(chan []byte, 1024)}
	a.peer = b
	b.peer = a
	go a.pump()
	go b.pump()
	return a, b
}

// NewDefaultPair is NewPair with the spec's default ceiling/low-water.
func NewDefaultPair() (*Loop, *Loop) {
	return NewPair(DefaultCeiling, DefaultLowWater)
}

func (l *Loop) pump() {
	for p := range l.queue {
		peer := l.peer
		peer.mu.Lock()
		cb := peer.onMessage
		peer.mu.Unlock()
		if cb != nil {
			cb(transport.Message{Binary: p})
		}

		l.mu.Lock()
		l.buffered -= uint64(len(p))
		crossedLow := l.wasAtCeiling && l.buffered < l.lowWater
		if crossedLow {
			l.wasAtCeiling = false
		}
		drainCb := l.onDrainLow
		l.mu.Unlock()

		if crossedLow && drainCb != nil {
			drainCb()
		}
	}
}

func (l *Loop) Send(p []byte) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return transport.ErrClosed
	}
	if l.buffered+uint64(len(p)) > l.ceiling {
		l.wasAtCeiling = true
		l.mu.Unlock()
		return transport.ErrBufferCeiling
	}
	l.buffered += uint64(len(p))
	l.mu.Unlock()

	cp := append([]byte(nil), p...)
	select {
	case l.queue <- cp:
		return nil
	default:
		l.mu.Lock()
		l.buffered -= uint64(len(p))
		l.wasAtCeiling = true
		l.mu.Unlock()
		return transport.ErrBufferCeiling
	}
}

func (l *Loop) BufferedAmount() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buffered
}

func (l *Loop) SetOnMessage(fn func(transport.Message)) {
	l.mu.Lock()
	l.onMessage = fn
	l.mu.Unlock()
}

func (l *Loop) SetOnDrainLow(fn func()) {
	l.mu.Lock()
	l.onDrainLow = fn
	l.mu.Unlock()
}

func (l *Loop) SetOnClose(fn func(error)) {
	l.mu.Lock()
	l.onClose = fn
	l.mu.Unlock()
}

func (l *Loop) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	cb := l.onClose
	l.mu.Unlock()
	close(l.queue)
	if cb != nil {
		cb(nil)
	}

	peer := l.peer
	peer.mu.Lock()
	if peer.closed {
		peer.mu.Unlock()
		return nil
	}
	peer.closed = true
	peerCb := peer.onClose
	peer.mu.Unlock()
	close(peer.queue)
	if peerCb != nil {
		peerCb(transport.ErrClosed)
	}
	return nil
}
