// Package reorder implements the bounded, offset-indexed reorder buffer:
// frames arrive in arbitrary order and are released in contiguous offset
// order starting from 0.
package reorder

import (
	"sync"
	"time"

	"github.com/dropwarp/warpcore/clock"
	"github.com/pkg/errors"
)

// MaxBufferedBytes is the hard cap on buffered-but-not-yet-released bytes.
const MaxBufferedBytes = 64 * 1024 * 1024

// TTL is how long a buffered, out-of-order entry may sit before the sweep
// drops it.
const TTL = 30 * time.Second

// SweepInterval is how often the background sweep runs.
const SweepInterval = 5 * time.Second

// ErrOverflow is returned by Push when accepting a new entry would exceed
// MaxBufferedBytes. This is a signal the underlying transport failed to
// preserve order — fatal in normal operation.
var ErrOverflow = errors.New("reorder: buffer overflow")

// Chunk is one ordered release from the buffer.
type Chunk struct {
	Offset  uint64
	Payload []byte
}

type entry struct {
	payload []byte
	storedAt time.Time
}

// Buffer is a bounded, offset-indexed reorder buffer. It is not safe for
// concurrent use by more than one goroutine pushing at a time, except that
// the background sweep (started via Start) may run concurrently with Push;
// both paths hold the internal mutex.
type Buffer struct {
	mu             sync.Mutex
	pending        map[uint64]entry
	bufferedBytes  int
	nextExpected   uint64
	clk            clock.Clock
	stop           chan struct{}
	stopped        sync.Once
}

// New returns an empty reorder buffer expecting offset 0 next.
func New(clk clock.Clock) *Buffer {
	if clk == nil {
		clk = clock.Real
	}
	return &Buffer{
		pending:      make(map[uint64]entry),
		nextExpected: 0,
		clk:          clk,
		stop:         make(chan struct{}),
	}
}

// Push ingests a chunk at the given offset and returns the list of chunks
// now releasable in contiguous order (possibly including this one,
// possibly more than one if this push closed a gap). Duplicate or
// already-past offsets are silently ignored (returns nil, nil). Pushes that
// would exceed MaxBufferedBytes return ErrOverflow.
func (b *Buffer) Push(offset uint64, payload []byte) ([]Chunk, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if offset < b.nextExpected {
		return nil, nil // duplicate / already-past
	}

	if offset == b.nextExpected {
		released := []Chunk{{Offset: offset, Payload: payload}}
		b.nextExpected += uint64(len(payload))
		for {
			e, ok := b.pending[b.nextExpected]
			if !ok {
				break
			}
			delete(b.pending, b.nextExpected)
			b.bufferedBytes -= len(e.payload)
			released = append(released, Chunk{Offset: b.nextExpected, Payload: e.payload})
			b.nextExpected += uint64(len(e.payload))
		}
		return released, nil
	}

	if _, exists := b.pending[offset]; exists {
		return nil, nil // duplicate
	}

	if b.bufferedBytes+len(payload) > MaxBufferedBytes {
		return nil, ErrOverflow
	}

	b.pending[offset] = entry{payload: payload, storedAt: b.clk.Now()}
	b.bufferedBytes += len(payload)
	return nil, nil
}

// NextExpected returns the next offset this buffer expects.
func (b *Buffer) NextExpected() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextExpected
}

// BufferedBytes returns the current number of buffered-but-undelivered
// bytes.
func (b *Buffer) BufferedBytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bufferedBytes
}

// sweep drops entries older than TTL, preventing permanent memory pinning
// in pathological cases where a gap is never closed.
func (b *Buffer) sweep() {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := b.clk.Now().Add(-TTL)
	for off, e := range b.pending {
		if e.storedAt.Before(cutoff) {
			b.bufferedBytes -= len(e.payload)
			delete(b.pending, off)
		}
	}
}

// Start launches the background TTL sweep goroutine. Stop must be called to
// release it.
func (b *Buffer) Start() {
	go func() {
		ticker := b.clk.NewTicker(SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
				b.sweep()
			case <-b.stop:
				return
			}
		}
	}()
}

// Stop terminates the background sweep goroutine. Safe to call multiple
// times.
func (b *Buffer) Stop() {
	b.stopped.Do(func() {
		close(b.stop)
	})
}
