package source

import (
	"bytes"
	"sync"
)

// doubleBuffer is a producer/consumer byte queue: a background goroutine
// fills the inactive half from src while the active half drains via Read.
// The producer blocks once the inactive half reaches highWater and does not
// resume until it has drained back below lowWater, giving the prefetcher
// hysteresis instead of chattering at a single threshold.
type doubleBuffer struct {
	mu       sync.Mutex
	cond     *sync.Cond
	active   bytes.Buffer
	inactive bytes.Buffer

	src    readerFunc
	srcErr error

	highWater int
	lowWater  int
	blocked   bool
}

type readerFunc interface {
	Read(p []byte) (int, error)
}

func newDoubleBuffer(src readerFunc, highWater, lowWater int) *doubleBuffer {
	db := &doubleBuffer{src: src, highWater: highWater, lowWater: lowWater}
	db.cond = sync.NewCond(&db.mu)
	go db.pump()
	return db
}

func (db *doubleBuffer) pump() {
	buf := make([]byte, 32*1024)
	for {
		db.mu.Lock()
		for {
			if db.srcErr != nil {
				db.mu.Unlock()
				return
			}
			threshold := db.highWater
			if db.blocked {
				threshold = db.lowWater
			}
			if db.inactive.Len() < threshold {
				db.blocked = false
				break
			}
			db.blocked = true
			db.cond.Wait()
		}
		db.mu.Unlock()

		n, err := db.src.Read(buf)

		db.mu.Lock()
		if n > 0 {
			db.inactive.Write(buf[:n])
		}
		if err != nil {
			db.srcErr = err
		}
		db.cond.Broadcast()
		db.mu.Unlock()

		if err != nil {
			return
		}
	}
}

// Read implements io.Reader, swapping in the prefetched half once the
// active half is drained.
func (db *doubleBuffer) Read(p []byte) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for db.active.Len() == 0 {
		if db.inactive.Len() > 0 {
			db.active, db.inactive = db.inactive, db.active
			db.cond.Broadcast()
			continue
		}
		if db.srcErr != nil {
			return 0, db.srcErr
		}
		db.cond.Wait()
	}
	return db.active.Read(p)
}
