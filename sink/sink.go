// Package sink implements the receiver-side write pipeline: ordered
// decrypted chunks arrive, are issued as positional writes to per-file
// handles, and the pipeline finalizes once end-of-stream has been seen and
// every write has drained.
package sink

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrSinkInit is returned (wrapped) by New when the Writer's OpenAll fails;
// the session is aborted before any frames are written.
var ErrSinkInit = errors.New("sink: failed to open file handles")

// FileSpec describes one file to be opened at manifest time.
type FileSpec struct {
	ID   uint16
	Path string
	Size int64
}

// HandleTable is an opaque per-writer handle set returned by OpenAll. The
// Pipeline does not keep it, and Write and CloseAll do not take it.
type HandleTable interface{}

// Writer is the external storage collaborator: how bytes hit disk (or an
// archive, or memory) is entirely its concern.
type Writer interface {
	OpenAll(files []FileSpec) (HandleTable, error)
	Write(fileID uint16, offset int64, p []byte) error
	CloseAll() (actualSize int64, err error)
}

// Pipeline tracks per-file and aggregate progress and drives a Writer,
// deferring finalization until end-of-stream has been observed and no
// writes remain pending.
type Pipeline struct {
	writer Writer

	mu           sync.Mutex
	bytesWritten map[uint16]int64
	aggregate    int64
	pendingWrite int
	eosSeen      bool
	finalized    bool

	onComplete func(actualSize int64)
}

// New returns a pipeline over writer, already initialized via OpenAll.
func New(writer Writer, files []FileSpec) (*Pipeline, error) {
	if _, err := writer.OpenAll(files); err != nil {
		return nil, errors.Wrap(ErrSinkInit, err.Error())
	}
	p := &Pipeline{
		writer:       writer,
		bytesWritten: make(map[uint16]int64, len(files)),
	}
	for _, f := range files {
		p.bytesWritten[f.ID] = 0
	}
	return p, nil
}

// OnComplete registers a callback invoked exactly once, after end-of-stream
// has been seen and all pending writes have drained.
func (p *Pipeline) OnComplete(fn func(actualSize int64)) {
	p.mu.Lock()
	p.onComplete = fn
	p.mu.Unlock()
}

// Accept issues a positional write for one ordered chunk of a logical
// stream. Offsets must arrive in strictly contiguous order per logical
// stream; the reorder buffer upstream guarantees this.
func (p *Pipeline) Accept(fileID uint16, offset int64, payload []byte) error {
	p.mu.Lock()
	p.pendingWrite++
	p.mu.Unlock()

	err := p.writer.Write(fileID, offset, payload)

	p.mu.Lock()
	p.pendingWrite--
	if err == nil {
		p.bytesWritten[fileID] += int64(len(payload))
		p.aggregate += int64(len(payload))
	}
	shouldFinalize := err == nil && p.eosSeen && p.pendingWrite == 0 && !p.finalized
	p.mu.Unlock()

	if err != nil {
		return errors.Wrap(err, "sink: write")
	}
	if shouldFinalize {
		return p.finalize()
	}
	return nil
}

// EndOfStream marks the logical stream as complete. If no writes are
// pending, finalization happens immediately; otherwise it is deferred until
// the last pending write drains, so a race between bulk data and the EOS
// frame never causes a premature close.
func (p *Pipeline) EndOfStream() error {
	p.mu.Lock()
	p.eosSeen = true
	shouldFinalize := p.pendingWrite == 0 && !p.finalized
	p.mu.Unlock()

	if shouldFinalize {
		return p.finalize()
	}
	return nil
}

func (p *Pipeline) finalize() error {
	p.mu.Lock()
	if p.finalized {
		p.mu.Unlock()
		return nil
	}
	p.finalized = true
	cb := p.onComplete
	p.mu.Unlock()

	actualSize, err := p.writer.CloseAll()
	if err != nil {
		return errors.Wrap(err, "sink: close")
	}
	if cb != nil {
		cb(actualSize)
	}
	return nil
}

// BytesWritten returns the aggregate bytes written so far across all files.
func (p *Pipeline) BytesWritten() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.aggregate
}

// Finalized reports whether CloseAll has run.
func (p *Pipeline) Finalized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finalized
}
