// Package source implements the sender-side read pipeline: a single file or
// a set of files woven into a streaming archive, cut into fixed-size chunks
// for the frame codec, prefetched through a double buffer so the sender
// engine is never blocked waiting on disk I/O.
package source

import (
	"archive/zip"
	"compress/flate"
	"io"
	"time"

	"github.com/pkg/errors"
)

// archiveCopyBufSize sizes the fallback buffer used to stream one archive
// entry into the zip writer when neither side exposes a WriteTo/ReadFrom
// shortcut.
const archiveCopyBufSize = 4096

// copyEntry streams one archive entry's full contents into w, favoring
// WriteTo/ReadFrom over a manual buffered copy where the reader or writer
// offers one.
func copyEntry(w io.Writer, r io.Reader) (int64, error) {
	if wt, ok := r.(io.WriterTo); ok {
		return wt.WriteTo(w)
	}
	if rt, ok := w.(io.ReaderFrom); ok {
		return rt.ReadFrom(r)
	}
	buf := make([]byte, archiveCopyBufSize)
	return io.CopyBuffer(w, r, buf)
}

const (
	// DefaultPrefetchHigh/Low bound the single-stream double buffer.
	DefaultPrefetchHigh = 8 * 1024 * 1024
	DefaultPrefetchLow  = 2 * 1024 * 1024

	// ArchiveQueueHigh/Low bound the archive-stream double buffer; wider
	// than the single-stream bounds because the zip writer goroutine
	// producing into it can itself be reading from many files.
	ArchiveQueueHigh = 32 * 1024 * 1024
	ArchiveQueueLow  = 8 * 1024 * 1024

	// ArchiveCompressionThreshold selects the archive method: payloads at
	// or below this size are deflated at level 6; larger ones pass
	// through uncompressed (store) to avoid paying CPU for bulk data that
	// rarely compresses well and to keep memory/CPU proportional to
	// throughput at scale.
	ArchiveCompressionThreshold = 64 * 1024 * 1024
)

// Pipeline emits fixed-size chunks of a single logical byte stream, either a
// lone file or a streaming archive of many files. file_index is always 0 for
// the stream it drives; Offset tracks the cumulative byte position within
// that stream.
type Pipeline struct {
	db     *doubleBuffer
	offset uint64
	done   bool
}

func newPipeline(src readerFunc, highWater, lowWater int) *Pipeline {
	return &Pipeline{db: newDoubleBuffer(src, highWater, lowWater)}
}

// NewSingleStream builds a pipeline reading directly from r (typically an
// *os.File).
func NewSingleStream(r io.Reader) *Pipeline {
	return newPipeline(r, DefaultPrefetchHigh, DefaultPrefetchLow)
}

// Entry describes one file woven into an archive-stream logical stream.
type Entry struct {
	Path     string
	Size     int64
	Modified time.Time
	Reader   io.Reader
}

// NewArchiveStream builds a pipeline that streams a single zip archive
// covering entries in the given order as one logical byte stream. totalSize
// is the sum of entry sizes, used only to pick the archive method.
func NewArchiveStream(entries []Entry, totalSize int64) *Pipeline {
	pr, pw := io.Pipe()
	method := uint16(zip.Deflate)
	if totalSize > ArchiveCompressionThreshold {
		method = zip.Store
	}
	go writeArchive(pw, entries, method)
	return newPipeline(pr, ArchiveQueueHigh, ArchiveQueueLow)
}

func writeArchive(pw *io.PipeWriter, entries []Entry, method uint16) {
	zw := zip.NewWriter(pw)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, 6)
	})
	for _, e := range entries {
		hdr := &zip.FileHeader{Name: e.Path, Method: method}
		if !e.Modified.IsZero() {
			hdr.Modified = e.Modified
		}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			zw.Close()
			pw.CloseWithError(errors.Wrapf(err, "source: create archive entry %q", e.Path))
			return
		}
		if _, err := copyEntry(w, e.Reader); err != nil {
			zw.Close()
			pw.CloseWithError(errors.Wrapf(err, "source: copy archive entry %q", e.Path))
			return
		}
	}
	if err := zw.Close(); err != nil {
		pw.CloseWithError(errors.Wrap(err, "source: close archive"))
		return
	}
	pw.Close()
}

// NextChunk returns up to chunkSize bytes of the logical stream. The final
// chunk may be shorter than chunkSize; the call after it returns io.EOF.
func (p *Pipeline) NextChunk(chunkSize uint32) ([]byte, error) {
	if p.done {
		return nil, io.EOF
	}

	buf := make([]byte, chunkSize)
	n, err := io.ReadFull(p.db, buf)

	switch err {
	case nil:
		p.offset += uint64(n)
		return buf, nil
	case io.ErrUnexpectedEOF:
		p.done = true
		p.offset += uint64(n)
		if n == 0 {
			return nil, io.EOF
		}
		return buf[:n], nil
	case io.EOF:
		p.done = true
		return nil, io.EOF
	default:
		return nil, errors.Wrap(err, "source: read chunk")
	}
}

// Offset reports the cumulative number of bytes emitted so far.
func (p *Pipeline) Offset() uint64 { return p.offset }

// Done reports whether the stream has been fully consumed.
func (p *Pipeline) Done() bool { return p.done }
