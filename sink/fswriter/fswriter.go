// Package fswriter implements sink.Writer over the local filesystem, one
// *os.File per manifest entry opened for positional writes.
package fswriter

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/dropwarp/warpcore/sink"
)

// Writer opens one file per manifest entry under Root, creating parent
// directories as needed, and writes via WriteAt so there is no interior
// mutable cursor to get out of sync with the offsets the sink pipeline
// hands it.
type Writer struct {
	Root string

	handles map[uint16]*os.File
	sizes   map[uint16]int64
}

// New returns an fswriter rooted at root. OpenAll creates root if it does
// not exist.
func New(root string) *Writer {
	return &Writer{Root: root}
}

func (w *Writer) OpenAll(files []sink.FileSpec) (sink.HandleTable, error) {
	if err := os.MkdirAll(w.Root, 0o755); err != nil {
		return nil, errors.Wrap(err, "fswriter: mkdir root")
	}

	w.handles = make(map[uint16]*os.File, len(files))
	w.sizes = make(map[uint16]int64, len(files))

	for _, f := range files {
		full := filepath.Join(w.Root, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			w.closeOpened()
			return nil, errors.Wrapf(err, "fswriter: mkdir for %q", f.Path)
		}
		fh, err := os.OpenFile(full, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			w.closeOpened()
			return nil, errors.Wrapf(err, "fswriter: open %q", f.Path)
		}
		w.handles[f.ID] = fh
		w.sizes[f.ID] = f.Size
	}
	return w.handles, nil
}

func (w *Writer) closeOpened() {
	for _, fh := range w.handles {
		fh.Close()
	}
}

func (w *Writer) Write(fileID uint16, offset int64, p []byte) error {
	fh, ok := w.handles[fileID]
	if !ok {
		return errors.Errorf("fswriter: unknown file id %d", fileID)
	}
	_, err := fh.WriteAt(p, offset)
	return err
}

func (w *Writer) CloseAll() (int64, error) {
	var total int64
	var firstErr error
	for id, fh := range w.handles {
		if err := fh.Sync(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "fswriter: sync file id %d", id)
		}
		if err := fh.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "fswriter: close file id %d", id)
		}
		if info, err := os.Stat(fh.Name()); err == nil {
			total += info.Size()
		}
	}
	return total, firstErr
}
