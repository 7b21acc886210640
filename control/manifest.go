// Package control defines the transfer manifest and the JSON-tagged control
// envelope exchanged alongside binary frames on the same transport channel.
package control

import (
	"path"
	"strings"

	"github.com/pkg/errors"
)

// ReservedFileID is never used as a real file id; it is the end-of-stream
// marker shared with the frame codec's EOSFileIndex.
const ReservedFileID = 0xFFFF

// FileEntry describes one file inside a manifest.
type FileEntry struct {
	ID           uint16 `json:"id"`
	Name         string `json:"name"`
	Path         string `json:"path"`
	Size         int64  `json:"size"`
	MimeType     string `json:"mimeType"`
	LastModified int64  `json:"lastModified"` // unix millis
}

// Manifest is the frozen description of a transfer's payload shape, agreed
// at session start.
type Manifest struct {
	TransferID string      `json:"transferId"`
	TotalSize  int64       `json:"totalSize"`
	TotalFiles int         `json:"totalFiles"`
	RootName   string      `json:"rootName"`
	Files      []FileEntry `json:"files"`
	IsFolder   bool        `json:"isFolder"`
}

// ErrInvalidManifest is returned by Validate when an invariant is broken.
var ErrInvalidManifest = errors.New("control: invalid manifest")

// NormalizePath converts a Windows-style path into the manifest's required
// forward-slash form.
func NormalizePath(p string) string {
	return path.Clean(strings.ReplaceAll(p, `\`, "/"))
}

// Validate checks the invariants from spec §3: dense unique ids starting at
// 0, normalized forward-slash paths, sum of file sizes equals TotalSize, and
// the reserved id is never used.
func (m Manifest) Validate() error {
	if len(m.Files) != m.TotalFiles {
		return errors.Wrap(ErrInvalidManifest, "totalFiles does not match file count")
	}
	seen := make(map[uint16]bool, len(m.Files))
	var sum int64
	for _, f := range m.Files {
		if f.ID == ReservedFileID {
			return errors.Wrap(ErrInvalidManifest, "file id 0xFFFF is reserved for EOS")
		}
		if int(f.ID) >= len(m.Files) {
			return errors.Wrap(ErrInvalidManifest, "file ids must be dense starting at 0")
		}
		if seen[f.ID] {
			return errors.Wrap(ErrInvalidManifest, "duplicate file id")
		}
		seen[f.ID] = true
		if strings.Contains(f.Path, `\`) {
			return errors.Wrap(ErrInvalidManifest, "path must use forward slashes")
		}
		sum += f.Size
	}
	if sum != m.TotalSize {
		return errors.Wrap(ErrInvalidManifest, "sum of file sizes does not equal totalSize")
	}
	return nil
}

// SingleStream reports whether this manifest's source pipeline should run in
// single-stream mode (exactly one file) rather than archive-stream mode.
func (m Manifest) SingleStream() bool {
	return len(m.Files) == 1
}
