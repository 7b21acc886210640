package source

import (
	"archive/zip"
	"bytes"
	"io"
	"testing"
)

func drain(t *testing.T, p *Pipeline, chunkSize uint32) []byte {
	t.Helper()
	var out bytes.Buffer
	for {
		chunk, err := p.NextChunk(chunkSize)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("NextChunk: %v", err)
		}
		out.Write(chunk)
	}
	return out.Bytes()
}

func TestSingleStreamExactMultiple(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 256)
	p := NewSingleStream(bytes.NewReader(data))

	got := drain(t, p, 64)
	if !bytes.Equal(got, data) {
		t.Fatalf("mismatch: got %d bytes, want %d", len(got), len(data))
	}
	if p.Offset() != uint64(len(data)) {
		t.Fatalf("offset = %d, want %d", p.Offset(), len(data))
	}
	if !p.Done() {
		t.Fatalf("expected Done() after drain")
	}
}

func TestSingleStreamShortLastChunk(t *testing.T) {
	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}
	p := NewSingleStream(bytes.NewReader(data))

	got := drain(t, p, 64)
	if !bytes.Equal(got, data) {
		t.Fatalf("mismatch: got %v, want %v", got, data)
	}
}

func TestSingleStreamEmpty(t *testing.T) {
	p := NewSingleStream(bytes.NewReader(nil))
	chunk, err := p.NextChunk(64)
	if err != io.EOF || chunk != nil {
		t.Fatalf("expected immediate EOF for empty source, got chunk=%v err=%v", chunk, err)
	}
}

func TestArchiveStreamProducesValidZip(t *testing.T) {
	entries := []Entry{
		{Path: "x/a", Size: 5, Reader: bytes.NewReader([]byte("hello"))},
		{Path: "x/b", Size: 6, Reader: bytes.NewReader([]byte("world!"))},
	}
	p := NewArchiveStream(entries, 11)

	archive := drain(t, p, 4096)

	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		t.Fatalf("invalid zip archive: %v", err)
	}
	if len(zr.File) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(zr.File))
	}

	want := map[string]string{"x/a": "hello", "x/b": "world!"}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read %s: %v", f.Name, err)
		}
		if string(content) != want[f.Name] {
			t.Fatalf("entry %s: got %q, want %q", f.Name, content, want[f.Name])
		}
	}
}

func TestArchiveStreamLargePayloadUsesStore(t *testing.T) {
	big := bytes.Repeat([]byte{0x42}, 1024)
	entries := []Entry{{Path: "big.bin", Size: int64(len(big)), Reader: bytes.NewReader(big)}}

	p := NewArchiveStream(entries, ArchiveCompressionThreshold+1)
	archive := drain(t, p, 8192)

	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		t.Fatalf("invalid zip archive: %v", err)
	}
	if zr.File[0].Method != zip.Store {
		t.Fatalf("expected Store method above threshold, got %d", zr.File[0].Method)
	}
}
