package source

import (
	"bytes"
	"io"
	"testing"
)

func TestCopyEntryFallback(t *testing.T) {
	src := bytes.NewReader(bytes.Repeat([]byte{0x7a}, 10000))
	var dst bytes.Buffer

	n, err := copyEntry(&dst, src)
	if err != nil {
		t.Fatalf("copyEntry: %v", err)
	}
	if n != 10000 {
		t.Fatalf("n = %d, want 10000", n)
	}
	if dst.Len() != 10000 {
		t.Fatalf("dst.Len() = %d, want 10000", dst.Len())
	}
}

type writerToStub struct {
	data   []byte
	called bool
}

func (w *writerToStub) Read(p []byte) (int, error) { panic("Read should not be called when WriteTo is available") }

func (w *writerToStub) WriteTo(dst io.Writer) (int64, error) {
	w.called = true
	n, err := dst.Write(w.data)
	return int64(n), err
}

func TestCopyEntryPrefersWriterTo(t *testing.T) {
	src := &writerToStub{data: []byte("hello")}
	var dst bytes.Buffer

	n, err := copyEntry(&dst, src)
	if err != nil {
		t.Fatalf("copyEntry: %v", err)
	}
	if !src.called {
		t.Fatalf("expected WriteTo to be used")
	}
	if n != 5 || dst.String() != "hello" {
		t.Fatalf("got n=%d dst=%q", n, dst.String())
	}
}
