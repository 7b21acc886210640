package sink

import (
	"sync"
	"testing"
)

type fakeWriter struct {
	mu        sync.Mutex
	opened    []FileSpec
	writes    []write
	closed    bool
	closeSize int64
	closeErr  error
}

type write struct {
	fileID uint16
	offset int64
	data   []byte
}

func (f *fakeWriter) OpenAll(files []FileSpec) (HandleTable, error) {
	f.opened = files
	return files, nil
}

func (f *fakeWriter) Write(fileID uint16, offset int64, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), p...)
	f.writes = append(f.writes, write{fileID, offset, cp})
	return nil
}

func (f *fakeWriter) CloseAll() (int64, error) {
	f.closed = true
	return f.closeSize, f.closeErr
}

func TestSinkFinalizesAfterEOSAndDrain(t *testing.T) {
	fw := &fakeWriter{closeSize: 11}
	p, err := New(fw, []FileSpec{{ID: 0, Path: "a.bin", Size: 11}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var completed int64
	var completedCalled bool
	p.OnComplete(func(actualSize int64) {
		completed = actualSize
		completedCalled = true
	})

	if err := p.Accept(0, 0, []byte("hello")); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := p.Accept(0, 5, []byte(" world")); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	if fw.closed {
		t.Fatalf("should not finalize before EndOfStream")
	}

	if err := p.EndOfStream(); err != nil {
		t.Fatalf("EndOfStream: %v", err)
	}

	if !fw.closed {
		t.Fatalf("expected CloseAll to run after EndOfStream with no pending writes")
	}
	if !completedCalled || completed != 11 {
		t.Fatalf("expected OnComplete(11), got called=%v size=%d", completedCalled, completed)
	}
	if p.BytesWritten() != 11 {
		t.Fatalf("expected 11 bytes written, got %d", p.BytesWritten())
	}
}

func TestSinkDoesNotFinalizeTwice(t *testing.T) {
	fw := &fakeWriter{}
	p, _ := New(fw, []FileSpec{{ID: 0, Path: "a.bin", Size: 0}})

	calls := 0
	p.OnComplete(func(int64) { calls++ })

	p.EndOfStream()
	p.EndOfStream()

	if calls != 1 {
		t.Fatalf("expected OnComplete exactly once, got %d", calls)
	}
}

func TestSinkInitFailureAbortsSession(t *testing.T) {
	_, err := New(&failingOpen{}, []FileSpec{{ID: 0, Path: "a.bin"}})
	if err == nil {
		t.Fatalf("expected error from failing OpenAll")
	}
}

type failingOpen struct{ fakeWriter }

func (f *failingOpen) OpenAll(files []FileSpec) (HandleTable, error) {
	return nil, errFake
}

var errFake = errOf("boom")

type errOf string

func (e errOf) Error() string { return string(e) }
