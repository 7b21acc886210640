package fswriter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dropwarp/warpcore/sink"
)

func TestOpenWriteCloseRoundTrip(t *testing.T) {
	root := t.TempDir()
	w := New(root)

	files := []sink.FileSpec{
		{ID: 0, Path: "x/a.txt", Size: 5},
		{ID: 1, Path: "b.txt", Size: 6},
	}
	if _, err := w.OpenAll(files); err != nil {
		t.Fatalf("OpenAll: %v", err)
	}

	if err := w.Write(0, 0, []byte("hello")); err != nil {
		t.Fatalf("Write a: %v", err)
	}
	if err := w.Write(1, 0, []byte("world!")); err != nil {
		t.Fatalf("Write b: %v", err)
	}

	total, err := w.CloseAll()
	if err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	if total != 11 {
		t.Fatalf("expected total size 11, got %d", total)
	}

	got, err := os.ReadFile(filepath.Join(root, "x", "a.txt"))
	if err != nil || string(got) != "hello" {
		t.Fatalf("a.txt = %q, err=%v", got, err)
	}
	got, err = os.ReadFile(filepath.Join(root, "b.txt"))
	if err != nil || string(got) != "world!" {
		t.Fatalf("b.txt = %q, err=%v", got, err)
	}
}

func TestOutOfOrderWritesLandAtCorrectOffsets(t *testing.T) {
	root := t.TempDir()
	w := New(root)
	w.OpenAll([]sink.FileSpec{{ID: 0, Path: "a.bin", Size: 10}})

	w.Write(0, 5, []byte("world"))
	w.Write(0, 0, []byte("hello"))

	if _, err := w.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(root, "a.bin"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "helloworld" {
		t.Fatalf("got %q, want helloworld", got)
	}
}
