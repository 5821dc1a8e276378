package stream

import (
	"fmt"
	"io"
	"path/filepath"
	"testing"

	aff4 "github.com/aff4/go-aff4"
	"github.com/aff4/go-aff4/rdf"
	"github.com/aff4/go-aff4/resolver"
)

// readString reads up to n bytes from the current position.
func readString(t *testing.T, s aff4.Stream, n int) string {
	t.Helper()
	buf := make([]byte, n)
	got, err := s.Read(buf)
	if err != nil && err != io.EOF {
		t.Fatal(err)
	}
	return string(buf[:got])
}

func exerciseStream(t *testing.T, s aff4.Stream) {
	t.Helper()

	if s.Tell() != 0 || s.Size() != 0 {
		t.Fatalf("fresh stream: Tell=%d Size=%d", s.Tell(), s.Size())
	}

	s.Write([]byte("hello world"))
	if got := s.Tell(); got != 11 {
		t.Errorf("Tell after write = %d", got)
	}

	s.Seek(0, io.SeekStart)
	if got := readString(t, s, 5); got != "hello" {
		t.Errorf("Read(5) = %q", got)
	}
	if got := s.Tell(); got != 5 {
		t.Errorf("Tell = %d, want 5", got)
	}

	s.Seek(0, io.SeekStart)
	if got := readString(t, s, 1000); got != "hello world" {
		t.Errorf("Read(1000) = %q", got)
	}
	if got := s.Tell(); got != 11 {
		t.Errorf("Tell = %d, want 11", got)
	}

	s.Seek(-5, io.SeekEnd)
	if got := s.Tell(); got != 6 {
		t.Errorf("Tell after Seek(-5, end) = %d, want 6", got)
	}
	if got := readString(t, s, 1000); got != "world" {
		t.Errorf("Read = %q, want world", got)
	}

	// Overwriting in the middle extends the stream.
	s.Seek(-5, io.SeekEnd)
	s.Write([]byte("Cruel world"))
	s.Seek(0, io.SeekStart)
	if got := readString(t, s, 1000); got != "hello Cruel world" {
		t.Errorf("Read = %q, want hello Cruel world", got)
	}
	if got := s.Tell(); got != 17 {
		t.Errorf("Tell = %d, want 17", got)
	}

	s.Seek(0, io.SeekStart)
	if got := readString(t, s, 2); got != "he" {
		t.Errorf("Read(2) = %q", got)
	}

	// Streams are printf targets; formatted text appends at the offset.
	fmt.Fprintf(s, "I have %d arms and %#x legs.", 2, 1025)
	if got := s.Tell(); got != 31 {
		t.Errorf("Tell after Fprintf = %d, want 31", got)
	}
	s.Seek(0, io.SeekStart)
	if got := readString(t, s, 1000); got != "heI have 2 arms and 0x401 legs." {
		t.Errorf("Read = %q", got)
	}
}

func TestStringIO(t *testing.T) {
	exerciseStream(t, NewStringIO())
}

func TestFileBackedObject(t *testing.T) {
	ds := resolver.NewMemoryDataStore()
	path := filepath.Join(t.TempDir(), "test_filename.bin")
	urn := rdf.NewURNFromFilename(path)
	ds.Set(urn, rdf.NewURN(aff4.AttrStreamWriteMode), rdf.NewXSDString(aff4.WriteModeTruncate))

	scoped, err := resolver.Open[aff4.Stream](ds, urn)
	if err != nil {
		t.Fatal(err)
	}
	defer scoped.Close()
	exerciseStream(t, scoped.Obj)
}

func TestStringIOSparseWrite(t *testing.T) {
	s := NewStringIO()
	s.Seek(10, io.SeekStart)
	s.Write([]byte("x"))
	if got := s.Size(); got != 11 {
		t.Fatalf("Size = %d, want 11", got)
	}
	s.Seek(0, io.SeekStart)
	got := readString(t, s, 11)
	for i := 0; i < 10; i++ {
		if got[i] != 0 {
			t.Errorf("byte %d = %#x, want 0", i, got[i])
		}
	}
}

func TestTruncate(t *testing.T) {
	s := NewStringIO()
	s.Write([]byte("payload"))
	if err := s.Truncate(); err != nil {
		t.Fatal(err)
	}
	if s.Size() != 0 || s.Tell() != 0 {
		t.Errorf("after Truncate: Size=%d Tell=%d", s.Size(), s.Tell())
	}
}
