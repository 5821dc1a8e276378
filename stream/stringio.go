package stream

import (
	"io"

	"github.com/aff4/go-aff4/rdf"
	"github.com/aff4/go-aff4/resolver"
)

// StringIO is a seekable in-memory stream. Writing past the end extends
// the buffer; intervening bytes are zero.
type StringIO struct {
	resolver.BaseObject
	buf []byte
	off int64
}

// NewStringIO returns an empty in-memory stream.
func NewStringIO() *StringIO {
	return &StringIO{}
}

// NewStringIOURN returns an empty in-memory stream bound to a URN, for
// callers that park scratch buffers in the object cache.
func NewStringIOURN(ds *resolver.DataStore, urn rdf.URN) *StringIO {
	return &StringIO{BaseObject: resolver.NewBaseObject(ds, urn)}
}

func (s *StringIO) Read(p []byte) (int, error) {
	n := clampRead(p, s.off, int64(len(s.buf)))
	if n == 0 {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	copy(p, s.buf[s.off:s.off+int64(n)])
	s.off += int64(n)
	return n, nil
}

func (s *StringIO) Write(p []byte) (int, error) {
	if need := s.off + int64(len(p)); need > int64(len(s.buf)) {
		grown := make([]byte, need)
		copy(grown, s.buf)
		s.buf = grown
	}
	copy(s.buf[s.off:], p)
	s.off += int64(len(p))
	s.MarkDirty()
	return len(p), nil
}

func (s *StringIO) Seek(offset int64, whence int) (int64, error) {
	s.off = seekOffset(s.off, int64(len(s.buf)), offset, whence)
	if s.off < 0 {
		s.off = 0
	}
	return s.off, nil
}

func (s *StringIO) Tell() int64 { return s.off }

func (s *StringIO) Size() int64 { return int64(len(s.buf)) }

func (s *StringIO) Truncate() error {
	s.buf = s.buf[:0]
	s.off = 0
	s.MarkDirty()
	return nil
}

// Bytes returns the underlying buffer. The slice is valid until the next
// Write or Truncate.
func (s *StringIO) Bytes() []byte { return s.buf }

// Reset replaces the buffer contents.
func (s *StringIO) Reset(b []byte) {
	s.buf = append(s.buf[:0], b...)
	s.off = 0
}
