// Package stream implements the basic AFF4 byte streams: the in-memory
// StringIO buffer and the FileBackedObject over an OS file. Importing the
// package registers the file:// scheme with the resolver factory, so bare
// filename URNs materialize as file streams.
package stream

import (
	"io"
)

// clampRead returns how many of len(p) bytes can be read at off from a
// stream of the given size, zero-extending nothing: reads beyond size are
// short, not errors.
func clampRead(p []byte, off, size int64) int {
	if off >= size {
		return 0
	}
	n := size - off
	if n > int64(len(p)) {
		n = int64(len(p))
	}
	return int(n)
}

// seekOffset resolves a Seek call against the current offset and size.
func seekOffset(cur, size, offset int64, whence int) int64 {
	switch whence {
	case io.SeekCurrent:
		return cur + offset
	case io.SeekEnd:
		return size + offset
	default:
		return offset
	}
}
