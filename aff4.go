// Package aff4 holds the surface shared by every component of the go-aff4
// library: the status taxonomy, the AFF4 lexicon, the object and stream
// interfaces, and small process helpers.
//
// An AFF4 container is a ZIP64 archive carrying an RDF metadata graph
// (information.turtle) plus the binary payload of the objects it describes.
// The heavy lifting lives in the subpackages: rdf (URNs and values),
// resolver (metadata graph and object cache), stream, zip, image and
// aff4map. Opening an object polymorphically goes through the resolver's
// factory registry, so programs typically blank-import the concrete
// packages they want materialized:
//
//	import (
//		_ "github.com/aff4/go-aff4/aff4map"
//		_ "github.com/aff4/go-aff4/image"
//		_ "github.com/aff4/go-aff4/stream"
//		_ "github.com/aff4/go-aff4/zip"
//	)
//
// The library is not safe for concurrent use. A process may hold multiple
// independent resolvers, but a single resolver and the objects reached
// through it must be confined to one goroutine.
package aff4

import (
	"io"

	"github.com/aff4/go-aff4/rdf"
)

// Version identifies this library in container metadata (aff4:tool).
const Version = "go-aff4 1.0"

// Object is an entity identified by URN whose attributes live in the
// resolver's graph. Zip segments and volumes flush pending writes on
// Close; image and map streams do not, so a dirty one must be flushed
// first: closing it while dirty discards the unflushed state and logs a
// warning.
type Object interface {
	URN() rdf.URN

	// LoadFromURN populates the object from its graph attributes.
	LoadFromURN() error

	// Flush commits pending writes and emits the object's triples.
	Flush() error

	IsDirty() bool

	io.Closer
}

// Stream is the byte-stream capability set. Reading past Size returns
// short reads (not errors); writing past Size extends the stream with
// intervening zero bytes. Streams are also fmt.Fprintf targets, which
// covers the printf-and-append idiom used throughout the imager.
type Stream interface {
	Object
	io.Reader
	io.Writer
	io.Seeker

	// Tell returns the current offset without moving it.
	Tell() int64

	// Size returns the stream's logical length in bytes.
	Size() int64

	// Truncate resets the stream to zero length.
	Truncate() error
}

// Volume is a container object holding named members.
type Volume interface {
	Object

	// CreateMember returns a writable stream for the member named by urn,
	// creating it if needed. A second call with the same URN returns the
	// same stream positioned at its current end.
	CreateMember(urn rdf.URN) (Stream, error)

	// OpenMember returns the member named by urn for reading.
	OpenMember(urn rdf.URN) (Stream, error)
}

// Progress reports copy progress. A nil *Progress is valid and reports
// nothing.
type Progress struct {
	Start  int64
	Length int64

	// Report is invoked with the number of bytes processed so far.
	// Returning false aborts the copy.
	Report func(processed int64) bool
}

func (p *Progress) report(n int64) bool {
	if p == nil || p.Report == nil {
		return true
	}
	return p.Report(n)
}

// CopyStream copies n bytes from src to dst in buffered steps, invoking
// progress along the way. It returns the byte count actually copied;
// ErrAborted when the progress callback stops the copy.
func CopyStream(dst io.Writer, src io.Reader, n int64, progress *Progress) (int64, error) {
	const bufSize = 10 * 1024 * 1024
	var written int64
	buf := make([]byte, bufSize)
	for written < n {
		step := int64(len(buf))
		if remaining := n - written; remaining < step {
			step = remaining
		}
		rn, err := io.ReadFull(src, buf[:step])
		if rn > 0 {
			wn, werr := dst.Write(buf[:rn])
			written += int64(wn)
			if werr != nil {
				return written, werr
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return written, err
		}
		if !progress.report(written) {
			return written, ErrAborted
		}
	}
	return written, nil
}
