package stream

import (
	"io"
	"os"

	"golang.org/x/xerrors"

	aff4 "github.com/aff4/go-aff4"
	"github.com/aff4/go-aff4/rdf"
	"github.com/aff4/go-aff4/resolver"
)

func init() {
	resolver.RegisterScheme("file", func(ds *resolver.DataStore, urn rdf.URN) aff4.Object {
		return &FileBackedObject{BaseObject: resolver.NewBaseObject(ds, urn)}
	})
}

// FileBackedObject is a stream over an OS file. The open mode is taken
// from the URN's aff4:stream_write_mode attribute ("truncate", "append" or
// "read"; append is the default).
type FileBackedObject struct {
	resolver.BaseObject
	f   *os.File
	off int64
}

// NewFileBackedObject opens path in the given write mode and records the
// mode in the graph, returning the stream without going through the
// factory. The pmem sources use this for /proc files.
func NewFileBackedObject(ds *resolver.DataStore, path, mode string) (*FileBackedObject, error) {
	urn := rdf.NewURNFromFilename(path)
	ds.Set(urn, rdf.NewURN(aff4.AttrStreamWriteMode), rdf.NewXSDString(mode))
	fb := &FileBackedObject{BaseObject: resolver.NewBaseObject(ds, urn)}
	if err := fb.LoadFromURN(); err != nil {
		return nil, err
	}
	return fb, nil
}

// LoadFromURN opens the backing file.
func (fb *FileBackedObject) LoadFromURN() error {
	mode := rdf.XSDString(aff4.WriteModeAppend)
	// Absent attribute keeps the default.
	_ = fb.Resolver().Get(fb.URN(), rdf.NewURN(aff4.AttrStreamWriteMode), &mode)

	flags := os.O_RDWR | os.O_CREATE
	switch string(mode) {
	case aff4.WriteModeTruncate:
		flags |= os.O_TRUNC
	case aff4.WriteModeRead:
		flags = os.O_RDONLY
	case aff4.WriteModeAppend:
	default:
		return xerrors.Errorf("unknown write mode %q for <%s>: %w",
			mode, fb.URN(), aff4.ErrInvalidInput)
	}

	path := fb.URN().Parse().Path
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return xerrors.Errorf("opening %s: %w: %v", path, aff4.ErrIOError, err)
	}
	fb.f = f
	if string(mode) == aff4.WriteModeTruncate {
		// The truncation is consumed; reopening the same URN later in the
		// session must not wipe it again.
		fb.Resolver().Set(fb.URN(), rdf.NewURN(aff4.AttrStreamWriteMode),
			rdf.NewXSDString(aff4.WriteModeAppend))
	}
	return nil
}

func (fb *FileBackedObject) Read(p []byte) (int, error) {
	n, err := fb.f.ReadAt(p, fb.off)
	fb.off += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (fb *FileBackedObject) Write(p []byte) (int, error) {
	n, err := fb.f.WriteAt(p, fb.off)
	fb.off += int64(n)
	if err != nil {
		return n, xerrors.Errorf("writing %s: %w: %v", fb.f.Name(), aff4.ErrIOError, err)
	}
	fb.MarkDirty()
	return n, nil
}

func (fb *FileBackedObject) Seek(offset int64, whence int) (int64, error) {
	fb.off = seekOffset(fb.off, fb.Size(), offset, whence)
	if fb.off < 0 {
		fb.off = 0
	}
	return fb.off, nil
}

func (fb *FileBackedObject) Tell() int64 { return fb.off }

func (fb *FileBackedObject) Size() int64 {
	fi, err := fb.f.Stat()
	if err != nil {
		return 0
	}
	return fi.Size()
}

func (fb *FileBackedObject) Truncate() error {
	if err := fb.f.Truncate(0); err != nil {
		return xerrors.Errorf("truncating %s: %w: %v", fb.f.Name(), aff4.ErrIOError, err)
	}
	fb.off = 0
	fb.MarkDirty()
	return nil
}

func (fb *FileBackedObject) Flush() error {
	if err := fb.f.Sync(); err != nil {
		return xerrors.Errorf("syncing %s: %w: %v", fb.f.Name(), aff4.ErrIOError, err)
	}
	fb.ClearDirty()
	return nil
}

func (fb *FileBackedObject) Close() error {
	if fb.f == nil {
		return nil
	}
	err := fb.f.Close()
	fb.f = nil
	return err
}
