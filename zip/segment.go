package zip

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"
	"golang.org/x/xerrors"

	aff4 "github.com/aff4/go-aff4"
	"github.com/aff4/go-aff4/rdf"
	"github.com/aff4/go-aff4/resolver"
	"github.com/aff4/go-aff4/stream"
)

func init() {
	resolver.Register(aff4.TypeZipSegment, func(ds *resolver.DataStore, urn rdf.URN) aff4.Object {
		return &Segment{BaseObject: resolver.NewBaseObject(ds, urn)}
	})
}

// Segment is one zip member accessed as a stream. Its bytes live in
// memory until the segment flushes, at which point a new local header and
// the (possibly deflated) data are appended to the backing file and the
// member's central directory entry is updated. Rewriting a member leaves
// the old data as dead space; only the directory moves.
type Segment struct {
	resolver.BaseObject

	// CompressionMethod is applied at flush time: ZipStored or ZipDeflate.
	CompressionMethod uint16

	zf     *ZipFile
	name   string
	buf    stream.StringIO
	loaded bool
}

// LoadFromURN binds the segment to its volume (via aff4:stored) and reads
// the member payload, whether stored or deflated.
func (s *Segment) LoadFromURN() error {
	if s.zf != nil {
		return nil
	}
	var volURN rdf.URN
	if err := s.Resolver().Get(s.URN(), rdf.NewURN(aff4.AttrStored), &volURN); err != nil {
		return xerrors.Errorf("segment <%s> has no stored volume: %w", s.URN(), err)
	}
	vol, err := s.Resolver().Volume(volURN)
	if err != nil {
		return err
	}
	zf, ok := vol.(*ZipFile)
	if !ok {
		return xerrors.Errorf("segment <%s>: volume <%s> is not a zip volume: %w",
			s.URN(), volURN, aff4.ErrIncompatibleTypes)
	}
	s.zf = zf
	s.name = memberNameForURN(s.URN(), zf.URN())
	return s.ensureLoaded()
}

func (s *Segment) ensureLoaded() error {
	if s.loaded {
		return nil
	}
	info, ok := s.zf.members[s.name]
	if !ok {
		// A brand new member.
		s.loaded = true
		return nil
	}
	data, err := s.zf.readMember(info)
	if err != nil {
		return err
	}
	s.buf.Reset(data)
	s.buf.ClearDirty()
	s.loaded = true
	return nil
}

func (s *Segment) Read(p []byte) (int, error) {
	if err := s.ensureLoaded(); err != nil {
		return 0, err
	}
	return s.buf.Read(p)
}

func (s *Segment) Write(p []byte) (int, error) {
	if err := s.ensureLoaded(); err != nil {
		return 0, err
	}
	n, err := s.buf.Write(p)
	if n > 0 {
		s.MarkDirty()
		// The volume must write a fresh directory for this member.
		s.zf.MarkDirty()
	}
	return n, err
}

func (s *Segment) Seek(offset int64, whence int) (int64, error) {
	if err := s.ensureLoaded(); err != nil {
		return 0, err
	}
	return s.buf.Seek(offset, whence)
}

func (s *Segment) Tell() int64 { return s.buf.Tell() }

func (s *Segment) Size() int64 {
	if !s.loaded {
		if info, ok := s.zf.members[s.name]; ok {
			return int64(info.fileSize)
		}
	}
	return s.buf.Size()
}

func (s *Segment) Truncate() error {
	// No need to fetch bytes we are about to discard.
	s.loaded = true
	if err := s.buf.Truncate(); err != nil {
		return err
	}
	s.MarkDirty()
	s.zf.MarkDirty()
	return nil
}

// WriteStream appends the whole of src to the segment.
func (s *Segment) WriteStream(src aff4.Stream, progress *aff4.Progress) error {
	if _, err := s.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	_, err := aff4.CopyStream(s, src, src.Size()-src.Tell(), progress)
	return err
}

// Flush appends the member to the backing file and queues its central
// directory entry.
func (s *Segment) Flush() error {
	if !s.IsDirty() {
		return nil
	}
	if err := s.zf.writeMember(s.name, s.buf.Bytes(), s.CompressionMethod); err != nil {
		return xerrors.Errorf("flushing segment <%s>: %w", s.URN(), err)
	}
	s.buf.ClearDirty()
	s.ClearDirty()
	return nil
}

// Close flushes the segment (when dirty) and drops it from the volume's
// live set, releasing the buffer.
func (s *Segment) Close() error {
	if s.IsDirty() {
		if err := s.Flush(); err != nil {
			return err
		}
	}
	if s.zf != nil {
		delete(s.zf.segments, s.name)
	}
	s.buf.Reset(nil)
	s.loaded = false
	return nil
}

func flateWriter(w io.Writer) (*flate.Writer, error) {
	return flate.NewWriter(w, flate.DefaultCompression)
}

// deflate compresses data with the default level.
func deflate(data []byte) ([]byte, error) {
	var out bytes.Buffer
	fw, err := flate.NewWriter(&out, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(data); err != nil {
		return nil, err
	}
	if err := fw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// inflate decompresses a deflate stream of a known decompressed size.
func inflate(data []byte, size int64) ([]byte, error) {
	fr := flate.NewReader(bytes.NewReader(data))
	defer fr.Close()
	out := make([]byte, size)
	if _, err := io.ReadFull(fr, out); err != nil {
		return nil, xerrors.Errorf("inflating member: %w: %v", aff4.ErrIOError, err)
	}
	return out, nil
}
