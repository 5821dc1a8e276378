package zip

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	aff4 "github.com/aff4/go-aff4"
	"github.com/aff4/go-aff4/rdf"
	"github.com/aff4/go-aff4/resolver"
)

func init() {
	resolver.Register(aff4.TypeZipVolume, func(ds *resolver.DataStore, urn rdf.URN) aff4.Object {
		return &ZipFile{BaseObject: resolver.NewBaseObject(ds, urn)}
	})
}

// memberInfo is the in-memory form of one central directory entry.
// localHeaderOffset is absolute within the backing file; the global offset
// correction for concatenated volumes has already been applied.
type memberInfo struct {
	name              string
	localHeaderOffset int64
	compressionMethod uint16
	crc               uint32
	compressSize      uint64
	fileSize          uint64
}

// ZipFile is the concrete AFF4 volume: a ZIP64 archive over a backing
// stream. Members are accessed as Segment streams; flushing the volume
// appends the central directory, so a partially written backing file
// still carries every completed member's local header.
type ZipFile struct {
	resolver.BaseObject

	backing *resolver.Scoped[aff4.Stream]

	// members in central-directory order; order is kept stable so that
	// repeated flushes produce identical directories.
	members map[string]*memberInfo
	order   []string

	// segments holds the live streams handed out by CreateMember and
	// OpenMember, one per member name.
	segments map[string]*Segment

	// globalOffset is the byte position of the zip origin within the
	// backing file (non-zero for concatenated volumes).
	globalOffset int64
}

// NewZipFile opens the volume backed by backingURN, parsing an existing
// archive when one is present and creating a fresh volume otherwise. The
// volume registers itself with the resolver; the backing stream is
// checked out for the volume's lifetime.
func NewZipFile(ds *resolver.DataStore, backingURN rdf.URN) (*ZipFile, error) {
	backing, err := resolver.Open[aff4.Stream](ds, backingURN)
	if err != nil {
		return nil, xerrors.Errorf("opening backing store <%s>: %w", backingURN, err)
	}
	zf := &ZipFile{
		backing:  backing,
		members:  make(map[string]*memberInfo),
		segments: make(map[string]*Segment),
	}
	if backing.Obj.Size() > 0 {
		if err := zf.parse(ds); err != nil {
			backing.Close()
			return nil, err
		}
	} else {
		urn := rdf.NewURN("aff4://" + newUUID())
		zf.BaseObject = resolver.NewBaseObject(ds, urn)
		zf.MarkDirty()
	}

	ds.Set(zf.URN(), rdf.NewURN(aff4.AttrType), urnValue(aff4.TypeZipVolume))
	ds.Set(zf.URN(), rdf.NewURN(aff4.AttrStored), urnValue(backingURN.Serialize()))
	ds.RegisterVolume(zf)

	if zf.IsDirty() {
		// A fresh volume: record its identity in a human-readable member.
		desc, err := zf.CreateMember(zf.URN().Append("container.description"))
		if err != nil {
			backing.Close()
			return nil, err
		}
		if _, err := desc.Write([]byte(zf.URN().Serialize())); err != nil {
			backing.Close()
			return nil, err
		}
	}
	return zf, nil
}

func urnValue(s string) *rdf.URN {
	u := rdf.NewURN(s)
	return &u
}

// newUUID returns the random identity for a fresh volume.
func newUUID() string {
	return uuid.New().String()
}

// LoadFromURN opens a volume through the factory: the backing stream URN
// comes from the aff4:stored attribute.
func (zf *ZipFile) LoadFromURN() error {
	if zf.backing != nil {
		return nil
	}
	ds := zf.Resolver()
	var backingURN rdf.URN
	if err := ds.Get(zf.URN(), rdf.NewURN(aff4.AttrStored), &backingURN); err != nil {
		return xerrors.Errorf("volume <%s> has no backing store: %w", zf.URN(), err)
	}
	backing, err := resolver.Open[aff4.Stream](ds, backingURN)
	if err != nil {
		return err
	}
	zf.backing = backing
	zf.members = make(map[string]*memberInfo)
	zf.segments = make(map[string]*Segment)
	if backing.Obj.Size() > 0 {
		if err := zf.parse(ds); err != nil {
			backing.Close()
			zf.backing = nil
			return err
		}
	} else {
		zf.MarkDirty()
	}
	ds.RegisterVolume(zf)
	return nil
}

// CreateMember returns a writable stream for the member named by urn. A
// second call with the same URN returns the same stream positioned at its
// current end, so writes append.
func (zf *ZipFile) CreateMember(urn rdf.URN) (aff4.Stream, error) {
	seg, err := zf.segment(urn)
	if err != nil {
		return nil, err
	}
	if _, err := seg.Seek(0, io.SeekEnd); err != nil {
		return nil, err
	}
	return seg, nil
}

// OpenMember returns the member named by urn for reading, failing when it
// is not present in the archive.
func (zf *ZipFile) OpenMember(urn rdf.URN) (aff4.Stream, error) {
	name := memberNameForURN(urn, zf.URN())
	if seg, ok := zf.segments[name]; ok {
		if _, err := seg.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		return seg, nil
	}
	if _, ok := zf.members[name]; !ok {
		return nil, xerrors.Errorf("no member %q in <%s>: %w", name, zf.URN(), aff4.ErrNotFound)
	}
	return zf.segment(urn)
}

// OpenZipSegment opens a member by its archive name rather than its URN.
func (zf *ZipFile) OpenZipSegment(name string) (aff4.Stream, error) {
	if _, ok := zf.members[name]; !ok {
		if _, ok := zf.segments[name]; !ok {
			return nil, xerrors.Errorf("no member %q in <%s>: %w", name, zf.URN(), aff4.ErrNotFound)
		}
	}
	return zf.OpenMember(urnForMemberName(name, zf.URN()))
}

// segment returns the live Segment for urn, creating it when needed.
func (zf *ZipFile) segment(urn rdf.URN) (*Segment, error) {
	name := memberNameForURN(urn, zf.URN())
	if seg, ok := zf.segments[name]; ok {
		return seg, nil
	}
	ds := zf.Resolver()
	seg := &Segment{
		BaseObject: resolver.NewBaseObject(ds, urn),
		zf:         zf,
		name:       name,
	}
	if err := seg.ensureLoaded(); err != nil {
		return nil, err
	}
	ds.Set(urn, rdf.NewURN(aff4.AttrType), urnValue(aff4.TypeZipSegment))
	ds.Set(urn, rdf.NewURN(aff4.AttrStored), urnValue(zf.URN().Serialize()))
	zf.segments[name] = seg
	return seg, nil
}

// Members returns the archive member names in directory order.
func (zf *ZipFile) Members() []string {
	return append([]string(nil), zf.order...)
}

// ContainsMember reports whether the archive holds name.
func (zf *ZipFile) ContainsMember(name string) bool {
	_, ok := zf.members[name]
	return ok
}

// readMember reads and decompresses one member's payload.
func (zf *ZipFile) readMember(info *memberInfo) ([]byte, error) {
	dataStart, err := zf.memberDataOffset(info)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, info.compressSize)
	if err := zf.readAt(raw, dataStart); err != nil {
		return nil, err
	}
	switch info.compressionMethod {
	case ZipStored:
		return raw, nil
	case ZipDeflate:
		return inflate(raw, int64(info.fileSize))
	default:
		return nil, xerrors.Errorf("member %q: unsupported compression method %d: %w",
			info.name, info.compressionMethod, aff4.ErrNotImplemented)
	}
}

// memberDataOffset locates the first payload byte by re-reading the local
// header: its name and extra lengths may differ from the directory's.
func (zf *ZipFile) memberDataOffset(info *memberInfo) (int64, error) {
	var lh localFileHeader
	hdr := make([]byte, binary.Size(&lh))
	if err := zf.readAt(hdr, info.localHeaderOffset); err != nil {
		return 0, err
	}
	if err := binary.Read(bytes.NewReader(hdr), binary.LittleEndian, &lh); err != nil {
		return 0, err
	}
	if lh.Magic != localFileHeaderMagic {
		return 0, xerrors.Errorf("member %q: bad local header magic %#x: %w",
			info.name, lh.Magic, aff4.ErrParsingError)
	}
	return info.localHeaderOffset + int64(binary.Size(&lh)) +
		int64(lh.FileNameLength) + int64(lh.ExtraFieldLength), nil
}

func (zf *ZipFile) readAt(p []byte, off int64) error {
	if _, err := zf.backing.Obj.Seek(off, io.SeekStart); err != nil {
		return err
	}
	if _, err := io.ReadFull(zf.backing.Obj, p); err != nil {
		return xerrors.Errorf("reading backing store at %d: %w: %v", off, aff4.ErrIOError, err)
	}
	return nil
}

// writeMember appends a local header plus payload for name and records
// its directory entry.
func (zf *ZipFile) writeMember(name string, data []byte, method uint16) error {
	payload := data
	if method == ZipDeflate {
		var err error
		payload, err = deflate(data)
		if err != nil {
			return err
		}
	}
	info, ok := zf.members[name]
	if !ok {
		info = &memberInfo{name: name}
		zf.members[name] = info
		zf.order = append(zf.order, name)
	}
	end, err := zf.backing.Obj.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	info.localHeaderOffset = end
	info.compressionMethod = method
	info.crc = crc32.ChecksumIEEE(data)
	info.compressSize = uint64(len(payload))
	info.fileSize = uint64(len(data))

	t, d := msdosTime(time.Now())
	lh := localFileHeader{
		Magic:             localFileHeaderMagic,
		MinVersion:        zipVersionNeeded,
		CompressionMethod: method,
		FileModTime:       t,
		FileModDate:       d,
		CRC32:             info.crc,
		CompressSize:      uint32(info.compressSize),
		FileSize:          uint32(info.fileSize),
		FileNameLength:    uint16(len(name)),
	}
	var extra bytes.Buffer
	if info.compressSize >= zip32Limit || info.fileSize >= zip32Limit {
		lh.CompressSize = zip32Limit
		lh.FileSize = zip32Limit
		writeZip64Extra(&extra, info.fileSize, info.compressSize, uint64(end-zf.globalOffset))
		lh.ExtraFieldLength = uint16(extra.Len())
	}
	w := zf.backing.Obj
	if err := binary.Write(w, binary.LittleEndian, &lh); err != nil {
		return err
	}
	if _, err := io.WriteString(w, name); err != nil {
		return err
	}
	if _, err := w.Write(extra.Bytes()); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	zf.MarkDirty()
	return nil
}

func writeZip64Extra(w io.Writer, fileSize, compressSize, offset uint64) {
	binary.Write(w, binary.LittleEndian, &zip64Extra{
		HeaderID:                  zip64ExtraHeaderID,
		DataSize:                  24,
		FileSize:                  fileSize,
		CompressSize:              compressSize,
		RelativeOffsetLocalHeader: offset,
	})
}

// StreamMember writes src straight through into a new deflated member
// with a trailing data descriptor, without buffering the payload. Used
// for members whose size is unknown up front.
func (zf *ZipFile) StreamMember(urn rdf.URN, src io.Reader) error {
	name := memberNameForURN(urn, zf.URN())
	w := zf.backing.Obj
	start, err := w.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	t, d := msdosTime(time.Now())
	lh := localFileHeader{
		Magic:             localFileHeaderMagic,
		MinVersion:        zipVersionNeeded,
		Flags:             dataDescriptorFlag,
		CompressionMethod: ZipDeflate,
		FileModTime:       t,
		FileModDate:       d,
		FileNameLength:    uint16(len(name)),
	}
	if err := binary.Write(w, binary.LittleEndian, &lh); err != nil {
		return err
	}
	if _, err := io.WriteString(w, name); err != nil {
		return err
	}

	crc := crc32.NewIEEE()
	counted := &countingWriter{w: w}
	fw, err := flateWriter(counted)
	if err != nil {
		return err
	}
	size, err := io.Copy(io.MultiWriter(fw, crc), src)
	if err != nil {
		return err
	}
	if err := fw.Close(); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, &dataDescriptor{
		Magic:        dataDescriptorMagic,
		CRC32:        crc.Sum32(),
		CompressSize: uint32(counted.n),
		FileSize:     uint32(size),
	}); err != nil {
		return err
	}

	info, ok := zf.members[name]
	if !ok {
		info = &memberInfo{name: name}
		zf.members[name] = info
		zf.order = append(zf.order, name)
	}
	info.localHeaderOffset = start
	info.compressionMethod = ZipDeflate
	info.crc = crc.Sum32()
	info.compressSize = uint64(counted.n)
	info.fileSize = uint64(size)

	ds := zf.Resolver()
	ds.Set(urn, rdf.NewURN(aff4.AttrType), urnValue(aff4.TypeZipSegment))
	ds.Set(urn, rdf.NewURN(aff4.AttrStored), urnValue(zf.URN().Serialize()))
	zf.MarkDirty()
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Flush writes pending segments, the information.turtle member and the
// central directory. The volume remains usable; a later mutation appends
// further members and a fresh directory.
func (zf *ZipFile) Flush() error {
	if !zf.IsDirty() {
		return nil
	}
	for _, name := range zf.order {
		if seg, ok := zf.segments[name]; ok && seg.IsDirty() {
			if err := seg.Flush(); err != nil {
				return err
			}
		}
	}
	// Live segments not yet in the directory (brand new members).
	for name, seg := range zf.segments {
		if _, ok := zf.members[name]; !ok || seg.IsDirty() {
			if err := seg.Flush(); err != nil {
				return err
			}
		}
	}

	// The metadata member reflects the final state of every object.
	turtle, err := zf.segment(zf.URN().Append("information.turtle"))
	if err != nil {
		return err
	}
	if err := turtle.Truncate(); err != nil {
		return err
	}
	turtle.CompressionMethod = ZipDeflate
	if err := zf.Resolver().DumpToTurtle(turtle, zf.URN()); err != nil {
		return err
	}
	if err := turtle.Flush(); err != nil {
		return err
	}

	if err := zf.writeCentralDirectory(); err != nil {
		return err
	}
	zf.ClearDirty()
	return nil
}

func (zf *ZipFile) writeCentralDirectory() error {
	w := zf.backing.Obj
	cdStart, err := w.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	var cd bytes.Buffer
	for _, name := range zf.order {
		info := zf.members[name]
		entry := cdFileHeader{
			Magic:             cdFileHeaderMagic,
			CreatorVersion:    zipVersionNeeded,
			MinVersion:        zipVersionNeeded,
			CompressionMethod: info.compressionMethod,
			CRC32:             info.crc,
			CompressSize:      uint32(info.compressSize),
			FileSize:          uint32(info.fileSize),
			FileNameLength:    uint16(len(name)),
		}
		relOffset := uint64(info.localHeaderOffset - zf.globalOffset)
		var extra bytes.Buffer
		if info.compressSize >= zip32Limit || info.fileSize >= zip32Limit || relOffset >= zip32Limit {
			entry.CompressSize = zip32Limit
			entry.FileSize = zip32Limit
			entry.RelativeOffsetLocalHeader = zip32Limit
			writeZip64Extra(&extra, info.fileSize, info.compressSize, relOffset)
			entry.ExtraFieldLength = uint16(extra.Len())
		} else {
			entry.RelativeOffsetLocalHeader = uint32(relOffset)
		}
		if err := binary.Write(&cd, binary.LittleEndian, &entry); err != nil {
			return err
		}
		cd.WriteString(name)
		cd.Write(extra.Bytes())
	}
	if _, err := w.Write(cd.Bytes()); err != nil {
		return err
	}

	entries := uint64(len(zf.order))
	cdOffset := uint64(cdStart - zf.globalOffset)
	if err := binary.Write(w, binary.LittleEndian, &zip64EndCD{
		Magic:                   zip64EndCDMagic,
		SizeOfHeader:            44,
		VersionMadeBy:           zipVersionNeeded,
		MinVersion:              zipVersionNeeded,
		NumberOfEntriesInVolume: entries,
		NumberOfEntriesInTotal:  entries,
		SizeOfCD:                uint64(cd.Len()),
		OffsetOfCD:              cdOffset,
	}); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, &zip64CDLocator{
		Magic:         zip64CDLocatorMagic,
		OffsetOfEndCD: cdOffset + uint64(cd.Len()),
		NumberOfDisks: 1,
	}); err != nil {
		return err
	}
	comment := zf.URN().Serialize()
	if err := binary.Write(w, binary.LittleEndian, &endCentralDirectory{
		Magic:                  endCentralDirMagic,
		TotalEntriesInCDOnDisk: uint16(len(zf.order)),
		TotalEntriesInCD:       uint16(len(zf.order)),
		SizeOfCD:               uint32(cd.Len()),
		OffsetOfCD:             zip32Limit, // the ZIP64 record is authoritative
		CommentLength:          uint16(len(comment)),
	}); err != nil {
		return err
	}
	if _, err := io.WriteString(w, comment); err != nil {
		return err
	}
	return nil
}

// Close flushes a dirty volume and releases the backing stream.
func (zf *ZipFile) Close() error {
	if zf.backing == nil {
		return nil
	}
	if zf.IsDirty() {
		if err := zf.Flush(); err != nil {
			return err
		}
	}
	err := zf.backing.Close()
	zf.backing = nil
	return err
}
