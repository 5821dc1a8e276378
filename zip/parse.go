package zip

import (
	"bytes"
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"

	aff4 "github.com/aff4/go-aff4"
	"github.com/aff4/go-aff4/rdf"
	"github.com/aff4/go-aff4/resolver"
)

// maxEOCDScan bounds the backward scan for the end-of-central-directory
// record: the record itself plus a maximal comment.
const maxEOCDScan = 22 + 65535

// parse reads an existing archive from the backing stream: locate the
// EOCD by scanning backward from the file end, correct all offsets
// relative to it (concatenated volumes), walk the central directory and
// load the metadata graph.
func (zf *ZipFile) parse(ds *resolver.DataStore) error {
	size := zf.backing.Obj.Size()
	window := int64(maxEOCDScan)
	if window > size {
		window = size
	}
	buf := make([]byte, window)
	if err := zf.readAt(buf, size-window); err != nil {
		return err
	}

	eocdIdx := -1
	for i := len(buf) - 22; i >= 0; i-- {
		if binary.LittleEndian.Uint32(buf[i:]) == endCentralDirMagic {
			eocdIdx = i
			break
		}
	}
	if eocdIdx == -1 {
		return xerrors.Errorf("no end of central directory in <%s>: %w",
			zf.backing.Obj.URN(), aff4.ErrParsingError)
	}
	eocdAbs := size - window + int64(eocdIdx)

	var eocd endCentralDirectory
	if err := binary.Read(bytes.NewReader(buf[eocdIdx:]), binary.LittleEndian, &eocd); err != nil {
		return err
	}
	commentStart := eocdIdx + binary.Size(&eocd)
	comment := ""
	if end := commentStart + int(eocd.CommentLength); end <= len(buf) {
		comment = string(buf[commentStart:end])
	}

	var (
		entries  uint64
		cdSize   uint64
		cdOffset uint64
		cdEnd    = eocdAbs
	)
	if eocd.OffsetOfCD == zip32Limit {
		// ZIP64: the locator and record sit immediately before the classic
		// record.
		locAbs := eocdAbs - int64(binary.Size(&zip64CDLocator{}))
		ecd64Abs := locAbs - int64(binary.Size(&zip64EndCD{}))
		if ecd64Abs < 0 {
			return xerrors.Errorf("truncated ZIP64 end of central directory: %w", aff4.ErrParsingError)
		}
		hdr := make([]byte, binary.Size(&zip64EndCD{}))
		if err := zf.readAt(hdr, ecd64Abs); err != nil {
			return err
		}
		var ecd64 zip64EndCD
		if err := binary.Read(bytes.NewReader(hdr), binary.LittleEndian, &ecd64); err != nil {
			return err
		}
		if ecd64.Magic != zip64EndCDMagic {
			return xerrors.Errorf("bad ZIP64 end of central directory magic %#x: %w",
				ecd64.Magic, aff4.ErrParsingError)
		}
		entries = ecd64.NumberOfEntriesInTotal
		cdSize = ecd64.SizeOfCD
		cdOffset = ecd64.OffsetOfCD
		cdEnd = ecd64Abs
	} else {
		entries = uint64(eocd.TotalEntriesInCD)
		cdSize = uint64(eocd.SizeOfCD)
		cdOffset = uint64(eocd.OffsetOfCD)
	}

	cdStart := cdEnd - int64(cdSize)
	if cdStart < 0 {
		return xerrors.Errorf("central directory extends before file start: %w", aff4.ErrParsingError)
	}
	zf.globalOffset = cdStart - int64(cdOffset)

	cd := make([]byte, cdSize)
	if err := zf.readAt(cd, cdStart); err != nil {
		return err
	}
	if err := zf.parseCD(cd, entries); err != nil {
		return err
	}

	urn := rdf.NewURN(comment)
	if comment == "" {
		urn = rdf.NewURN("aff4://" + newUUID())
	}
	zf.BaseObject = resolver.NewBaseObject(ds, urn)

	for _, name := range zf.order {
		memberURN := urnForMemberName(name, urn)
		ds.Set(memberURN, rdf.NewURN(aff4.AttrType), urnValue(aff4.TypeZipSegment))
		ds.Set(memberURN, rdf.NewURN(aff4.AttrStored), urnValue(urn.Serialize()))
	}

	if info, ok := zf.members["information.turtle"]; ok {
		data, err := zf.readMember(info)
		if err != nil {
			return err
		}
		if err := ds.LoadFromTurtle(bytes.NewReader(data)); err != nil {
			return err
		}
	}
	return nil
}

func (zf *ZipFile) parseCD(cd []byte, entries uint64) error {
	r := bytes.NewReader(cd)
	for i := uint64(0); i < entries; i++ {
		var entry cdFileHeader
		if err := binary.Read(r, binary.LittleEndian, &entry); err != nil {
			return xerrors.Errorf("central directory entry %d: %w: %v", i, aff4.ErrParsingError, err)
		}
		if entry.Magic != cdFileHeaderMagic {
			return xerrors.Errorf("central directory entry %d: bad magic %#x: %w",
				i, entry.Magic, aff4.ErrParsingError)
		}
		name := make([]byte, entry.FileNameLength)
		if _, err := io.ReadFull(r, name); err != nil {
			return err
		}
		extra := make([]byte, entry.ExtraFieldLength)
		if _, err := io.ReadFull(r, extra); err != nil {
			return err
		}
		if _, err := r.Seek(int64(entry.FileCommentLength), io.SeekCurrent); err != nil {
			return err
		}

		info := &memberInfo{
			name:              string(name),
			compressionMethod: entry.CompressionMethod,
			crc:               entry.CRC32,
			compressSize:      uint64(entry.CompressSize),
			fileSize:          uint64(entry.FileSize),
			localHeaderOffset: int64(entry.RelativeOffsetLocalHeader),
		}
		parseZip64Extra(extra, info)
		info.localHeaderOffset += zf.globalOffset
		zf.members[info.name] = info
		zf.order = append(zf.order, info.name)
	}
	return nil
}

// parseZip64Extra overrides the 32-bit directory fields from the ZIP64
// extensible data field, when present.
func parseZip64Extra(extra []byte, info *memberInfo) {
	for len(extra) >= 4 {
		id := binary.LittleEndian.Uint16(extra)
		size := int(binary.LittleEndian.Uint16(extra[2:]))
		if len(extra) < 4+size {
			return
		}
		body := extra[4 : 4+size]
		if id == zip64ExtraHeaderID {
			// Fields appear in order, only for directory values that
			// overflowed. Our writer always emits all three.
			read := func() (uint64, bool) {
				if len(body) < 8 {
					return 0, false
				}
				v := binary.LittleEndian.Uint64(body)
				body = body[8:]
				return v, true
			}
			if info.fileSize == zip32Limit {
				if v, ok := read(); ok {
					info.fileSize = v
				}
			}
			if info.compressSize == zip32Limit {
				if v, ok := read(); ok {
					info.compressSize = v
				}
			}
			if uint32(info.localHeaderOffset) == zip32Limit {
				if v, ok := read(); ok {
					info.localHeaderOffset = int64(v)
				}
			}
			return
		}
		extra = extra[4+size:]
	}
}
