// Package zip implements the AFF4 ZIP64 volume: a ZIP-shaped archive
// whose members carry object payloads and whose comment and
// information.turtle member carry the container identity and metadata.
//
// The reader tolerates concatenated volumes (a ZIP appended after
// arbitrary prefix bytes): the end-of-central-directory record is located
// by scanning backward from the file end and all member offsets are
// corrected relative to it, not to the file start.
//
// This package intentionally implements only the subset of ZIP that AFF4
// containers use: STORED and DEFLATE members, ZIP64 sizes, single-disk
// archives. Encryption, spanned archives and the full extra-field zoo are
// not supported.
package zip

import (
	"time"
)

const (
	localFileHeaderMagic = 0x04034b50
	cdFileHeaderMagic    = 0x02014b50
	endCentralDirMagic   = 0x06054b50
	zip64EndCDMagic      = 0x06064b50
	zip64CDLocatorMagic  = 0x07064b50
	dataDescriptorMagic  = 0x08074b50
	zip64ExtraHeaderID   = 0x0001
	zipVersionNeeded     = 45 // ZIP64
	zip32Limit           = 0xFFFFFFFF
	dataDescriptorFlag   = 1 << 3
)

// Compression methods of zip members. Chunk codecs inside image bevies are
// a separate, richer set; see the image package.
const (
	ZipStored  = 0
	ZipDeflate = 8
)

// localFileHeader precedes each member's data.
type localFileHeader struct {
	Magic             uint32
	MinVersion        uint16
	Flags             uint16
	CompressionMethod uint16
	FileModTime       uint16
	FileModDate       uint16
	CRC32             uint32
	CompressSize      uint32
	FileSize          uint32
	FileNameLength    uint16
	ExtraFieldLength  uint16
	// Followed by the file name and extra field bytes.
}

// cdFileHeader is one central directory entry.
type cdFileHeader struct {
	Magic             uint32
	CreatorVersion    uint16
	MinVersion        uint16
	Flags             uint16
	CompressionMethod uint16
	FileModTime       uint16
	FileModDate       uint16
	CRC32             uint32
	CompressSize      uint32
	FileSize          uint32
	FileNameLength    uint16
	ExtraFieldLength  uint16
	FileCommentLength uint16
	DiskNumberStart   uint16
	InternalFileAttr  uint16
	ExternalFileAttr  uint32

	// RelativeOffsetLocalHeader is relative to the zip origin, which for
	// concatenated volumes is not byte 0 of the backing file.
	RelativeOffsetLocalHeader uint32
	// Followed by the file name, extra field and comment bytes.
}

// zip64Extra is the extensible data field carrying 64-bit sizes. All three
// fields are always emitted together for simplicity.
type zip64Extra struct {
	HeaderID                  uint16
	DataSize                  uint16
	FileSize                  uint64
	CompressSize              uint64
	RelativeOffsetLocalHeader uint64
}

// endCentralDirectory terminates the archive. The comment holds the
// volume URN.
type endCentralDirectory struct {
	Magic                  uint32
	NumberOfThisDisk       uint16
	DiskWithCD             uint16
	TotalEntriesInCDOnDisk uint16
	TotalEntriesInCD       uint16
	SizeOfCD               uint32
	OffsetOfCD             uint32
	CommentLength          uint16
	// Followed by the comment bytes.
}

// zip64EndCD is the ZIP64 end of central directory record, written
// immediately before its locator and the classic record.
type zip64EndCD struct {
	Magic                   uint32
	SizeOfHeader            uint64
	VersionMadeBy           uint16
	MinVersion              uint16
	NumberOfDisk            uint32
	NumberOfDiskWithCD      uint32
	NumberOfEntriesInVolume uint64
	NumberOfEntriesInTotal  uint64
	SizeOfCD                uint64
	OffsetOfCD              uint64
}

// zip64CDLocator points a classic reader at the ZIP64 record.
type zip64CDLocator struct {
	Magic         uint32
	DiskWithCD    uint32
	OffsetOfEndCD uint64
	NumberOfDisks uint32
}

// dataDescriptor trails streamed members whose sizes were unknown when the
// local header was written.
type dataDescriptor struct {
	Magic        uint32
	CRC32        uint32
	CompressSize uint32
	FileSize     uint32
}

// msdosTime encodes t in the FAT time/date format zip headers use.
func msdosTime(t time.Time) (timeField, dateField uint16) {
	timeField = uint16(t.Hour()<<11 | t.Minute()<<5 | t.Second()/2)
	dateField = uint16((t.Year()-1980)<<9 | int(t.Month())<<5 | t.Day())
	return timeField, dateField
}
