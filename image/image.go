// Package image implements AFF4Image: a random-access stream whose
// logical bytes are sharded into fixed-size chunks, compressed
// independently and grouped into bevies stored as zip members with a
// parallel index of chunk offsets.
package image

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"runtime"

	lru "github.com/hashicorp/golang-lru"
	"github.com/orcaman/writerseeker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	aff4 "github.com/aff4/go-aff4"
	"github.com/aff4/go-aff4/rdf"
	"github.com/aff4/go-aff4/resolver"
)

const (
	// DefaultChunkSize is the uncompressed chunk length.
	DefaultChunkSize = 32 * 1024

	// DefaultChunksPerSegment is the number of chunks grouped into one bevy.
	DefaultChunksPerSegment = 1024

	// chunkCacheSize bounds the per-image LRU of decompressed chunks.
	chunkCacheSize = 32
)

func init() {
	ctor := func(ds *resolver.DataStore, urn rdf.URN) aff4.Object {
		return newImage(ds, urn)
	}
	resolver.Register(aff4.TypeImageStream, ctor)
	resolver.Register(aff4.TypeLegacyImageStream, ctor)
	resolver.Register(aff4.TypeImage, ctor)
}

// Image is a chunked compressed stream. Writes append; reads are random
// access. The zero value is not usable; go through NewImage or the
// resolver factory.
type Image struct {
	resolver.BaseObject

	// ChunkSize and ChunksPerSegment shape the bevy layout. They may be
	// adjusted on a fresh image before the first write.
	ChunkSize        int
	ChunksPerSegment int

	// Compression is the chunk codec's method URI.
	Compression string

	// VolumeURN names the volume bevies are written into.
	VolumeURN rdf.URN

	size      int64
	off       int64
	bevyIndex int

	// buffer accumulates uncompressed bytes until a bevy is complete.
	buffer   *writerseeker.WriterSeeker
	buffered int

	chunkCache *lru.Cache

	// bevies caches the two most recently loaded bevy payloads with their
	// chunk offset indexes.
	bevies  map[int]*bevyData
	bevyMRU []int
}

type bevyData struct {
	data  []byte
	index []uint32
}

func newImage(ds *resolver.DataStore, urn rdf.URN) *Image {
	cache, _ := lru.New(chunkCacheSize)
	return &Image{
		BaseObject:       resolver.NewBaseObject(ds, urn),
		ChunkSize:        DefaultChunkSize,
		ChunksPerSegment: DefaultChunksPerSegment,
		Compression:      aff4.CompressionDeflate,
		buffer:           &writerseeker.WriterSeeker{},
		chunkCache:       cache,
		bevies:           make(map[int]*bevyData),
	}
}

// NewImage creates a fresh image stream inside the given volume.
func NewImage(ds *resolver.DataStore, urn, volumeURN rdf.URN) (*Image, error) {
	img := newImage(ds, urn)
	img.VolumeURN = volumeURN
	ds.Set(urn, rdf.NewURN(aff4.AttrType), urnValue(aff4.TypeImageStream))
	ds.Set(urn, rdf.NewURN(aff4.AttrStored), urnValue(volumeURN.Serialize()))
	img.MarkDirty()
	return img, nil
}

func urnValue(s string) *rdf.URN {
	u := rdf.NewURN(s)
	return &u
}

// LoadFromURN populates the layout from graph attributes.
func (img *Image) LoadFromURN() error {
	ds := img.Resolver()
	var v rdf.XSDInteger
	if err := ds.Get(img.URN(), rdf.NewURN(aff4.AttrChunkSize), &v); err == nil {
		img.ChunkSize = int(v)
	}
	if err := ds.Get(img.URN(), rdf.NewURN(aff4.AttrChunksPerSegment), &v); err == nil {
		img.ChunksPerSegment = int(v)
	}
	if err := ds.Get(img.URN(), rdf.NewURN(aff4.AttrSize), &v); err == nil {
		img.size = int64(v)
	}
	var compression rdf.URN
	if err := ds.Get(img.URN(), rdf.NewURN(aff4.AttrCompression), &compression); err == nil {
		img.Compression = compression.Serialize()
	}
	if err := ds.Get(img.URN(), rdf.NewURN(aff4.AttrStored), &img.VolumeURN); err != nil {
		return xerrors.Errorf("image <%s> has no stored volume: %w", img.URN(), err)
	}
	img.bevyIndex = int(img.size / img.bevySize())
	return nil
}

func (img *Image) bevySize() int64 {
	return int64(img.ChunkSize) * int64(img.ChunksPerSegment)
}

func (img *Image) Read(p []byte) (int, error) {
	if img.off >= img.size {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	want := int64(len(p))
	if remaining := img.size - img.off; want > remaining {
		want = remaining
	}
	var read int64
	for read < want {
		n, err := img.readPartial(p[read:want], img.off)
		if err != nil {
			return int(read), err
		}
		read += int64(n)
		img.off += int64(n)
	}
	return int(read), nil
}

// readPartial reads within a single chunk at the given logical offset.
func (img *Image) readPartial(p []byte, off int64) (int, error) {
	chunkIdx := off / int64(img.ChunkSize)
	offsetInChunk := int(off % int64(img.ChunkSize))
	chunk, err := img.chunk(chunkIdx)
	if err != nil {
		return 0, err
	}
	n := copy(p, chunk[offsetInChunk:])
	if n == 0 {
		// Bytes past the end of a short (truncated) chunk read as zeros.
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}
	return n, nil
}

// chunk returns the decompressed chunk with the given global index.
func (img *Image) chunk(chunkIdx int64) ([]byte, error) {
	if cached, ok := img.chunkCache.Get(chunkIdx); ok {
		return cached.([]byte), nil
	}
	bevy := int(chunkIdx / int64(img.ChunksPerSegment))
	chunkInBevy := int(chunkIdx % int64(img.ChunksPerSegment))

	bd, err := img.bevy(bevy)
	if err != nil {
		return nil, err
	}
	if chunkInBevy >= len(bd.index) {
		return nil, xerrors.Errorf("chunk %d beyond bevy %d index: %w",
			chunkIdx, bevy, aff4.ErrNotFound)
	}
	start := int64(bd.index[chunkInBevy])
	end := int64(len(bd.data))
	if chunkInBevy+1 < len(bd.index) {
		end = int64(bd.index[chunkInBevy+1])
	}
	if start > end || end > int64(len(bd.data)) {
		return nil, xerrors.Errorf("bevy %d index out of bounds: %w", bevy, aff4.ErrParsingError)
	}
	chunk, err := decompressChunk(img.Compression, bd.data[start:end], img.ChunkSize)
	if err != nil {
		return nil, err
	}
	img.chunkCache.Add(chunkIdx, chunk)
	return chunk, nil
}

// bevy loads (or returns the cached) payload and index of one bevy.
func (img *Image) bevy(bevy int) (*bevyData, error) {
	if bd, ok := img.bevies[bevy]; ok {
		return bd, nil
	}
	vol, err := img.Resolver().Volume(img.VolumeURN)
	if err != nil {
		return nil, err
	}
	dataURN := img.URN().Append(fmt.Sprintf("%08d", bevy))
	indexURN := img.URN().Append(fmt.Sprintf("%08d.index", bevy))

	indexSeg, err := vol.OpenMember(indexURN)
	if err != nil {
		return nil, err
	}
	indexRaw := make([]byte, indexSeg.Size())
	if _, err := io.ReadFull(indexSeg, indexRaw); err != nil {
		return nil, xerrors.Errorf("reading bevy %d index: %w: %v", bevy, aff4.ErrIOError, err)
	}
	indexSeg.Close()
	index := make([]uint32, len(indexRaw)/4)
	for i := range index {
		index[i] = binary.LittleEndian.Uint32(indexRaw[i*4:])
	}

	dataSeg, err := vol.OpenMember(dataURN)
	if err != nil {
		return nil, err
	}
	data := make([]byte, dataSeg.Size())
	if _, err := io.ReadFull(dataSeg, data); err != nil {
		return nil, xerrors.Errorf("reading bevy %d: %w: %v", bevy, aff4.ErrIOError, err)
	}
	dataSeg.Close()

	bd := &bevyData{data: data, index: index}
	img.bevies[bevy] = bd
	img.bevyMRU = append(img.bevyMRU, bevy)
	if len(img.bevyMRU) > 2 {
		delete(img.bevies, img.bevyMRU[0])
		img.bevyMRU = img.bevyMRU[1:]
	}
	return bd, nil
}

// Write appends p to the stream. Image streams are written sequentially;
// the bevy buffer flushes whenever a full bevy has accumulated.
func (img *Image) Write(p []byte) (int, error) {
	img.MarkDirty()
	written := 0
	for written < len(p) {
		capacity := int(img.bevySize()) - img.buffered
		take := len(p) - written
		if take > capacity {
			take = capacity
		}
		if _, err := img.buffer.Write(p[written : written+take]); err != nil {
			return written, err
		}
		img.buffered += take
		written += take
		img.size += int64(take)
		img.off = img.size
		if img.buffered == int(img.bevySize()) {
			if err := img.flushBevy(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// flushBevy compresses the buffered chunks in parallel and emits the
// bevy's data and index members.
func (img *Image) flushBevy() error {
	if img.buffered == 0 {
		return nil
	}
	raw := make([]byte, img.buffered)
	if _, err := io.ReadFull(img.buffer.BytesReader(), raw); err != nil {
		return err
	}
	// Pad the final partial chunk: chunks are always chunk_size long on
	// disk, the logical size attribute clamps reads.
	if tail := len(raw) % img.ChunkSize; tail != 0 {
		raw = append(raw, make([]byte, img.ChunkSize-tail)...)
	}
	numChunks := len(raw) / img.ChunkSize
	compressed := make([][]byte, numChunks)

	var eg errgroup.Group
	eg.SetLimit(runtime.NumCPU())
	for i := 0; i < numChunks; i++ {
		i := i
		eg.Go(func() error {
			out, err := compressChunk(img.Compression, raw[i*img.ChunkSize:(i+1)*img.ChunkSize])
			compressed[i] = out
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	index := make([]byte, 4*numChunks)
	var offset uint32
	for i, c := range compressed {
		binary.LittleEndian.PutUint32(index[i*4:], offset)
		offset += uint32(len(c))
	}

	vol, err := img.Resolver().Volume(img.VolumeURN)
	if err != nil {
		return err
	}
	if err := img.writeBevyMember(vol,
		img.URN().Append(fmt.Sprintf("%08d", img.bevyIndex)), compressed); err != nil {
		return err
	}
	if err := img.writeBevyMember(vol,
		img.URN().Append(fmt.Sprintf("%08d.index", img.bevyIndex)), [][]byte{index}); err != nil {
		return err
	}

	img.bevyIndex++
	img.buffer = &writerseeker.WriterSeeker{}
	img.buffered = 0
	return nil
}

func (img *Image) writeBevyMember(vol aff4.Volume, urn rdf.URN, parts [][]byte) error {
	seg, err := vol.CreateMember(urn)
	if err != nil {
		return err
	}
	for _, p := range parts {
		if _, err := seg.Write(p); err != nil {
			return err
		}
	}
	if err := seg.Flush(); err != nil {
		return err
	}
	return seg.Close()
}

// WriteStream acquires the whole of src into the image, chunk by chunk.
func (img *Image) WriteStream(src aff4.Stream, progress *aff4.Progress) error {
	if _, err := aff4.CopyStream(img, src, src.Size()-src.Tell(), progress); err != nil {
		return err
	}
	return nil
}

func (img *Image) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekCurrent:
		img.off += offset
	case io.SeekEnd:
		img.off = img.size + offset
	default:
		img.off = offset
	}
	if img.off < 0 {
		img.off = 0
	}
	return img.off, nil
}

func (img *Image) Tell() int64 { return img.off }

func (img *Image) Size() int64 { return img.size }

// Truncate is not supported on image streams: bevies are immutable once
// written.
func (img *Image) Truncate() error {
	return xerrors.Errorf("truncating image streams: %w", aff4.ErrNotImplemented)
}

// Flush writes the final partial bevy and the image's attributes.
func (img *Image) Flush() error {
	if !img.IsDirty() {
		return nil
	}
	if err := img.flushBevy(); err != nil {
		return err
	}
	ds := img.Resolver()
	ds.Set(img.URN(), rdf.NewURN(aff4.AttrType), urnValue(aff4.TypeImageStream))
	ds.Set(img.URN(), rdf.NewURN(aff4.AttrStored), urnValue(img.VolumeURN.Serialize()))
	ds.Set(img.URN(), rdf.NewURN(aff4.AttrChunkSize), rdf.NewXSDInteger(int64(img.ChunkSize)))
	ds.Set(img.URN(), rdf.NewURN(aff4.AttrChunksPerSegment), rdf.NewXSDInteger(int64(img.ChunksPerSegment)))
	ds.Set(img.URN(), rdf.NewURN(aff4.AttrSize), rdf.NewXSDInteger(img.size))
	ds.Set(img.URN(), rdf.NewURN(aff4.AttrCompression), urnValue(img.Compression))
	img.ClearDirty()
	return nil
}

func (img *Image) Close() error {
	if img.IsDirty() {
		log.Printf("image <%s> closed with unflushed data", img.URN())
	}
	img.bevies = make(map[int]*bevyData)
	img.bevyMRU = nil
	img.chunkCache.Purge()
	return nil
}
