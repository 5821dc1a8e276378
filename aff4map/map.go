// Package aff4map implements AFF4Map: a stream whose byte ranges redirect
// to arbitrary target streams. Maps express sparse memory images and read
// errors: unmapped holes and failing targets read as zeros.
package aff4map

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"log"
	"sort"
	"strings"

	"golang.org/x/xerrors"

	aff4 "github.com/aff4/go-aff4"
	"github.com/aff4/go-aff4/rdf"
	"github.com/aff4/go-aff4/resolver"
)

func init() {
	resolver.Register(aff4.TypeMap, func(ds *resolver.DataStore, urn rdf.URN) aff4.Object {
		return newMap(ds, urn)
	})
}

// Range redirects the map interval [MapOffset, MapOffset+Length) to
// TargetOffset in the stream identified by TargetID. The on-disk layout
// is this struct packed little-endian.
type Range struct {
	MapOffset    uint64
	TargetOffset uint64
	Length       uint64
	TargetID     uint32
}

func (r Range) end() uint64 { return r.MapOffset + r.Length }

// target is one entry of the per-map target registry. Live targets added
// through AddRange are borrowed; GiveTarget transfers ownership so that a
// target constructed for the map outlives its construction scope. Targets
// of reopened maps are resolved through the factory on first read.
type target struct {
	urn    rdf.URN
	stream aff4.Stream
	scoped *resolver.Scoped[aff4.Stream]
	owned  bool
}

// Map is the sparse map stream.
type Map struct {
	resolver.BaseObject

	// VolumeURN names the volume the range table persists into.
	VolumeURN rdf.URN

	// FirstWriteWins flips the overlap policy for containers produced by
	// implementations that expect earlier ranges to survive. The default
	// is last-write-wins, which the imager relies on when layering
	// partial reads over a base image.
	FirstWriteWins bool

	ranges  []Range // sorted by MapOffset, pairwise disjoint
	targets []*target
	size    int64
	off     int64
}

func newMap(ds *resolver.DataStore, urn rdf.URN) *Map {
	return &Map{BaseObject: resolver.NewBaseObject(ds, urn)}
}

// NewMap creates a fresh map stream inside the given volume.
func NewMap(ds *resolver.DataStore, urn, volumeURN rdf.URN) (*Map, error) {
	m := newMap(ds, urn)
	m.VolumeURN = volumeURN
	ds.Set(urn, rdf.NewURN(aff4.AttrType), urnValue(aff4.TypeMap))
	ds.Set(urn, rdf.NewURN(aff4.AttrStored), urnValue(volumeURN.Serialize()))
	m.MarkDirty()
	return m, nil
}

func urnValue(s string) *rdf.URN {
	u := rdf.NewURN(s)
	return &u
}

// Ranges returns a copy of the range table.
func (m *Map) Ranges() []Range {
	return append([]Range(nil), m.ranges...)
}

// Targets returns the target URNs in id order.
func (m *Map) Targets() []rdf.URN {
	urns := make([]rdf.URN, len(m.targets))
	for i, t := range m.targets {
		urns[i] = t.urn
	}
	return urns
}

// targetID returns the registry index for urn, appending a new entry when
// absent.
func (m *Map) targetID(urn rdf.URN) int {
	for i, t := range m.targets {
		if t.urn == urn {
			return i
		}
	}
	m.targets = append(m.targets, &target{urn: urn})
	return len(m.targets) - 1
}

// AddRange redirects [mapOffset, mapOffset+length) to targetOffset in
// target. Overlapping existing ranges are truncated or split: the new
// range wins the overlapped bytes unless FirstWriteWins is set, in which
// case the new range is clipped to the holes instead.
func (m *Map) AddRange(mapOffset, targetOffset, length int64, tgt aff4.Stream) error {
	if length <= 0 {
		return xerrors.Errorf("range length %d must be positive: %w", length, aff4.ErrInvalidInput)
	}
	id := m.targetID(tgt.URN())
	if m.targets[id].stream == nil {
		m.targets[id].stream = tgt
	}

	add := Range{
		MapOffset:    uint64(mapOffset),
		TargetOffset: uint64(targetOffset),
		Length:       uint64(length),
		TargetID:     uint32(id),
	}
	if m.FirstWriteWins {
		for _, piece := range m.clipToHoles(add) {
			m.insert(piece)
		}
	} else {
		m.insert(add)
	}
	if end := int64(add.end()); end > m.size {
		m.size = end
	}
	m.MarkDirty()
	return nil
}

// insert places add into the table, truncating and splitting whatever it
// overlaps, then coalesces contiguous neighbours.
func (m *Map) insert(add Range) {
	out := m.ranges[:0:0]
	for _, r := range m.ranges {
		switch {
		case r.end() <= add.MapOffset || r.MapOffset >= add.end():
			out = append(out, r)
		default:
			if r.MapOffset < add.MapOffset {
				out = append(out, Range{
					MapOffset:    r.MapOffset,
					TargetOffset: r.TargetOffset,
					Length:       add.MapOffset - r.MapOffset,
					TargetID:     r.TargetID,
				})
			}
			if r.end() > add.end() {
				cut := add.end() - r.MapOffset
				out = append(out, Range{
					MapOffset:    add.end(),
					TargetOffset: r.TargetOffset + cut,
					Length:       r.end() - add.end(),
					TargetID:     r.TargetID,
				})
			}
		}
	}
	out = append(out, add)
	sort.Slice(out, func(i, j int) bool { return out[i].MapOffset < out[j].MapOffset })

	// Coalesce neighbours that continue the same target run.
	merged := out[:0:0]
	for _, r := range out {
		if n := len(merged); n > 0 {
			last := &merged[n-1]
			if last.TargetID == r.TargetID &&
				last.end() == r.MapOffset &&
				last.TargetOffset+last.Length == r.TargetOffset {
				last.Length += r.Length
				continue
			}
		}
		merged = append(merged, r)
	}
	m.ranges = merged
}

// clipToHoles cuts add down to the intervals not yet covered by the table.
func (m *Map) clipToHoles(add Range) []Range {
	var pieces []Range
	cur := add
	for _, r := range m.ranges {
		if cur.Length == 0 {
			break
		}
		if r.end() <= cur.MapOffset || r.MapOffset >= cur.end() {
			continue
		}
		if r.MapOffset > cur.MapOffset {
			pieces = append(pieces, Range{
				MapOffset:    cur.MapOffset,
				TargetOffset: cur.TargetOffset,
				Length:       r.MapOffset - cur.MapOffset,
				TargetID:     cur.TargetID,
			})
		}
		// Skip past the covered interval.
		if r.end() >= cur.end() {
			cur.Length = 0
		} else {
			advance := r.end() - cur.MapOffset
			cur.MapOffset += advance
			cur.TargetOffset += advance
			cur.Length -= advance
		}
	}
	if cur.Length > 0 {
		pieces = append(pieces, cur)
	}
	return pieces
}

// GiveTarget transfers ownership of tgt to the map: the stream is flushed
// and closed together with the map rather than by the caller. Used when a
// target is constructed purely to serve the map and must outlive the
// construction scope.
func (m *Map) GiveTarget(tgt aff4.Stream) {
	id := m.targetID(tgt.URN())
	m.targets[id].stream = tgt
	m.targets[id].owned = true
}

func (m *Map) Read(p []byte) (int, error) {
	if m.off >= m.size {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	want := int64(len(p))
	if remaining := m.size - m.off; want > remaining {
		want = remaining
	}
	var read int64
	for read < want {
		n := m.readPartial(p[read:want], m.off)
		read += int64(n)
		m.off += int64(n)
	}
	return int(read), nil
}

// readPartial serves bytes at off from the containing range, or zero-fills
// the hole up to the next range. Target read failures are zero-filled and
// logged, never propagated.
func (m *Map) readPartial(p []byte, off int64) int {
	o := uint64(off)
	idx := sort.Search(len(m.ranges), func(i int) bool { return m.ranges[i].end() > o })
	if idx == len(m.ranges) {
		zero(p)
		return len(p)
	}
	r := m.ranges[idx]
	if r.MapOffset > o {
		// A hole before the next range.
		n := int64(len(p))
		if gap := int64(r.MapOffset - o); gap < n {
			n = gap
		}
		zero(p[:n])
		return int(n)
	}

	into := o - r.MapOffset
	n := int64(len(p))
	if avail := int64(r.Length - into); avail < n {
		n = avail
	}
	tgt, err := m.target(int(r.TargetID))
	if err != nil {
		log.Printf("map <%s>: target %d unavailable, zero filling: %v", m.URN(), r.TargetID, err)
		zero(p[:n])
		return int(n)
	}
	if _, err := tgt.Seek(int64(r.TargetOffset+into), io.SeekStart); err != nil {
		log.Printf("map <%s>: seeking target <%s>: %v", m.URN(), tgt.URN(), err)
		zero(p[:n])
		return int(n)
	}
	got, err := io.ReadFull(tgt, p[:n])
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		log.Printf("map <%s>: reading target <%s>: %v", m.URN(), tgt.URN(), err)
	}
	if int64(got) < n {
		zero(p[got:n])
	}
	return int(n)
}

func zero(p []byte) {
	for i := range p {
		p[i] = 0
	}
}

// ResolveTarget returns the live stream behind a registry id, for callers
// that drain map targets directly (the imager's copy loop).
func (m *Map) ResolveTarget(id uint32) (aff4.Stream, error) {
	return m.target(int(id))
}

// target returns the live stream for a registry id, resolving it through
// the factory when the map was reopened from disk.
func (m *Map) target(id int) (aff4.Stream, error) {
	if id < 0 || id >= len(m.targets) {
		return nil, xerrors.Errorf("target id %d out of registry: %w", id, aff4.ErrNotFound)
	}
	t := m.targets[id]
	if t.stream != nil {
		return t.stream, nil
	}
	scoped, err := resolver.Open[aff4.Stream](m.Resolver(), t.urn)
	if err != nil {
		return nil, err
	}
	t.scoped = scoped
	t.stream = scoped.Obj
	return t.stream, nil
}

func (m *Map) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekCurrent:
		m.off += offset
	case io.SeekEnd:
		m.off = m.size + offset
	default:
		m.off = offset
	}
	if m.off < 0 {
		m.off = 0
	}
	return m.off, nil
}

func (m *Map) Tell() int64 { return m.off }

// Size returns the declared map size, which callers may raise above the
// summed ranges for padded images.
func (m *Map) Size() int64 { return m.size }

// SetSize declares the logical map length.
func (m *Map) SetSize(n int64) {
	m.size = n
	m.MarkDirty()
}

// Write is not meaningful on a map; data is placed via AddRange targets.
func (m *Map) Write([]byte) (int, error) {
	return 0, xerrors.Errorf("writing through a map stream: %w", aff4.ErrNotImplemented)
}

func (m *Map) Truncate() error {
	m.ranges = nil
	m.off = 0
	m.size = 0
	m.MarkDirty()
	return nil
}

// Flush persists the range table and target registry and emits the map's
// attributes. Borrowed targets must still be live at this point.
func (m *Map) Flush() error {
	if !m.IsDirty() {
		return nil
	}
	vol, err := m.Resolver().Volume(m.VolumeURN)
	if err != nil {
		return err
	}

	var table bytes.Buffer
	for _, r := range m.ranges {
		if err := binary.Write(&table, binary.LittleEndian, r); err != nil {
			return err
		}
	}
	if err := m.writeMember(vol, m.URN().Append("map"), table.Bytes()); err != nil {
		return err
	}

	var idx bytes.Buffer
	for _, t := range m.targets {
		idx.WriteString(t.urn.Serialize())
		idx.WriteByte('\n')
	}
	if err := m.writeMember(vol, m.URN().Append("idx"), idx.Bytes()); err != nil {
		return err
	}

	ds := m.Resolver()
	ds.Set(m.URN(), rdf.NewURN(aff4.AttrType), urnValue(aff4.TypeMap))
	ds.Set(m.URN(), rdf.NewURN(aff4.AttrStored), urnValue(m.VolumeURN.Serialize()))
	ds.Set(m.URN(), rdf.NewURN(aff4.AttrSize), rdf.NewXSDInteger(m.size))
	m.ClearDirty()
	return nil
}

func (m *Map) writeMember(vol aff4.Volume, urn rdf.URN, data []byte) error {
	seg, err := vol.CreateMember(urn)
	if err != nil {
		return err
	}
	if err := seg.Truncate(); err != nil {
		return err
	}
	if _, err := seg.Write(data); err != nil {
		return err
	}
	if err := seg.Flush(); err != nil {
		return err
	}
	return seg.Close()
}

// LoadFromURN reconstructs the range table and target registry from the
// volume.
func (m *Map) LoadFromURN() error {
	ds := m.Resolver()
	if err := ds.Get(m.URN(), rdf.NewURN(aff4.AttrStored), &m.VolumeURN); err != nil {
		return xerrors.Errorf("map <%s> has no stored volume: %w", m.URN(), err)
	}
	var size rdf.XSDInteger
	if err := ds.Get(m.URN(), rdf.NewURN(aff4.AttrSize), &size); err == nil {
		m.size = int64(size)
	}
	vol, err := ds.Volume(m.VolumeURN)
	if err != nil {
		return err
	}

	idxSeg, err := vol.OpenMember(m.URN().Append("idx"))
	if err != nil {
		return xerrors.Errorf("map <%s>: %w", m.URN(), err)
	}
	sc := bufio.NewScanner(idxSeg)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		m.targets = append(m.targets, &target{urn: rdf.NewURN(line)})
	}
	idxSeg.Close()
	if err := sc.Err(); err != nil {
		return err
	}

	mapSeg, err := vol.OpenMember(m.URN().Append("map"))
	if err != nil {
		return xerrors.Errorf("map <%s>: %w", m.URN(), err)
	}
	defer mapSeg.Close()
	recordSize := binary.Size(Range{})
	count := int(mapSeg.Size()) / recordSize
	raw := make([]byte, count*recordSize)
	if _, err := io.ReadFull(mapSeg, raw); err != nil {
		return xerrors.Errorf("map <%s> table: %w: %v", m.URN(), aff4.ErrIOError, err)
	}
	r := bytes.NewReader(raw)
	m.ranges = make([]Range, count)
	for i := range m.ranges {
		if err := binary.Read(r, binary.LittleEndian, &m.ranges[i]); err != nil {
			return err
		}
	}
	return nil
}

// Close releases target handles: borrowed checkouts return to the cache,
// owned targets are flushed and closed with the map.
func (m *Map) Close() error {
	if m.IsDirty() {
		log.Printf("map <%s> closed with unflushed changes", m.URN())
	}
	for _, t := range m.targets {
		switch {
		case t.owned && t.stream != nil:
			if t.stream.IsDirty() {
				if err := t.stream.Flush(); err != nil {
					log.Printf("map <%s>: flushing owned target <%s>: %v", m.URN(), t.urn, err)
				}
			}
			if err := t.stream.Close(); err != nil {
				log.Printf("map <%s>: closing owned target <%s>: %v", m.URN(), t.urn, err)
			}
		case t.scoped != nil:
			t.scoped.Close()
		}
		t.stream = nil
		t.scoped = nil
	}
	return nil
}
