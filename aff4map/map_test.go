package aff4map_test

import (
	"io"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	aff4 "github.com/aff4/go-aff4"
	"github.com/aff4/go-aff4/aff4map"
	"github.com/aff4/go-aff4/image"
	"github.com/aff4/go-aff4/rdf"
	"github.com/aff4/go-aff4/resolver"
	"github.com/aff4/go-aff4/stream"
	"github.com/aff4/go-aff4/zip"
)

func newStream(urn string, content string) *stream.StringIO {
	s := stream.NewStringIOURN(resolver.NewMemoryDataStore(), rdf.NewURN(urn))
	s.Write([]byte(content))
	s.Seek(0, io.SeekStart)
	return s
}

func newTestMap(t *testing.T) (*resolver.DataStore, *aff4map.Map) {
	t.Helper()
	ds := resolver.NewMemoryDataStore()
	m, err := aff4map.NewMap(ds, rdf.NewURN("aff4://volume/test_map"), rdf.NewURN("aff4://volume"))
	if err != nil {
		t.Fatal(err)
	}
	return ds, m
}

// The canonical overwrite scenario: a later range wins the overlapped
// bytes, the older range is split around it.
func TestAddRangeOverwrite(t *testing.T) {
	_, m := newTestMap(t)
	s1 := newStream("aff4://s1", "")
	s2 := newStream("aff4://s2", "")

	if err := m.AddRange(0, 0, 100, s1); err != nil {
		t.Fatal(err)
	}
	if err := m.AddRange(50, 0, 20, s2); err != nil {
		t.Fatal(err)
	}

	want := []aff4map.Range{
		{MapOffset: 0, TargetOffset: 0, Length: 50, TargetID: 0},
		{MapOffset: 50, TargetOffset: 0, Length: 20, TargetID: 1},
		{MapOffset: 70, TargetOffset: 70, Length: 30, TargetID: 0},
	}
	if diff := cmp.Diff(want, m.Ranges()); diff != "" {
		t.Errorf("ranges (-want +got):\n%s", diff)
	}
}

func TestAddRangeFirstWriteWins(t *testing.T) {
	_, m := newTestMap(t)
	m.FirstWriteWins = true
	s1 := newStream("aff4://s1", "")
	s2 := newStream("aff4://s2", "")

	if err := m.AddRange(20, 0, 20, s1); err != nil {
		t.Fatal(err)
	}
	if err := m.AddRange(0, 100, 60, s2); err != nil {
		t.Fatal(err)
	}

	want := []aff4map.Range{
		{MapOffset: 0, TargetOffset: 100, Length: 20, TargetID: 1},
		{MapOffset: 20, TargetOffset: 0, Length: 20, TargetID: 0},
		{MapOffset: 40, TargetOffset: 140, Length: 20, TargetID: 1},
	}
	if diff := cmp.Diff(want, m.Ranges()); diff != "" {
		t.Errorf("ranges (-want +got):\n%s", diff)
	}
}

func TestAddRangeCoalesces(t *testing.T) {
	_, m := newTestMap(t)
	s1 := newStream("aff4://s1", "")

	if err := m.AddRange(0, 0, 10, s1); err != nil {
		t.Fatal(err)
	}
	if err := m.AddRange(10, 10, 10, s1); err != nil {
		t.Fatal(err)
	}
	want := []aff4map.Range{{MapOffset: 0, TargetOffset: 0, Length: 20, TargetID: 0}}
	if diff := cmp.Diff(want, m.Ranges()); diff != "" {
		t.Errorf("contiguous ranges did not merge (-want +got):\n%s", diff)
	}

	// Contiguous in map space but not in target space: no merge.
	if err := m.AddRange(20, 100, 10, s1); err != nil {
		t.Fatal(err)
	}
	if got := len(m.Ranges()); got != 2 {
		t.Errorf("%d ranges, want 2", got)
	}
}

func TestAddRangeRejectsEmpty(t *testing.T) {
	_, m := newTestMap(t)
	s1 := newStream("aff4://s1", "")
	if err := m.AddRange(0, 0, 0, s1); err == nil {
		t.Error("zero length range accepted")
	}
}

// After any sequence of AddRange calls the table is sorted, pairwise
// disjoint, and every length is positive.
func TestAddRangeInvariants(t *testing.T) {
	_, m := newTestMap(t)
	s1 := newStream("aff4://s1", "")
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 500; i++ {
		mo := rng.Int63n(4096)
		length := rng.Int63n(256) + 1
		to := rng.Int63n(1 << 20)
		if err := m.AddRange(mo, to, length, s1); err != nil {
			t.Fatal(err)
		}

		ranges := m.Ranges()
		for j, r := range ranges {
			if r.Length == 0 {
				t.Fatalf("iteration %d: empty range %+v", i, r)
			}
			if j > 0 {
				prev := ranges[j-1]
				if prev.MapOffset+prev.Length > r.MapOffset {
					t.Fatalf("iteration %d: overlap %+v / %+v", i, prev, r)
				}
			}
		}
	}
}

// Holes read as zeros; mapped ranges read from their targets.
func TestMapReadHoles(t *testing.T) {
	_, m := newTestMap(t)
	s1 := newStream("aff4://s1", "0123456789")

	if err := m.AddRange(5, 0, 10, s1); err != nil {
		t.Fatal(err)
	}
	m.SetSize(20)

	buf := make([]byte, 20)
	if _, err := m.Seek(0, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	if _, err := io.ReadFull(m, buf); err != nil {
		t.Fatal(err)
	}
	want := append(append(make([]byte, 5), []byte("0123456789")...), make([]byte, 5)...)
	if diff := cmp.Diff(want, buf); diff != "" {
		t.Errorf("sparse read (-want +got):\n%s", diff)
	}
}

// A map persisted into a container reconstructs exactly the same ranges
// on reopen, and reads redirect into the stored image.
func TestMapPersistence(t *testing.T) {
	ds := resolver.NewMemoryDataStore()
	path := filepath.Join(t.TempDir(), "aff4_map_test.zip")
	backing := rdf.NewURNFromFilename(path)
	ds.Set(backing, rdf.NewURN(aff4.AttrStreamWriteMode), rdf.NewXSDString(aff4.WriteModeTruncate))

	zf, err := zip.NewZipFile(ds, backing)
	if err != nil {
		t.Fatal(err)
	}
	volumeURN := zf.URN()

	img, err := image.NewImage(ds, volumeURN.Append("image.dd"), volumeURN)
	if err != nil {
		t.Fatal(err)
	}
	img.ChunkSize = 10
	img.ChunksPerSegment = 3
	payload := []byte("ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")
	if _, err := img.Write(payload); err != nil {
		t.Fatal(err)
	}
	if err := img.Flush(); err != nil {
		t.Fatal(err)
	}

	mapURN := volumeURN.Append("test_map")
	m, err := aff4map.NewMap(ds, mapURN, volumeURN)
	if err != nil {
		t.Fatal(err)
	}
	// Swap the two halves of the image.
	if err := m.AddRange(0, 18, 18, img); err != nil {
		t.Fatal(err)
	}
	if err := m.AddRange(18, 0, 18, img); err != nil {
		t.Fatal(err)
	}
	wantRanges := m.Ranges()
	if err := m.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	img.Close()
	if err := zf.Close(); err != nil {
		t.Fatal(err)
	}
	if err := ds.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopen with a fresh resolver.
	ds2 := resolver.NewMemoryDataStore()
	defer ds2.Close()
	if _, err := zip.NewZipFile(ds2, rdf.NewURNFromFilename(path)); err != nil {
		t.Fatal(err)
	}
	scoped, err := resolver.Open[*aff4map.Map](ds2, mapURN)
	if err != nil {
		t.Fatal(err)
	}
	defer scoped.Close()
	reopened := scoped.Obj

	if diff := cmp.Diff(wantRanges, reopened.Ranges()); diff != "" {
		t.Errorf("ranges after reopen (-want +got):\n%s", diff)
	}
	if got := reopened.Size(); got != int64(len(payload)) {
		t.Errorf("Size = %d, want %d", got, len(payload))
	}

	got := make([]byte, len(payload))
	if _, err := io.ReadFull(reopened, got); err != nil {
		t.Fatal(err)
	}
	want := string(payload[18:]) + string(payload[:18])
	if string(got) != want {
		t.Errorf("mapped read = %q, want %q", got, want)
	}
}
