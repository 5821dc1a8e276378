package resolver

import (
	"bytes"
	"testing"

	"golang.org/x/xerrors"

	aff4 "github.com/aff4/go-aff4"
	"github.com/aff4/go-aff4/rdf"
)

func testStore() *DataStore {
	ds := NewMemoryDataStore()
	ds.Set(rdf.NewURN("hello"), rdf.NewURN("World"), rdf.NewXSDString("foo"))
	return ds
}

func TestIncompatibleGet(t *testing.T) {
	ds := testStore()
	var result rdf.RDFBytes

	// This fails since the stored value is the wrong type.
	err := ds.Get(rdf.NewURN("hello"), rdf.NewURN("World"), &result)
	if !xerrors.Is(err, aff4.ErrIncompatibleTypes) {
		t.Errorf("Get into RDFBytes = %v, want ErrIncompatibleTypes", err)
	}
}

func TestStorage(t *testing.T) {
	ds := testStore()
	var result rdf.XSDString

	if err := ds.Get(rdf.NewURN("hello"), rdf.NewURN("World"), &result); err != nil {
		t.Fatal(err)
	}
	if got, want := result.Serialize(), "foo"; got != want {
		t.Errorf("Get = %q, want %q", got, want)
	}

	// A second Set overwrites the previous value.
	ds.Set(rdf.NewURN("hello"), rdf.NewURN("World"), rdf.NewXSDString("bar"))
	if err := ds.Get(rdf.NewURN("hello"), rdf.NewURN("World"), &result); err != nil {
		t.Fatal(err)
	}
	if got, want := result.Serialize(), "bar"; got != want {
		t.Errorf("Get after overwrite = %q, want %q", got, want)
	}

	// Add keeps both values and Get returns the first matching type.
	ds.Add(rdf.NewURN("hello"), rdf.NewURN("World"), rdf.NewXSDString("baz"))
	if err := ds.Get(rdf.NewURN("hello"), rdf.NewURN("World"), &result); err != nil {
		t.Fatal(err)
	}
	if got, want := result.Serialize(), "bar"; got != want {
		t.Errorf("Get after Add = %q, want %q", got, want)
	}

	err := ds.Get(rdf.NewURN("absent"), rdf.NewURN("World"), &result)
	if !xerrors.Is(err, aff4.ErrNotFound) {
		t.Errorf("Get of absent subject = %v, want ErrNotFound", err)
	}
}

func TestQuery(t *testing.T) {
	ds := NewMemoryDataStore()
	typ := rdf.NewURN(aff4.AttrType)
	imageType := rdf.NewURN(aff4.TypeImage)
	ds.Set(rdf.NewURN("aff4://b/img"), typ, &imageType)
	ds.Set(rdf.NewURN("aff4://a/img"), typ, &imageType)
	ds.Set(rdf.NewURN("aff4://c/other"), typ, urnv(aff4.TypeMap))

	got := ds.Query(typ, &imageType)
	if len(got) != 2 {
		t.Fatalf("Query returned %d subjects, want 2", len(got))
	}
	// Sorted by URN.
	if got[0].Serialize() != "aff4://a/img" || got[1].Serialize() != "aff4://b/img" {
		t.Errorf("Query = %v", got)
	}
}

func TestYamlSerialization(t *testing.T) {
	ds := testStore()
	var buf bytes.Buffer
	if err := ds.DumpToYAML(&buf); err != nil {
		t.Fatal(err)
	}

	// Loading YAML is not implemented.
	err := NewMemoryDataStore().LoadFromYAML(&buf)
	if !xerrors.Is(err, aff4.ErrNotImplemented) {
		t.Errorf("LoadFromYAML = %v, want ErrNotImplemented", err)
	}
}

func TestTurtleSerialization(t *testing.T) {
	ds := testStore()
	ds.Set(rdf.NewURN("aff4://vol/img"), rdf.NewURN(aff4.AttrChunkSize), rdf.NewXSDInteger(10))
	// Volatile predicates must not round trip.
	ds.Set(rdf.NewURN("aff4://vol/img"), rdf.NewURN(aff4.AttrStreamWriteMode),
		rdf.NewXSDString("truncate"))

	var buf bytes.Buffer
	if err := ds.DumpToTurtle(&buf, rdf.URN{}); err != nil {
		t.Fatal(err)
	}

	loaded := NewMemoryDataStore()
	if err := loaded.LoadFromTurtle(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("LoadFromTurtle: %v\ninput:\n%s", err, buf.String())
	}

	var size rdf.XSDInteger
	if err := loaded.Get(rdf.NewURN("aff4://vol/img"), rdf.NewURN(aff4.AttrChunkSize), &size); err != nil {
		t.Fatal(err)
	}
	if size != 10 {
		t.Errorf("chunk size after round trip = %d, want 10", size)
	}

	var mode rdf.XSDString
	err := loaded.Get(rdf.NewURN("aff4://vol/img"), rdf.NewURN(aff4.AttrStreamWriteMode), &mode)
	if !xerrors.Is(err, aff4.ErrNotFound) {
		t.Errorf("volatile predicate round tripped: %v", err)
	}
}

// file:// subjects describe the session, not the container, and are
// excluded from the serialized graph.
func TestTurtleSkipsBackingFiles(t *testing.T) {
	ds := testStore()
	var buf bytes.Buffer
	if err := ds.DumpToTurtle(&buf, rdf.URN{}); err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(buf.Bytes(), []byte("file://")) {
		t.Errorf("turtle contains file subjects:\n%s", buf.String())
	}
}

func urnv(s string) *rdf.URN {
	u := rdf.NewURN(s)
	return &u
}
