package rdf

import (
	"bytes"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var testNamespaces = []Namespace{
	{Prefix: "aff4", Base: "http://aff4.org/Schema#"},
	{Prefix: "xsd", Base: "http://www.w3.org/2001/XMLSchema#"},
}

func tripleKey(t Triple) string {
	return t.Subject.Serialize() + "|" + t.Predicate.Serialize() + "|" +
		t.Object.Serialize() + "|" + t.Object.Datatype()
}

func TestTurtleRoundTrip(t *testing.T) {
	t.Parallel()

	volume := NewURN("aff4://e21659ea-c7d6-4f4d-8070-919178aa4c7b")
	image := volume.Append("image.dd")
	triples := []Triple{
		{image, NewURN("http://aff4.org/Schema#chunk_size"), NewXSDInteger(32768)},
		{image, NewURN("http://aff4.org/Schema#stored"), urn(volume.Serialize())},
		{image, NewURN("http://aff4.org/Schema#type"), urn("http://aff4.org/Schema#ImageStream")},
		{volume, NewURN("http://aff4.org/Schema#description"), NewXSDString("quotes \" and\nnewlines")},
		{volume, NewURN("http://example.org/unknown"), NewXSDString("tolerated")},
		{volume, NewURN("http://aff4.org/Schema#digest"), NewRDFBytes([]byte{1, 2, 0xfe})},
	}

	var buf bytes.Buffer
	if err := DumpTurtle(&buf, triples, volume.Serialize(), testNamespaces); err != nil {
		t.Fatal(err)
	}
	got, err := ParseTurtle(&buf)
	if err != nil {
		t.Fatalf("ParseTurtle: %v\ninput:\n%s", err, buf.String())
	}

	sortKey := func(ts []Triple) []string {
		keys := make([]string, len(ts))
		for i, tr := range ts {
			keys[i] = tripleKey(tr)
		}
		sort.Strings(keys)
		return keys
	}
	if diff := cmp.Diff(sortKey(triples), sortKey(got)); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s\nserialized:\n%s", diff, buf.String())
	}
}

func TestTurtleEmptyBase(t *testing.T) {
	t.Parallel()

	triples := []Triple{
		{NewURN("hello"), NewURN("World"), NewXSDString("foo")},
	}
	var buf bytes.Buffer
	if err := DumpTurtle(&buf, triples, "", testNamespaces); err != nil {
		t.Fatal(err)
	}
	got, err := ParseTurtle(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d triples, want 1", len(got))
	}
	if got[0].Subject != NewURN("hello") {
		t.Errorf("subject = %q", got[0].Subject.Serialize())
	}
	if got[0].Object.Serialize() != "foo" {
		t.Errorf("object = %q", got[0].Object.Serialize())
	}
}

func urn(s string) *URN {
	u := NewURN(s)
	return &u
}
