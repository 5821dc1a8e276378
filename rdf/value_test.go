package rdf

import (
	"testing"
)

func TestXSDIntegerLexicalForms(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		in   string
		want int64
	}{
		{"15", 15},
		{"0x20", 32},
		{"-7", -7},
	} {
		var v XSDInteger
		if err := v.Deserialize(tt.in); err != nil {
			t.Fatalf("Deserialize(%q): %v", tt.in, err)
		}
		if int64(v) != tt.want {
			t.Errorf("Deserialize(%q) = %d, want %d", tt.in, v, tt.want)
		}
	}

	var v XSDInteger
	if err := v.Deserialize("not a number"); err == nil {
		t.Error("Deserialize of garbage succeeded")
	}
}

func TestRDFBytesRoundTrip(t *testing.T) {
	t.Parallel()

	in := RDFBytes([]byte{0x00, 0xff, 0x10, 'a'})
	var out RDFBytes
	if err := out.Deserialize(in.Serialize()); err != nil {
		t.Fatal(err)
	}
	if string(out) != string(in) {
		t.Errorf("round trip = %x, want %x", out, in)
	}
}

func TestCopyFromRejectsForeignTypes(t *testing.T) {
	t.Parallel()

	var s XSDString
	var i XSDInteger
	if err := s.CopyFrom(&i); !IsIncompatible(err) {
		t.Errorf("CopyFrom(XSDInteger into XSDString) = %v, want incompatible", err)
	}
	var u URN
	if err := i.CopyFrom(&u); !IsIncompatible(err) {
		t.Errorf("CopyFrom(URN into XSDInteger) = %v, want incompatible", err)
	}
	if err := s.CopyFrom(NewXSDString("x")); err != nil {
		t.Errorf("CopyFrom same type: %v", err)
	}
}
