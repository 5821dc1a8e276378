package rdf

import (
	"encoding/hex"
	"strconv"

	"golang.org/x/xerrors"
)

// Value is a typed RDF object value. Implementations are pointer types so
// that Deserialize and CopyFrom can mutate the receiver.
type Value interface {
	// Serialize returns the lexical form of the value.
	Serialize() string

	// Deserialize replaces the receiver with the value parsed from s.
	Deserialize(s string) error

	// Datatype returns the XSD datatype URI, or "" for resources, which
	// serialize as IRIs rather than literals.
	Datatype() string

	// CopyFrom assigns v to the receiver. The dynamic types must match.
	CopyFrom(v Value) error
}

// errIncompatible is returned by CopyFrom on a dynamic type mismatch. The
// resolver maps it onto its status taxonomy.
var errIncompatible = xerrors.New("rdf: incompatible value types")

// IsIncompatible reports whether err is a value type mismatch.
func IsIncompatible(err error) bool { return xerrors.Is(err, errIncompatible) }

// XSDString is a UTF-8 string literal.
type XSDString string

// NewXSDString returns s as an RDF value.
func NewXSDString(s string) *XSDString {
	v := XSDString(s)
	return &v
}

func (s *XSDString) Serialize() string          { return string(*s) }
func (s *XSDString) Deserialize(v string) error { *s = XSDString(v); return nil }
func (s *XSDString) Datatype() string           { return XSDStringType }

func (s *XSDString) CopyFrom(v Value) error {
	o, ok := v.(*XSDString)
	if !ok {
		return errIncompatible
	}
	*s = *o
	return nil
}

// XSDInteger is an integer literal. The lexical form accepts decimal, hex
// (0x) and octal (0) input.
type XSDInteger int64

// NewXSDInteger returns i as an RDF value.
func NewXSDInteger(i int64) *XSDInteger {
	v := XSDInteger(i)
	return &v
}

func (i *XSDInteger) Serialize() string { return strconv.FormatInt(int64(*i), 10) }

func (i *XSDInteger) Deserialize(v string) error {
	n, err := strconv.ParseInt(v, 0, 64)
	if err != nil {
		return xerrors.Errorf("rdf: parsing integer %q: %w", v, err)
	}
	*i = XSDInteger(n)
	return nil
}

func (i *XSDInteger) Datatype() string { return XSDIntegerType }

func (i *XSDInteger) CopyFrom(v Value) error {
	o, ok := v.(*XSDInteger)
	if !ok {
		return errIncompatible
	}
	*i = *o
	return nil
}

// RDFBytes is an opaque byte string, hex-encoded on the wire.
type RDFBytes []byte

// NewRDFBytes returns b as an RDF value.
func NewRDFBytes(b []byte) *RDFBytes {
	v := RDFBytes(b)
	return &v
}

func (b *RDFBytes) Serialize() string { return hex.EncodeToString(*b) }

func (b *RDFBytes) Deserialize(v string) error {
	raw, err := hex.DecodeString(v)
	if err != nil {
		return xerrors.Errorf("rdf: parsing hexBinary: %w", err)
	}
	*b = raw
	return nil
}

func (b *RDFBytes) Datatype() string { return HexBinaryType }

func (b *RDFBytes) CopyFrom(v Value) error {
	o, ok := v.(*RDFBytes)
	if !ok {
		return errIncompatible
	}
	*b = append((*b)[:0], *o...)
	return nil
}

// URN doubles as an RDF value so that object references can be stored in
// the graph. It serializes as an IRI, not a literal.

func (u *URN) Deserialize(s string) error {
	*u = NewURN(s)
	return nil
}

func (u *URN) Datatype() string { return "" }

func (u *URN) CopyFrom(v Value) error {
	o, ok := v.(*URN)
	if !ok {
		return errIncompatible
	}
	*u = *o
	return nil
}
