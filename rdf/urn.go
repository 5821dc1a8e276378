// Package rdf implements the RDF value model used throughout AFF4
// containers: URNs, typed literal values, and the Turtle serialization of
// triple graphs.
//
// Every object in an AFF4 container is named by a URN. URNs are stored in
// canonical serialized form (scheme://domain/path#fragment) so that they
// can be compared and used as map keys directly.
package rdf

import (
	"path/filepath"
	"strings"
)

// Well-known XSD datatype URIs.
const (
	XSDStringType  = "http://www.w3.org/2001/XMLSchema#string"
	XSDIntegerType = "http://www.w3.org/2001/XMLSchema#integer"
	HexBinaryType  = "http://www.w3.org/2001/XMLSchema#hexBinary"
)

// Components are the parsed parts of a URN.
type Components struct {
	Scheme   string
	Domain   string
	Path     string
	Fragment string
}

// URN is an AFF4 object identifier in canonical form. The zero URN
// serializes to the empty string.
type URN struct {
	value string
}

// NewURN parses and normalizes value. Bare filesystem paths are given the
// file scheme, duplicate slashes are removed and "." / ".." path elements
// are collapsed (".." never escapes past the root).
func NewURN(value string) URN {
	if value == "" {
		return URN{}
	}
	c := splitURN(value)
	c.Path = normalizePath(c.Path)
	return URN{value: c.join()}
}

// NewURNFromFilename returns the file:// URN for a filesystem path.
// Relative paths are made absolute first.
func NewURNFromFilename(path string) URN {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	path = filepath.ToSlash(path)
	if !strings.HasPrefix(path, "/") {
		// Windows drive letters, e.g. C:/Windows
		path = "/" + path
	}
	return URN{value: "file://" + path}
}

func splitURN(value string) Components {
	var c Components
	if i := strings.IndexByte(value, '#'); i != -1 {
		c.Fragment = value[i+1:]
		value = value[:i]
	}
	if i := strings.Index(value, "://"); i != -1 {
		c.Scheme = value[:i]
		rest := value[i+3:]
		if j := strings.IndexByte(rest, '/'); j != -1 {
			c.Domain = rest[:j]
			c.Path = rest[j:]
		} else {
			c.Domain = rest
		}
		return c
	}
	if i := strings.IndexByte(value, ':'); i != -1 && !strings.Contains(value[:i], "/") {
		// A scheme without the // authority part, e.g. "http:www.google.com".
		// The remainder is treated as a path and the domain is empty.
		c.Scheme = value[:i]
		c.Path = "/" + strings.TrimLeft(value[i+1:], "/")
		return c
	}
	// No scheme: a filesystem path.
	c.Scheme = "file"
	switch {
	case strings.HasPrefix(value, "//"):
		rest := value[2:]
		if j := strings.IndexByte(rest, '/'); j != -1 {
			c.Domain = rest[:j]
			c.Path = rest[j:]
		} else {
			c.Domain = rest
		}
	case strings.HasPrefix(value, "/"):
		c.Path = value
	default:
		c.Path = "/" + value
	}
	return c
}

func (c Components) join() string {
	s := c.Scheme + "://" + c.Domain + c.Path
	if c.Fragment != "" {
		s += "#" + c.Fragment
	}
	return s
}

// normalizePath removes duplicate slashes and collapses "." and ".."
// elements. ".." past the root is dropped.
func normalizePath(p string) string {
	if p == "" {
		return ""
	}
	var out []string
	for _, part := range strings.Split(p, "/") {
		switch part {
		case "", ".":
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return ""
	}
	return "/" + strings.Join(out, "/")
}

// Parse returns the URN's components.
func (u URN) Parse() Components {
	if u.value == "" {
		return Components{}
	}
	return splitURN(u.value)
}

// Serialize returns the canonical string form.
func (u URN) Serialize() string { return u.value }

func (u URN) String() string { return u.value }

// IsZero reports whether the URN is empty.
func (u URN) IsZero() bool { return u.value == "" }

// Scheme returns the URN's scheme.
func (u URN) Scheme() string { return u.Parse().Scheme }

// Append returns a new URN with suffix concatenated onto this URN's path.
// The scheme and domain are never modified; ".." elements collapse within
// the path only and are idempotent at the root.
func (u URN) Append(suffix string) URN {
	c := u.Parse()
	c.Path = normalizePath(c.Path + "/" + suffix)
	return URN{value: c.join()}
}

// RelativePath returns child's path tail beyond this URN, or child's full
// serialization when child is not a descendant of this URN.
func (u URN) RelativePath(child URN) string {
	if u.value != "" && strings.HasPrefix(child.value, u.value) {
		return child.value[len(u.value):]
	}
	return child.value
}
