package zip

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aff4/go-aff4/rdf"
)

// memberNameForURN converts an object URN into a zip member name. URNs
// below the volume are stored as their relative suffix; foreign URNs are
// stored fully qualified with the scheme separator percent-encoded, so the
// inverse can tell the two apart.
func memberNameForURN(urn, base rdf.URN) string {
	rel := base.RelativePath(urn)
	if rel != urn.Serialize() {
		return escapeMemberName(strings.TrimLeft(rel, "/"))
	}
	c := urn.Parse()
	rest := strings.TrimPrefix(urn.Serialize(), c.Scheme+"://")
	return escapeMemberName(c.Scheme) + "%3a%2f%2f" + escapeMemberName(rest)
}

// urnForMemberName is the inverse of memberNameForURN. A decoded name that
// carries its own scheme is returned as-is; anything else is re-attached
// below the volume URN.
func urnForMemberName(name string, base rdf.URN) rdf.URN {
	decoded := unescapeMemberName(name)
	if strings.Contains(decoded, "://") {
		return rdf.NewURN(decoded)
	}
	return base.Append(decoded)
}

// escapeMemberName percent-encodes every byte outside [A-Za-z0-9/._-].
func escapeMemberName(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z',
			c >= '0' && c <= '9',
			c == '/', c == '.', c == '_', c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02x", c)
		}
	}
	return b.String()
}

func unescapeMemberName(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			if c, err := strconv.ParseUint(s[i+1:i+3], 16, 8); err == nil {
				b.WriteByte(byte(c))
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
