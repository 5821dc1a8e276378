package rdf

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/xerrors"
)

// Namespace maps a Turtle prefix onto a URI base.
type Namespace struct {
	Prefix string
	Base   string
}

// Triple is one (subject, predicate, object) statement.
type Triple struct {
	Subject   URN
	Predicate URN
	Object    Value
}

// DumpTurtle serializes triples as Turtle. When base is non-empty it is
// emitted as @base and subject/object IRIs below it are written relative.
// Namespace prefixes are applied where the local part is a valid prefixed
// name.
func DumpTurtle(w io.Writer, triples []Triple, base string, namespaces []Namespace) error {
	// Stable: multiple values of one predicate keep their insertion order,
	// which the factory relies on when choosing among type URNs.
	sort.SliceStable(triples, func(i, j int) bool {
		if triples[i].Subject != triples[j].Subject {
			return triples[i].Subject.Serialize() < triples[j].Subject.Serialize()
		}
		return triples[i].Predicate.Serialize() < triples[j].Predicate.Serialize()
	})

	bw := bufio.NewWriter(w)
	if base != "" {
		fmt.Fprintf(bw, "@base <%s> .\n", base)
	}
	for _, ns := range namespaces {
		fmt.Fprintf(bw, "@prefix %s: <%s> .\n", ns.Prefix, ns.Base)
	}
	fmt.Fprintln(bw)

	var last URN
	for i, t := range triples {
		if i > 0 {
			if t.Subject == last {
				fmt.Fprintln(bw, " ;")
			} else {
				fmt.Fprintln(bw, " .")
				fmt.Fprintln(bw)
			}
		}
		if t.Subject != last {
			fmt.Fprintln(bw, formatIRI(t.Subject.Serialize(), base, namespaces))
			last = t.Subject
		}
		fmt.Fprintf(bw, "    %s %s",
			formatIRI(t.Predicate.Serialize(), base, namespaces),
			formatObject(t.Object, base, namespaces))
	}
	if len(triples) > 0 {
		fmt.Fprintln(bw, " .")
	}
	return bw.Flush()
}

func formatObject(v Value, base string, namespaces []Namespace) string {
	if v.Datatype() == "" {
		return formatIRI(v.Serialize(), base, namespaces)
	}
	lit := `"` + escapeLiteral(v.Serialize()) + `"`
	if v.Datatype() == XSDStringType {
		return lit
	}
	return lit + "^^" + formatIRI(v.Datatype(), base, namespaces)
}

func formatIRI(iri, base string, namespaces []Namespace) string {
	for _, ns := range namespaces {
		if local, ok := strings.CutPrefix(iri, ns.Base); ok && isPNLocal(local) {
			return ns.Prefix + ":" + local
		}
	}
	if base != "" {
		if iri == base {
			return "<>"
		}
		if rel, ok := strings.CutPrefix(iri, base); ok && strings.HasPrefix(rel, "/") {
			return "<" + rel + ">"
		}
	}
	return "<" + iri + ">"
}

func isPNLocal(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

func escapeLiteral(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`, "\t", `\t`)
	return r.Replace(s)
}

// ParseTurtle parses the Turtle subset this package emits. Unknown
// predicates are kept as-is; literal objects with unrecognized datatypes
// are stored as XSDString.
func ParseTurtle(r io.Reader) ([]Triple, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, xerrors.Errorf("rdf: reading turtle: %w", err)
	}
	p := &turtleParser{
		input:    string(data),
		prefixes: map[string]string{},
	}
	return p.parse()
}

type turtleToken struct {
	kind string // "iri", "pname", "string", "number", "punct", "keyword", "dtype"
	text string
	dtyp string // for kind "string": the raw datatype token ("" if none)
	dtk  string // datatype token kind: "iri" or "pname"
}

type turtleParser struct {
	input    string
	pos      int
	prefixes map[string]string
	base     string
}

func (p *turtleParser) parse() ([]Triple, error) {
	var triples []Triple
	for {
		tok, err := p.next()
		if err == io.EOF {
			return triples, nil
		}
		if err != nil {
			return nil, err
		}
		if tok.kind == "keyword" {
			if err := p.directive(tok.text); err != nil {
				return nil, err
			}
			continue
		}
		subject, err := p.iriOf(tok)
		if err != nil {
			return nil, err
		}
		for {
			verb, err := p.next()
			if err != nil {
				return nil, xerrors.Errorf("rdf: truncated statement for <%s>: %w", subject, err)
			}
			pred, err := p.iriOf(verb)
			if err != nil {
				return nil, err
			}
			obj, err := p.next()
			if err != nil {
				return nil, xerrors.Errorf("rdf: missing object for <%s>: %w", pred, err)
			}
			value, err := p.valueOf(obj)
			if err != nil {
				return nil, err
			}
			triples = append(triples, Triple{
				Subject:   NewURN(subject),
				Predicate: NewURN(pred),
				Object:    value,
			})
			sep, err := p.next()
			if err != nil {
				return nil, xerrors.Errorf("rdf: unterminated statement: %w", err)
			}
			if sep.kind != "punct" {
				return nil, xerrors.Errorf("rdf: expected punctuation, got %q", sep.text)
			}
			if sep.text == "." {
				break
			}
			// ";" continues with the next predicate of the same subject.
		}
	}
}

func (p *turtleParser) directive(kw string) error {
	switch kw {
	case "@prefix":
		name, err := p.next()
		if err != nil {
			return err
		}
		prefix := strings.TrimSuffix(name.text, ":")
		iri, err := p.next()
		if err != nil {
			return err
		}
		if iri.kind != "iri" {
			return xerrors.Errorf("rdf: @prefix %s: expected IRI, got %q", prefix, iri.text)
		}
		p.prefixes[prefix] = iri.text
	case "@base":
		iri, err := p.next()
		if err != nil {
			return err
		}
		if iri.kind != "iri" {
			return xerrors.Errorf("rdf: @base: expected IRI, got %q", iri.text)
		}
		p.base = iri.text
	default:
		return xerrors.Errorf("rdf: unsupported directive %q", kw)
	}
	dot, err := p.next()
	if err != nil {
		return err
	}
	if dot.kind != "punct" || dot.text != "." {
		return xerrors.Errorf("rdf: directive not terminated with '.'")
	}
	return nil
}

// iriOf resolves an iri or pname token to an absolute IRI string.
func (p *turtleParser) iriOf(tok turtleToken) (string, error) {
	switch tok.kind {
	case "iri":
		if p.base != "" && (tok.text == "" || strings.HasPrefix(tok.text, "/")) {
			return p.base + tok.text, nil
		}
		return tok.text, nil
	case "pname":
		i := strings.IndexByte(tok.text, ':')
		if i == -1 {
			return "", xerrors.Errorf("rdf: malformed prefixed name %q", tok.text)
		}
		base, ok := p.prefixes[tok.text[:i]]
		if !ok {
			return "", xerrors.Errorf("rdf: unknown prefix %q", tok.text[:i])
		}
		return base + tok.text[i+1:], nil
	default:
		return "", xerrors.Errorf("rdf: expected IRI, got %q", tok.text)
	}
}

func (p *turtleParser) valueOf(tok turtleToken) (Value, error) {
	switch tok.kind {
	case "iri", "pname":
		iri, err := p.iriOf(tok)
		if err != nil {
			return nil, err
		}
		u := NewURN(iri)
		return &u, nil
	case "number":
		v := new(XSDInteger)
		if err := v.Deserialize(tok.text); err != nil {
			return nil, err
		}
		return v, nil
	case "string":
		datatype := ""
		if tok.dtyp != "" {
			dt, err := p.iriOf(turtleToken{kind: tok.dtk, text: tok.dtyp})
			if err != nil {
				return nil, err
			}
			datatype = dt
		}
		switch datatype {
		case XSDIntegerType:
			v := new(XSDInteger)
			if err := v.Deserialize(tok.text); err != nil {
				return nil, err
			}
			return v, nil
		case HexBinaryType:
			v := new(RDFBytes)
			if err := v.Deserialize(tok.text); err != nil {
				return nil, err
			}
			return v, nil
		default:
			return NewXSDString(tok.text), nil
		}
	default:
		return nil, xerrors.Errorf("rdf: unexpected object token %q", tok.text)
	}
}

func (p *turtleParser) next() (turtleToken, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return turtleToken{}, io.EOF
	}
	c := p.input[p.pos]
	switch {
	case c == '<':
		end := strings.IndexByte(p.input[p.pos:], '>')
		if end == -1 {
			return turtleToken{}, xerrors.New("rdf: unterminated IRI")
		}
		tok := turtleToken{kind: "iri", text: p.input[p.pos+1 : p.pos+end]}
		p.pos += end + 1
		return tok, nil
	case c == '"':
		text, err := p.scanString()
		if err != nil {
			return turtleToken{}, err
		}
		tok := turtleToken{kind: "string", text: text}
		if strings.HasPrefix(p.input[p.pos:], "^^") {
			p.pos += 2
			dt, err := p.next()
			if err != nil {
				return turtleToken{}, err
			}
			if dt.kind != "iri" && dt.kind != "pname" {
				return turtleToken{}, xerrors.Errorf("rdf: bad datatype token %q", dt.text)
			}
			tok.dtyp, tok.dtk = dt.text, dt.kind
		}
		return tok, nil
	case c == '.' || c == ';' || c == ',':
		p.pos++
		return turtleToken{kind: "punct", text: string(c)}, nil
	case c == '@':
		word := p.scanWord()
		return turtleToken{kind: "keyword", text: word}, nil
	case c == '-' || (c >= '0' && c <= '9'):
		word := p.scanWord()
		return turtleToken{kind: "number", text: word}, nil
	default:
		word := p.scanWord()
		if word == "" {
			return turtleToken{}, xerrors.Errorf("rdf: unexpected byte %q", c)
		}
		return turtleToken{kind: "pname", text: word}, nil
	}
}

func (p *turtleParser) skipSpace() {
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if c == '#' {
			for p.pos < len(p.input) && p.input[p.pos] != '\n' {
				p.pos++
			}
			continue
		}
		if c != ' ' && c != '\t' && c != '\n' && c != '\r' {
			return
		}
		p.pos++
	}
}

func (p *turtleParser) scanWord() string {
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' ||
			c == ';' || c == ',' || c == '<' || c == '"' {
			break
		}
		// "." terminates a statement but also appears inside IRIs and
		// numbers; treat it as punctuation only when followed by layout.
		if c == '.' && (p.pos+1 >= len(p.input) ||
			p.input[p.pos+1] == ' ' || p.input[p.pos+1] == '\n' ||
			p.input[p.pos+1] == '\r' || p.input[p.pos+1] == '\t') {
			break
		}
		p.pos++
	}
	return p.input[start:p.pos]
}

func (p *turtleParser) scanString() (string, error) {
	// p.input[p.pos] == '"'
	p.pos++
	var b strings.Builder
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		switch c {
		case '"':
			p.pos++
			return b.String(), nil
		case '\\':
			if p.pos+1 >= len(p.input) {
				return "", xerrors.New("rdf: truncated escape")
			}
			p.pos++
			switch p.input[p.pos] {
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(p.input[p.pos])
			}
			p.pos++
		default:
			b.WriteByte(c)
			p.pos++
		}
	}
	return "", xerrors.New("rdf: unterminated string literal")
}
