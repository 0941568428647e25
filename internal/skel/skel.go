// Package skel implements the self-describing S-expression-like record
// format used for every persisted table in this core (spec.md §4.1, §6).
//
// A skel is either an atom (an arbitrary byte string) or a list of skels.
// The codec is total: Parse never panics and Unparse(Parse(b)) reproduces a
// byte-identical canonical form for any well-formed input, and Parse rejects
// malformed input with a descriptive error rather than silently truncating.
package skel

import (
	"bytes"
	"fmt"
	"strconv"
)

// Skel is a node in the skel tree: either an atom (Atom non-nil, List nil)
// or a list (List non-nil, Atom nil). The zero value is not a valid Skel;
// use Atom, AtomBytes or List to construct one.
type Skel struct {
	atom   []byte
	list   []*Skel
	isList bool
}

// AtomBytes wraps raw bytes as an atom skel.
func AtomBytes(b []byte) *Skel {
	cp := make([]byte, len(b))
	copy(cp, b)
	return &Skel{atom: cp}
}

// Atom wraps a string as an atom skel.
func Atom(s string) *Skel {
	return AtomBytes([]byte(s))
}

// List builds a list skel from the given children.
func List(items ...*Skel) *Skel {
	return &Skel{list: items, isList: true}
}

// IsAtom reports whether s is an atom.
func (s *Skel) IsAtom() bool { return s != nil && !s.isList }

// IsList reports whether s is a list.
func (s *Skel) IsList() bool { return s != nil && s.isList }

// AtomBytes returns the atom's bytes. Panics if s is not an atom; callers
// that aren't sure should check IsAtom first.
func (s *Skel) AtomBytes() []byte {
	if s.isList {
		panic("skel: AtomBytes called on a list")
	}
	return s.atom
}

// Str returns the atom's bytes as a string.
func (s *Skel) Str() string {
	return string(s.AtomBytes())
}

// Len returns the number of children of a list; 0 for an atom.
func (s *Skel) Len() int {
	if !s.isList {
		return 0
	}
	return len(s.list)
}

// At returns the i'th child of a list. Panics on an atom or out-of-range i.
func (s *Skel) At(i int) *Skel {
	return s.list[i]
}

// Items returns the children of a list, or nil for an atom.
func (s *Skel) Items() []*Skel {
	return s.list
}

// Equal reports whether a and b are structurally identical.
func Equal(a, b *Skel) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.isList != b.isList {
		return false
	}
	if !a.isList {
		return bytes.Equal(a.atom, b.atom)
	}
	if len(a.list) != len(b.list) {
		return false
	}
	for i := range a.list {
		if !Equal(a.list[i], b.list[i]) {
			return false
		}
	}
	return true
}

// isImplicitAtom reports whether b can be written in the short, unquoted
// "name-like" form: non-empty, every byte printable-ASCII and not whitespace
// or a parenthesis, and the first byte is not a decimal digit (which would
// make the parser mistake it for a length prefix).
func isImplicitAtom(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	if b[0] >= '0' && b[0] <= '9' {
		return false
	}
	for _, c := range b {
		if c <= 0x20 || c == 0x7f || c == '(' || c == ')' {
			return false
		}
	}
	return true
}

// Unparse renders s into its canonical byte form.
func Unparse(s *Skel) []byte {
	var buf bytes.Buffer
	unparseInto(&buf, s)
	return buf.Bytes()
}

func unparseInto(buf *bytes.Buffer, s *Skel) {
	if s.isList {
		buf.WriteByte('(')
		for i, item := range s.list {
			if i > 0 {
				buf.WriteByte(' ')
			}
			unparseInto(buf, item)
		}
		buf.WriteByte(')')
		return
	}
	if isImplicitAtom(s.atom) {
		buf.Write(s.atom)
		return
	}
	buf.WriteString(strconv.Itoa(len(s.atom)))
	buf.WriteByte(' ')
	buf.Write(s.atom)
}

// ParseError describes why Parse rejected its input.
type ParseError struct {
	Offset int
	Msg    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("skel: parse error at offset %d: %s", e.Offset, e.Msg)
}

// Parse decodes a skel from its canonical byte form. It is total over its
// input: any malformed skel (unbalanced parens, bad length prefix, truncated
// atom) yields a *ParseError rather than a panic or partial result.
func Parse(data []byte) (*Skel, error) {
	p := &parser{data: data}
	p.skipSpace()
	s, err := p.parseOne()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.data) {
		return nil, &ParseError{Offset: p.pos, Msg: "trailing data after top-level skel"}
	}
	return s, nil
}

type parser struct {
	data []byte
	pos  int
}

func (p *parser) errf(format string, args ...interface{}) error {
	return &ParseError{Offset: p.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) skipSpace() {
	for p.pos < len(p.data) {
		switch p.data[p.pos] {
		case ' ', '\t', '\r', '\n':
			p.pos++
		default:
			return
		}
	}
}

func (p *parser) parseOne() (*Skel, error) {
	if p.pos >= len(p.data) {
		return nil, p.errf("unexpected end of input")
	}
	switch c := p.data[p.pos]; {
	case c == '(':
		return p.parseList()
	case c >= '0' && c <= '9':
		return p.parseExplicitAtom()
	case c == ')':
		return nil, p.errf("unexpected ')'")
	default:
		return p.parseImplicitAtom()
	}
}

func (p *parser) parseList() (*Skel, error) {
	p.pos++ // consume '('
	items := []*Skel{}
	for {
		p.skipSpace()
		if p.pos >= len(p.data) {
			return nil, p.errf("unterminated list")
		}
		if p.data[p.pos] == ')' {
			p.pos++
			return &Skel{list: items, isList: true}, nil
		}
		item, err := p.parseOne()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
}

func (p *parser) parseExplicitAtom() (*Skel, error) {
	start := p.pos
	for p.pos < len(p.data) && p.data[p.pos] >= '0' && p.data[p.pos] <= '9' {
		p.pos++
	}
	n, err := strconv.Atoi(string(p.data[start:p.pos]))
	if err != nil {
		return nil, p.errf("bad length prefix: %v", err)
	}
	if p.pos >= len(p.data) || p.data[p.pos] != ' ' {
		return nil, p.errf("expected single space after length prefix")
	}
	p.pos++ // consume the one mandatory space
	if p.pos+n > len(p.data) {
		return nil, p.errf("truncated atom: want %d bytes, have %d", n, len(p.data)-p.pos)
	}
	b := p.data[p.pos : p.pos+n]
	p.pos += n
	return AtomBytes(b), nil
}

func (p *parser) parseImplicitAtom() (*Skel, error) {
	start := p.pos
	for p.pos < len(p.data) {
		c := p.data[p.pos]
		if c <= 0x20 || c == 0x7f || c == '(' || c == ')' {
			break
		}
		p.pos++
	}
	if p.pos == start {
		return nil, p.errf("unexpected byte %q", p.data[p.pos])
	}
	return AtomBytes(p.data[start:p.pos]), nil
}
