// Copyright 2025 James Ross
package container

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"unicode/utf8"
)

// VersionTag is the little-endian magic prefix of the binary form ("MSG1").
const VersionTag uint32 = 0x4D534731

// DefaultVersion is the dotted header version stamped on new containers.
const DefaultVersion = "1.0.0.0"

var versionRe = regexp.MustCompile(`^\d+\.\d+\.\d+\.\d+$`)

// ParseState tracks how much of a deserialized container has been read.
type ParseState int

const (
	// FullyParsed containers have header and values materialized.
	FullyParsed ParseState = iota
	// HeaderOnly containers hold the raw body until a value is accessed.
	HeaderOnly
	// Invalid containers rejected a corrupt input; all operations fail.
	Invalid
)

// Header is the message envelope metadata.
type Header struct {
	SourceID    string
	SourceSubID string
	TargetID    string
	TargetSubID string
	MessageType string
	Version     string
}

// ValueContainer is a message envelope holding an ordered sequence of
// top-level values. The serialize/deserialize/serialize round trip is
// byte-identical.
type ValueContainer struct {
	header Header
	values []*Value

	state   ParseState
	rawBody []byte
}

// New returns an empty container with the given header fields.
func New(sourceID, sourceSubID, targetID, targetSubID, messageType string) *ValueContainer {
	return &ValueContainer{
		header: Header{
			SourceID:    sourceID,
			SourceSubID: sourceSubID,
			TargetID:    targetID,
			TargetSubID: targetSubID,
			MessageType: messageType,
			Version:     DefaultVersion,
		},
		state: FullyParsed,
	}
}

// NewWithValues returns a container pre-populated with top-level values.
func NewWithValues(sourceID, sourceSubID, targetID, targetSubID, messageType string, values ...*Value) *ValueContainer {
	c := New(sourceID, sourceSubID, targetID, targetSubID, messageType)
	for _, v := range values {
		if v != nil {
			c.values = append(c.values, v)
		}
	}
	return c
}

func (c *ValueContainer) Header() Header      { return c.header }
func (c *ValueContainer) SourceID() string    { return c.header.SourceID }
func (c *ValueContainer) SourceSubID() string { return c.header.SourceSubID }
func (c *ValueContainer) TargetID() string    { return c.header.TargetID }
func (c *ValueContainer) TargetSubID() string { return c.header.TargetSubID }
func (c *ValueContainer) MessageType() string { return c.header.MessageType }
func (c *ValueContainer) Version() string     { return c.header.Version }
func (c *ValueContainer) State() ParseState   { return c.state }

func (c *ValueContainer) SetSource(id, subID string) {
	c.header.SourceID, c.header.SourceSubID = id, subID
}

func (c *ValueContainer) SetTarget(id, subID string) {
	c.header.TargetID, c.header.TargetSubID = id, subID
}

func (c *ValueContainer) SetMessageType(t string) { c.header.MessageType = t }

// SetVersion sets the dotted "a.b.c.d" header version.
func (c *ValueContainer) SetVersion(v string) error {
	if !versionRe.MatchString(v) {
		return fmt.Errorf("version %q: %w", v, ErrCorruptData)
	}
	c.header.Version = v
	return nil
}

// SwapHeader exchanges source and target identifiers, the usual first
// step when building a reply from a request.
func (c *ValueContainer) SwapHeader() {
	c.header.SourceID, c.header.TargetID = c.header.TargetID, c.header.SourceID
	c.header.SourceSubID, c.header.TargetSubID = c.header.TargetSubID, c.header.SourceSubID
}

// Add appends a top-level value.
func (c *ValueContainer) Add(v *Value) error {
	if c.state == Invalid {
		return ErrInvalidContainer
	}
	if err := c.ensureParsed(); err != nil {
		return err
	}
	if v == nil {
		return ErrCorruptData
	}
	c.values = append(c.values, v)
	return nil
}

// Values returns the top-level values, forcing a full parse when the
// container was deserialized header-only.
func (c *ValueContainer) Values() ([]*Value, error) {
	if err := c.ensureParsed(); err != nil {
		return nil, err
	}
	return c.values, nil
}

// Value returns the index-th top-level value named name, or nil.
func (c *ValueContainer) Value(name string, index int) (*Value, error) {
	if err := c.ensureParsed(); err != nil {
		return nil, err
	}
	seen := 0
	for _, v := range c.values {
		if v.name == name {
			if seen == index {
				return v, nil
			}
			seen++
		}
	}
	return nil, nil
}

// ValueArray returns every top-level value with the given name.
func (c *ValueContainer) ValueArray(name string) ([]*Value, error) {
	if err := c.ensureParsed(); err != nil {
		return nil, err
	}
	var out []*Value
	for _, v := range c.values {
		if v.name == name {
			out = append(out, v)
		}
	}
	return out, nil
}

// Remove deletes all top-level values with the given name.
func (c *ValueContainer) Remove(name string) error {
	if err := c.ensureParsed(); err != nil {
		return err
	}
	kept := c.values[:0]
	for _, v := range c.values {
		if v.name != name {
			kept = append(kept, v)
		}
	}
	c.values = kept
	return nil
}

// Clear drops every top-level value.
func (c *ValueContainer) Clear() error {
	if c.state == Invalid {
		return ErrInvalidContainer
	}
	c.values = nil
	c.rawBody = nil
	c.state = FullyParsed
	return nil
}

// Copy duplicates the container. With withValues false only the header
// is carried over.
func (c *ValueContainer) Copy(withValues bool) (*ValueContainer, error) {
	if c.state == Invalid {
		return nil, ErrInvalidContainer
	}
	out := &ValueContainer{header: c.header, state: FullyParsed}
	if !withValues {
		return out, nil
	}
	if err := c.ensureParsed(); err != nil {
		return nil, err
	}
	for _, v := range c.values {
		out.values = append(out.values, v.Clone())
	}
	return out, nil
}

// Equal compares headers and fully-parsed value trees.
func (c *ValueContainer) Equal(o *ValueContainer) bool {
	if c == nil || o == nil {
		return c == o
	}
	if c.header != o.header {
		return false
	}
	av, err := c.Values()
	if err != nil {
		return false
	}
	bv, err := o.Values()
	if err != nil {
		return false
	}
	if len(av) != len(bv) {
		return false
	}
	for i := range av {
		if !av[i].Equal(bv[i]) {
			return false
		}
	}
	return true
}

func writeLen16(buf *bytes.Buffer, s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("field of %d bytes exceeds u16 length prefix: %w", len(s), ErrCorruptData)
	}
	if !utf8.ValidString(s) {
		return fmt.Errorf("field is not valid UTF-8: %w", ErrCorruptData)
	}
	var l [2]byte
	binary.LittleEndian.PutUint16(l[:], uint16(len(s)))
	buf.Write(l[:])
	buf.WriteString(s)
	return nil
}

// Serialize produces the prefix-framed binary form: the header section
// followed by a recursive value section. All integers little-endian.
func (c *ValueContainer) Serialize() ([]byte, error) {
	if c.state == Invalid {
		return nil, ErrInvalidContainer
	}
	if err := c.ensureParsed(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], VersionTag)
	buf.Write(u32[:])
	for _, s := range []string{
		c.header.SourceID, c.header.SourceSubID,
		c.header.TargetID, c.header.TargetSubID,
		c.header.MessageType, c.header.Version,
	} {
		if err := writeLen16(&buf, s); err != nil {
			return nil, err
		}
	}
	binary.LittleEndian.PutUint32(u32[:], uint32(len(c.values)))
	buf.Write(u32[:])
	for _, v := range c.values {
		if err := serializeValue(&buf, v); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func serializeValue(buf *bytes.Buffer, v *Value) error {
	buf.WriteByte(byte(v.kind))
	if err := writeLen16(buf, v.name); err != nil {
		return err
	}
	var u32 [4]byte
	if v.kind == KindContainer {
		binary.LittleEndian.PutUint32(u32[:], uint32(len(v.children)))
		buf.Write(u32[:])
		for _, ch := range v.children {
			if err := serializeValue(buf, ch); err != nil {
				return err
			}
		}
		return nil
	}
	binary.LittleEndian.PutUint32(u32[:], uint32(len(v.data)))
	buf.Write(u32[:])
	buf.Write(v.data)
	return nil
}

type reader struct {
	data []byte
	off  int
}

func (r *reader) fail(what string, err error) error {
	return &ParseError{Offset: r.off, What: what, Err: err}
}

func (r *reader) u8(what string) (byte, error) {
	if r.off+1 > len(r.data) {
		return 0, r.fail(what, ErrCorruptData)
	}
	b := r.data[r.off]
	r.off++
	return b, nil
}

func (r *reader) u16(what string) (uint16, error) {
	if r.off+2 > len(r.data) {
		return 0, r.fail(what, ErrCorruptData)
	}
	v := binary.LittleEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v, nil
}

func (r *reader) u32(what string) (uint32, error) {
	if r.off+4 > len(r.data) {
		return 0, r.fail(what, ErrCorruptData)
	}
	v := binary.LittleEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) bytes(n int, what string) ([]byte, error) {
	if n < 0 || r.off+n > len(r.data) {
		return nil, r.fail(what, ErrCorruptData)
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) str16(what string) (string, error) {
	n, err := r.u16(what)
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n), what)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", r.fail(what, ErrCorruptData)
	}
	return string(b), nil
}

// Deserialize parses the binary form. With headerOnly set, only the
// header is materialized; the first value access completes the parse
// exactly once. A corrupt input returns an error and leaves the
// container in the Invalid state.
func Deserialize(data []byte, headerOnly bool) (*ValueContainer, error) {
	c := &ValueContainer{state: Invalid}
	r := &reader{data: data}

	tag, err := r.u32("version_tag")
	if err != nil {
		return c, err
	}
	if tag != VersionTag {
		return c, r.fail("version_tag", ErrBadVersionTag)
	}
	fields := [6]*string{
		&c.header.SourceID, &c.header.SourceSubID,
		&c.header.TargetID, &c.header.TargetSubID,
		&c.header.MessageType, &c.header.Version,
	}
	names := [6]string{"source_id", "source_sub_id", "target_id", "target_sub_id", "message_type", "version"}
	for i, f := range fields {
		s, err := r.str16(names[i])
		if err != nil {
			return c, err
		}
		*f = s
	}
	if !versionRe.MatchString(c.header.Version) {
		return c, r.fail("version", ErrCorruptData)
	}

	body := data[r.off:]
	if headerOnly {
		c.rawBody = make([]byte, len(body))
		copy(c.rawBody, body)
		c.state = HeaderOnly
		return c, nil
	}
	values, err := parseBody(body, r.off)
	if err != nil {
		return c, err
	}
	c.values = values
	c.state = FullyParsed
	return c, nil
}

func parseBody(body []byte, base int) ([]*Value, error) {
	r := &reader{data: body}
	count, err := r.u32("child_count")
	if err != nil {
		return nil, shift(err, base)
	}
	values, err := parseValues(r, int(count), 0)
	if err != nil {
		return nil, shift(err, base)
	}
	if r.off != len(body) {
		return nil, shift(r.fail("body", ErrCorruptData), base)
	}
	return values, nil
}

// maxDepth bounds recursion so a corrupt count prefix cannot blow the stack.
const maxDepth = 200

func parseValues(r *reader, count, depth int) ([]*Value, error) {
	if depth > maxDepth {
		return nil, r.fail("value", ErrCorruptData)
	}
	// A count prefix larger than the remaining bytes is corrupt; each
	// value needs at least the kind tag, name length and size prefix.
	if count*7 > len(r.data)-r.off {
		return nil, r.fail("child_count", ErrCorruptData)
	}
	values := make([]*Value, 0, count)
	for i := 0; i < count; i++ {
		v, err := parseValue(r, depth)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

func parseValue(r *reader, depth int) (*Value, error) {
	kindTag, err := r.u8("kind_tag")
	if err != nil {
		return nil, err
	}
	kind := Kind(kindTag)
	if !IsValidKind(kind) {
		return nil, r.fail("kind_tag", ErrCorruptData)
	}
	name, err := r.str16("name")
	if err != nil {
		return nil, err
	}
	v := &Value{name: name, kind: kind}
	if kind == KindContainer {
		count, err := r.u32("child_count")
		if err != nil {
			return nil, err
		}
		children, err := parseValues(r, int(count), depth+1)
		if err != nil {
			return nil, err
		}
		for _, ch := range children {
			ch.parent = v
		}
		v.children = children
		return v, nil
	}
	size, err := r.u32("size")
	if err != nil {
		return nil, err
	}
	if want := scalarWidth(kind); want >= 0 && int(size) != want {
		return nil, r.fail("size", ErrCorruptData)
	}
	raw, err := r.bytes(int(size), "payload")
	if err != nil {
		return nil, err
	}
	v.data = make([]byte, len(raw))
	copy(v.data, raw)
	return v, nil
}

func shift(err error, base int) error {
	var pe *ParseError
	if ok := asParseError(err, &pe); ok {
		pe.Offset += base
	}
	return err
}

func asParseError(err error, target **ParseError) bool {
	for err != nil {
		if pe, ok := err.(*ParseError); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// ensureParsed completes a lazy parse. The HeaderOnly to FullyParsed
// transition happens at most once; failure flips the container to
// Invalid permanently.
func (c *ValueContainer) ensureParsed() error {
	switch c.state {
	case FullyParsed:
		return nil
	case Invalid:
		return ErrInvalidContainer
	}
	values, err := parseBody(c.rawBody, 0)
	if err != nil {
		c.state = Invalid
		c.rawBody = nil
		return err
	}
	c.values = values
	c.rawBody = nil
	c.state = FullyParsed
	return nil
}
