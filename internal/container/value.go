// Copyright 2025 James Ross
package container

import (
	"encoding/binary"
	"math"
	"strconv"
)

// Kind identifies the stored representation of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBytes
	KindBool
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindUint8
	KindUint16
	KindUint32
	KindUint64
	KindFloat32
	KindFloat64
	KindString
	KindContainer
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBytes:
		return "bytes"
	case KindBool:
		return "bool"
	case KindInt8:
		return "int8"
	case KindInt16:
		return "int16"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindUint8:
		return "uint8"
	case KindUint16:
		return "uint16"
	case KindUint32:
		return "uint32"
	case KindUint64:
		return "uint64"
	case KindFloat32:
		return "float32"
	case KindFloat64:
		return "float64"
	case KindString:
		return "string"
	case KindContainer:
		return "container"
	default:
		return "unknown"
	}
}

// IsValidKind reports whether k is a defined kind tag.
func IsValidKind(k Kind) bool { return k <= KindContainer }

// IsNumeric reports whether k is an integer or floating kind.
func (k Kind) IsNumeric() bool { return k >= KindInt8 && k <= KindFloat64 }

// Value is a named, typed node. Scalar kinds store canonical
// little-endian bytes; the container kind stores an ordered child list
// and no bytes. The parent reference is non-owning.
type Value struct {
	name     string
	kind     Kind
	data     []byte
	children []*Value
	parent   *Value
}

// NewNull returns a value of the null kind.
func NewNull(name string) *Value { return &Value{name: name, kind: KindNull} }

// NewBytes returns a bytes value; the slice is copied.
func NewBytes(name string, b []byte) *Value {
	d := make([]byte, len(b))
	copy(d, b)
	return &Value{name: name, kind: KindBytes, data: d}
}

// NewBool returns a bool value.
func NewBool(name string, v bool) *Value {
	d := []byte{0}
	if v {
		d[0] = 1
	}
	return &Value{name: name, kind: KindBool, data: d}
}

func NewInt8(name string, v int8) *Value {
	return &Value{name: name, kind: KindInt8, data: []byte{byte(v)}}
}

func NewInt16(name string, v int16) *Value {
	d := make([]byte, 2)
	binary.LittleEndian.PutUint16(d, uint16(v))
	return &Value{name: name, kind: KindInt16, data: d}
}

func NewInt32(name string, v int32) *Value {
	d := make([]byte, 4)
	binary.LittleEndian.PutUint32(d, uint32(v))
	return &Value{name: name, kind: KindInt32, data: d}
}

func NewInt64(name string, v int64) *Value {
	d := make([]byte, 8)
	binary.LittleEndian.PutUint64(d, uint64(v))
	return &Value{name: name, kind: KindInt64, data: d}
}

func NewUint8(name string, v uint8) *Value {
	return &Value{name: name, kind: KindUint8, data: []byte{v}}
}

func NewUint16(name string, v uint16) *Value {
	d := make([]byte, 2)
	binary.LittleEndian.PutUint16(d, v)
	return &Value{name: name, kind: KindUint16, data: d}
}

func NewUint32(name string, v uint32) *Value {
	d := make([]byte, 4)
	binary.LittleEndian.PutUint32(d, v)
	return &Value{name: name, kind: KindUint32, data: d}
}

func NewUint64(name string, v uint64) *Value {
	d := make([]byte, 8)
	binary.LittleEndian.PutUint64(d, v)
	return &Value{name: name, kind: KindUint64, data: d}
}

func NewFloat32(name string, v float32) *Value {
	d := make([]byte, 4)
	binary.LittleEndian.PutUint32(d, math.Float32bits(v))
	return &Value{name: name, kind: KindFloat32, data: d}
}

func NewFloat64(name string, v float64) *Value {
	d := make([]byte, 8)
	binary.LittleEndian.PutUint64(d, math.Float64bits(v))
	return &Value{name: name, kind: KindFloat64, data: d}
}

// NewString returns a string value stored as UTF-8 bytes.
func NewString(name, v string) *Value {
	return &Value{name: name, kind: KindString, data: []byte(v)}
}

// NewContainer returns a container value holding the given children.
func NewContainer(name string, children ...*Value) *Value {
	v := &Value{name: name, kind: KindContainer}
	for _, c := range children {
		if c != nil {
			c.parent = v
			v.children = append(v.children, c)
		}
	}
	return v
}

func (v *Value) Name() string   { return v.name }
func (v *Value) Kind() Kind     { return v.kind }
func (v *Value) Parent() *Value { return v.parent }
func (v *Value) IsNull() bool   { return v.kind == KindNull }
func (v *Value) IsContainer() bool { return v.kind == KindContainer }

// Size returns the scalar byte length, or the child count for containers.
func (v *Value) Size() int {
	if v.kind == KindContainer {
		return len(v.children)
	}
	return len(v.data)
}

// SetScalar replaces the stored bytes with the given kind and raw
// little-endian representation. Container kind is rejected.
func (v *Value) SetScalar(kind Kind, data []byte) error {
	if kind == KindContainer {
		return newValueError("set_scalar", v, ErrTypeMismatch)
	}
	if !IsValidKind(kind) {
		return newValueError("set_scalar", v, ErrTypeMismatch)
	}
	if want := scalarWidth(kind); want >= 0 && len(data) != want {
		return newValueError("set_scalar", v, ErrCorruptData)
	}
	v.kind = kind
	v.data = make([]byte, len(data))
	copy(v.data, data)
	v.children = nil
	return nil
}

// AddChild appends a child. Only valid on the container kind.
func (v *Value) AddChild(c *Value) error {
	if v.kind != KindContainer {
		return newValueError("add_child", v, ErrTypeMismatch)
	}
	if c == nil {
		return newValueError("add_child", v, ErrCorruptData)
	}
	c.parent = v
	v.children = append(v.children, c)
	return nil
}

// Children returns the child list; callers must not mutate it.
func (v *Value) Children() []*Value { return v.children }

// ChildCount returns the number of direct children.
func (v *Value) ChildCount() int { return len(v.children) }

// Child returns the first child with the given name, or nil.
func (v *Value) Child(name string) *Value {
	for _, c := range v.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

// ValueArray returns all children with the given name, in order.
func (v *Value) ValueArray(name string) []*Value {
	var out []*Value
	for _, c := range v.children {
		if c.name == name {
			out = append(out, c)
		}
	}
	return out
}

// Remove deletes all children with the given name.
func (v *Value) Remove(name string) error {
	if v.kind != KindContainer {
		return newValueError("remove", v, ErrTypeMismatch)
	}
	kept := v.children[:0]
	for _, c := range v.children {
		if c.name != name {
			kept = append(kept, c)
		} else {
			c.parent = nil
		}
	}
	v.children = kept
	return nil
}

// RemoveAll deletes every child.
func (v *Value) RemoveAll() error {
	if v.kind != KindContainer {
		return newValueError("remove_all", v, ErrTypeMismatch)
	}
	for _, c := range v.children {
		c.parent = nil
	}
	v.children = nil
	return nil
}

// Bytes returns a copy of the raw scalar bytes.
func (v *Value) Bytes() []byte {
	out := make([]byte, len(v.data))
	copy(out, v.data)
	return out
}

// scalarWidth returns the fixed byte width of a kind, or -1 when
// variable length (bytes, string) or not a scalar.
func scalarWidth(k Kind) int {
	switch k {
	case KindNull:
		return 0
	case KindBool, KindInt8, KindUint8:
		return 1
	case KindInt16, KindUint16:
		return 2
	case KindInt32, KindUint32, KindFloat32:
		return 4
	case KindInt64, KindUint64, KindFloat64:
		return 8
	default:
		return -1
	}
}

// ToBool converts the stored value to a boolean.
func (v *Value) ToBool() (bool, error) {
	switch v.kind {
	case KindNull:
		return false, newValueError("to_bool", v, ErrNullAccess)
	case KindBool:
		return v.data[0] != 0, nil
	case KindString:
		b, err := strconv.ParseBool(string(v.data))
		if err != nil {
			return false, newValueError("to_bool", v, ErrConversion)
		}
		return b, nil
	}
	if v.kind.IsNumeric() {
		f, err := v.ToFloat64()
		if err != nil {
			return false, err
		}
		return f != 0, nil
	}
	return false, newValueError("to_bool", v, ErrConversion)
}

// signedValue decodes any signed integer kind.
func (v *Value) signedValue() (int64, bool) {
	switch v.kind {
	case KindInt8:
		return int64(int8(v.data[0])), true
	case KindInt16:
		return int64(int16(binary.LittleEndian.Uint16(v.data))), true
	case KindInt32:
		return int64(int32(binary.LittleEndian.Uint32(v.data))), true
	case KindInt64:
		return int64(binary.LittleEndian.Uint64(v.data)), true
	}
	return 0, false
}

// unsignedValue decodes any unsigned integer kind.
func (v *Value) unsignedValue() (uint64, bool) {
	switch v.kind {
	case KindUint8:
		return uint64(v.data[0]), true
	case KindUint16:
		return uint64(binary.LittleEndian.Uint16(v.data)), true
	case KindUint32:
		return uint64(binary.LittleEndian.Uint32(v.data)), true
	case KindUint64:
		return binary.LittleEndian.Uint64(v.data), true
	}
	return 0, false
}

// floatValue decodes any floating kind.
func (v *Value) floatValue() (float64, bool) {
	switch v.kind {
	case KindFloat32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(v.data))), true
	case KindFloat64:
		return math.Float64frombits(binary.LittleEndian.Uint64(v.data)), true
	}
	return 0, false
}

// ToInt64 converts the stored value to int64. Conversions that would
// lose information fail with ErrConversion.
func (v *Value) ToInt64() (int64, error) {
	switch v.kind {
	case KindNull:
		return 0, newValueError("to_int64", v, ErrNullAccess)
	case KindBool:
		if v.data[0] != 0 {
			return 1, nil
		}
		return 0, nil
	case KindString:
		n, err := strconv.ParseInt(string(v.data), 10, 64)
		if err != nil {
			return 0, newValueError("to_int64", v, ErrConversion)
		}
		return n, nil
	}
	if n, ok := v.signedValue(); ok {
		return n, nil
	}
	if u, ok := v.unsignedValue(); ok {
		if u > math.MaxInt64 {
			return 0, newValueError("to_int64", v, ErrConversion)
		}
		return int64(u), nil
	}
	if f, ok := v.floatValue(); ok {
		if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
			return 0, newValueError("to_int64", v, ErrConversion)
		}
		return int64(f), nil
	}
	return 0, newValueError("to_int64", v, ErrConversion)
}

// ToUint64 converts the stored value to uint64.
func (v *Value) ToUint64() (uint64, error) {
	switch v.kind {
	case KindNull:
		return 0, newValueError("to_uint64", v, ErrNullAccess)
	case KindBool:
		if v.data[0] != 0 {
			return 1, nil
		}
		return 0, nil
	case KindString:
		n, err := strconv.ParseUint(string(v.data), 10, 64)
		if err != nil {
			return 0, newValueError("to_uint64", v, ErrConversion)
		}
		return n, nil
	}
	if u, ok := v.unsignedValue(); ok {
		return u, nil
	}
	if n, ok := v.signedValue(); ok {
		if n < 0 {
			return 0, newValueError("to_uint64", v, ErrConversion)
		}
		return uint64(n), nil
	}
	if f, ok := v.floatValue(); ok {
		if f != math.Trunc(f) || f < 0 || f >= math.MaxUint64 {
			return 0, newValueError("to_uint64", v, ErrConversion)
		}
		return uint64(f), nil
	}
	return 0, newValueError("to_uint64", v, ErrConversion)
}

func (v *Value) ToInt8() (int8, error) {
	n, err := v.ToInt64()
	if err != nil {
		return 0, err
	}
	if n < math.MinInt8 || n > math.MaxInt8 {
		return 0, newValueError("to_int8", v, ErrConversion)
	}
	return int8(n), nil
}

func (v *Value) ToInt16() (int16, error) {
	n, err := v.ToInt64()
	if err != nil {
		return 0, err
	}
	if n < math.MinInt16 || n > math.MaxInt16 {
		return 0, newValueError("to_int16", v, ErrConversion)
	}
	return int16(n), nil
}

func (v *Value) ToInt32() (int32, error) {
	n, err := v.ToInt64()
	if err != nil {
		return 0, err
	}
	if n < math.MinInt32 || n > math.MaxInt32 {
		return 0, newValueError("to_int32", v, ErrConversion)
	}
	return int32(n), nil
}

func (v *Value) ToUint8() (uint8, error) {
	n, err := v.ToUint64()
	if err != nil {
		return 0, err
	}
	if n > math.MaxUint8 {
		return 0, newValueError("to_uint8", v, ErrConversion)
	}
	return uint8(n), nil
}

func (v *Value) ToUint16() (uint16, error) {
	n, err := v.ToUint64()
	if err != nil {
		return 0, err
	}
	if n > math.MaxUint16 {
		return 0, newValueError("to_uint16", v, ErrConversion)
	}
	return uint16(n), nil
}

func (v *Value) ToUint32() (uint32, error) {
	n, err := v.ToUint64()
	if err != nil {
		return 0, err
	}
	if n > math.MaxUint32 {
		return 0, newValueError("to_uint32", v, ErrConversion)
	}
	return uint32(n), nil
}

// ToFloat64 converts the stored value to float64.
func (v *Value) ToFloat64() (float64, error) {
	switch v.kind {
	case KindNull:
		return 0, newValueError("to_float64", v, ErrNullAccess)
	case KindBool:
		if v.data[0] != 0 {
			return 1, nil
		}
		return 0, nil
	case KindString:
		f, err := strconv.ParseFloat(string(v.data), 64)
		if err != nil {
			return 0, newValueError("to_float64", v, ErrConversion)
		}
		return f, nil
	}
	if f, ok := v.floatValue(); ok {
		return f, nil
	}
	if n, ok := v.signedValue(); ok {
		return float64(n), nil
	}
	if u, ok := v.unsignedValue(); ok {
		return float64(u), nil
	}
	return 0, newValueError("to_float64", v, ErrConversion)
}

// ToFloat32 converts to float32, rejecting magnitudes that do not fit.
func (v *Value) ToFloat32() (float32, error) {
	f, err := v.ToFloat64()
	if err != nil {
		return 0, err
	}
	if !math.IsInf(f, 0) && math.Abs(f) > math.MaxFloat32 {
		return 0, newValueError("to_float32", v, ErrConversion)
	}
	return float32(f), nil
}

// ToString returns the stored UTF-8 string. A null value yields ""
// without error; every other non-string kind is a conversion error.
func (v *Value) ToString() (string, error) {
	switch v.kind {
	case KindNull:
		return "", nil
	case KindString:
		return string(v.data), nil
	}
	return "", newValueError("to_string", v, ErrConversion)
}

// ToBytes returns the raw byte payload of a bytes value.
func (v *Value) ToBytes() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return nil, newValueError("to_bytes", v, ErrNullAccess)
	case KindBytes:
		return v.Bytes(), nil
	}
	return nil, newValueError("to_bytes", v, ErrConversion)
}

// Clone returns a deep copy detached from any parent.
func (v *Value) Clone() *Value {
	out := &Value{name: v.name, kind: v.kind}
	if len(v.data) > 0 {
		out.data = make([]byte, len(v.data))
		copy(out.data, v.data)
	}
	for _, c := range v.children {
		cc := c.Clone()
		cc.parent = out
		out.children = append(out.children, cc)
	}
	return out
}

// Equal reports deep equality of name, kind, bytes and children.
func (v *Value) Equal(o *Value) bool {
	if v == nil || o == nil {
		return v == o
	}
	if v.name != o.name || v.kind != o.kind || len(v.data) != len(o.data) || len(v.children) != len(o.children) {
		return false
	}
	for i := range v.data {
		if v.data[i] != o.data[i] {
			return false
		}
	}
	for i := range v.children {
		if !v.children[i].Equal(o.children[i]) {
			return false
		}
	}
	return true
}
