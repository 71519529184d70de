// Copyright 2025 James Ross
package container

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func greetContainer(t *testing.T) *ValueContainer {
	t.Helper()
	c := New("svc", "", "peer", "", "greet")
	require.NoError(t, c.SetVersion("1.0.0.0"))
	require.NoError(t, c.Add(NewString("text", "hello")))
	return c
}

func TestRoundTripGreet(t *testing.T) {
	c := greetContainer(t)

	data, err := c.Serialize()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(data), 40)

	back, err := Deserialize(data, false)
	require.NoError(t, err)
	assert.True(t, c.Equal(back))

	again, err := back.Serialize()
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestRoundTripAllKinds(t *testing.T) {
	c := New("a", "b", "c", "d", "kinds")
	inner := NewContainer("inner",
		NewInt8("i8", -8),
		NewUint64("u64", 1<<60),
		NewFloat32("f32", 1.5),
	)
	for _, v := range []*Value{
		NewNull("n"),
		NewBytes("raw", []byte{0x00, 0xFF, 0x10}),
		NewBool("ok", true),
		NewInt16("i16", -1234),
		NewInt32("i32", 1<<20),
		NewInt64("i64", -(1 << 40)),
		NewUint8("u8", 200),
		NewUint16("u16", 65000),
		NewUint32("u32", 1<<30),
		NewFloat64("f64", 3.14159),
		NewString("s", "héllo"),
		inner,
	} {
		require.NoError(t, c.Add(v))
	}

	data, err := c.Serialize()
	require.NoError(t, err)
	back, err := Deserialize(data, false)
	require.NoError(t, err)
	require.True(t, c.Equal(back))

	again, err := back.Serialize()
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestLazyHeaderOnlyParse(t *testing.T) {
	c := greetContainer(t)
	data, err := c.Serialize()
	require.NoError(t, err)

	lazy, err := Deserialize(data, true)
	require.NoError(t, err)
	assert.Equal(t, HeaderOnly, lazy.State())
	assert.Equal(t, "svc", lazy.SourceID())
	assert.Equal(t, "greet", lazy.MessageType())

	values, err := lazy.Values()
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, FullyParsed, lazy.State())

	s, err := values[0].ToString()
	require.NoError(t, err)
	assert.Equal(t, "hello", s)
}

func TestCorruptBodyInvalidatesContainer(t *testing.T) {
	c := greetContainer(t)
	data, err := c.Serialize()
	require.NoError(t, err)

	// Flip the last payload byte and append a byte the body framing does
	// not account for, so the deferred body parse fails.
	corrupt := make([]byte, len(data))
	copy(corrupt, data)
	idx := len(data) - 1
	corrupt[idx] = 0xFF

	lazy, err := Deserialize(append(corrupt, 0x01), true)
	require.NoError(t, err)
	_, err = lazy.Values()
	require.Error(t, err)
	assert.Equal(t, Invalid, lazy.State())

	// Once invalid, everything is rejected.
	_, err = lazy.Values()
	assert.ErrorIs(t, err, ErrInvalidContainer)
	assert.Error(t, lazy.Add(NewNull("x")))
}

func TestDeserializeRejectsBadMagic(t *testing.T) {
	_, err := Deserialize([]byte{0xDE, 0xAD, 0xBE, 0xEF, 0, 0}, false)
	assert.ErrorIs(t, err, ErrBadVersionTag)
}

func TestDeserializeTruncated(t *testing.T) {
	c := greetContainer(t)
	data, err := c.Serialize()
	require.NoError(t, err)
	for _, cut := range []int{3, 10, len(data) - 1} {
		_, err := Deserialize(data[:cut], false)
		assert.Error(t, err, "cut at %d", cut)
	}
}

func TestScalarConversions(t *testing.T) {
	v := NewInt32("n", 1000)
	n64, err := v.ToInt64()
	require.NoError(t, err)
	assert.Equal(t, int64(1000), n64)

	_, err = v.ToInt8()
	assert.ErrorIs(t, err, ErrConversion)

	u, err := v.ToUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(1000), u)

	f, err := v.ToFloat64()
	require.NoError(t, err)
	assert.Equal(t, float64(1000), f)

	neg := NewInt8("neg", -1)
	_, err = neg.ToUint64()
	assert.ErrorIs(t, err, ErrConversion)
}

func TestFloatTruncationRejected(t *testing.T) {
	v := NewFloat64("f", 1.5)
	_, err := v.ToInt64()
	assert.ErrorIs(t, err, ErrConversion)

	whole := NewFloat64("w", 42.0)
	n, err := whole.ToInt64()
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
}

func TestNullAccess(t *testing.T) {
	n := NewNull("n")
	_, err := n.ToInt64()
	assert.ErrorIs(t, err, ErrNullAccess)
	_, err = n.ToBool()
	assert.ErrorIs(t, err, ErrNullAccess)

	// String access on null is the one silent case.
	s, err := n.ToString()
	require.NoError(t, err)
	assert.Equal(t, "", s)

	// String access on any other non-string kind is an error.
	_, err = NewInt32("i", 1).ToString()
	assert.ErrorIs(t, err, ErrConversion)
}

func TestStringParsing(t *testing.T) {
	v := NewString("s", "42")
	n, err := v.ToInt64()
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	_, err = NewString("s", "nope").ToInt64()
	assert.ErrorIs(t, err, ErrConversion)
}

func TestSetScalarRejectsContainerKind(t *testing.T) {
	v := NewNull("x")
	err := v.SetScalar(KindContainer, nil)
	assert.ErrorIs(t, err, ErrTypeMismatch)

	require.NoError(t, v.SetScalar(KindInt16, []byte{0x10, 0x00}))
	n, err := v.ToInt64()
	require.NoError(t, err)
	assert.Equal(t, int64(16), n)
}

func TestAddChildOnlyOnContainers(t *testing.T) {
	s := NewString("s", "x")
	assert.ErrorIs(t, s.AddChild(NewNull("n")), ErrTypeMismatch)

	c := NewContainer("c")
	child := NewInt32("n", 7)
	require.NoError(t, c.AddChild(child))
	assert.Same(t, c, child.Parent())
	assert.Equal(t, 1, c.ChildCount())
	assert.Same(t, child, c.Child("n"))
}

func TestToJSON(t *testing.T) {
	c := greetContainer(t)
	js, err := c.ToJSON()
	require.NoError(t, err)
	assert.Contains(t, js, `"message_type":"greet"`)
	assert.Contains(t, js, `"name":"text"`)
	assert.Contains(t, js, `"data":"hello"`)

	nested := NewContainer("outer", NewBool("flag", true))
	require.NoError(t, c.Add(nested))
	js, err = c.ToJSON()
	require.NoError(t, err)
	assert.Contains(t, js, `"kind":"container"`)
	assert.Contains(t, js, `"children"`)
}

func TestToXML(t *testing.T) {
	c := greetContainer(t)
	require.NoError(t, c.Add(NewContainer("box", NewInt32("n", 5))))
	x, err := c.ToXML()
	require.NoError(t, err)
	assert.Contains(t, x, `<text kind="string">hello</text>`)
	assert.Contains(t, x, `<box kind="container">`)
	assert.Contains(t, x, `<n kind="int32">5</n>`)
	assert.True(t, strings.HasPrefix(x, "<container>"))
}

func TestSwapHeaderAndCopy(t *testing.T) {
	c := greetContainer(t)
	c.SwapHeader()
	assert.Equal(t, "peer", c.SourceID())
	assert.Equal(t, "svc", c.TargetID())

	headerOnly, err := c.Copy(false)
	require.NoError(t, err)
	values, err := headerOnly.Values()
	require.NoError(t, err)
	assert.Empty(t, values)

	full, err := c.Copy(true)
	require.NoError(t, err)
	assert.True(t, c.Equal(full))
}

func TestValueArrayAndRemove(t *testing.T) {
	c := New("s", "", "t", "", "m")
	require.NoError(t, c.Add(NewInt32("x", 1)))
	require.NoError(t, c.Add(NewInt32("x", 2)))
	require.NoError(t, c.Add(NewInt32("y", 3)))

	xs, err := c.ValueArray("x")
	require.NoError(t, err)
	assert.Len(t, xs, 2)

	second, err := c.Value("x", 1)
	require.NoError(t, err)
	n, err := second.ToInt64()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, c.Remove("x"))
	values, err := c.Values()
	require.NoError(t, err)
	assert.Len(t, values, 1)
}

func TestVersionValidation(t *testing.T) {
	c := New("s", "", "t", "", "m")
	assert.Error(t, c.SetVersion("1.0"))
	assert.NoError(t, c.SetVersion("2.1.0.7"))
}
