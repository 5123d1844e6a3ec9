package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTypeIsDeterministic(t *testing.T) {
	a := NewType("zeq.test.Camera")
	assert.Equal(t, a, NewType("zeq.test.Camera"))
	assert.NotEqual(t, a, NewType("zeq.test.Selection"))
	assert.NotEqual(t, Invalid, a)
}

func TestNewCopiesPayload(t *testing.T) {
	buf := []byte{1, 2, 3}
	e := New(NewType("x"), buf)
	buf[0] = 9
	assert.Equal(t, []byte{1, 2, 3}, e.Payload())
}

func TestFrame(t *testing.T) {
	typ := NewType("zeq.test.Frame")
	e := New(typ, []byte("payload"))

	frame := e.Marshal()
	require.Len(t, frame, TypeSize+len("payload"))

	got, err := Unmarshal(frame)
	require.NoError(t, err)
	assert.Equal(t, typ, got.Type())
	assert.Equal(t, []byte("payload"), got.Payload())

	empty, err := Unmarshal(New(typ, nil).Marshal())
	require.NoError(t, err)
	assert.Empty(t, empty.Payload())
}

func TestUnmarshalShortFrame(t *testing.T) {
	_, err := Unmarshal(make([]byte, TypeSize-1))
	assert.ErrorIs(t, err, ErrShortFrame)
}
