package network

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m, ok := <-ch:
		require.True(t, ok, "channel closed")
		return m
	case <-time.After(time.Second):
		t.Fatal("no message")
		return Message{}
	}
}

func TestMemoryMeshBroadcast(t *testing.T) {
	mesh := NewMemoryMesh()
	a := mesh.Join("a")
	b := mesh.Join("b")

	chA, cancelA, err := a.Subscribe("zeq/foo")
	require.NoError(t, err)
	defer cancelA()
	chB, cancelB, err := b.Subscribe("zeq/foo")
	require.NoError(t, err)
	defer cancelB()

	require.NoError(t, a.Publish("zeq/foo", []byte("hi")))

	for _, ch := range []<-chan Message{chA, chB} {
		m := recv(t, ch)
		assert.Equal(t, "zeq/foo", m.Topic)
		assert.Equal(t, "a", m.From)
		assert.Equal(t, []byte("hi"), m.Payload)
	}
}

func TestMemoryMeshTopicsAreIsolated(t *testing.T) {
	mesh := NewMemoryMesh()
	a := mesh.Join("a")

	ch, cancel, err := a.Subscribe("zeq/foo")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, a.Publish("zeq/bar", []byte("x")))
	select {
	case m := <-ch:
		t.Fatalf("unexpected message on %s", m.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryMeshPayloadIsCopied(t *testing.T) {
	mesh := NewMemoryMesh()
	a := mesh.Join("a")
	ch, cancel, err := a.Subscribe("t")
	require.NoError(t, err)
	defer cancel()

	payload := []byte("abc")
	require.NoError(t, a.Publish("t", payload))
	payload[0] = 'z'
	assert.Equal(t, []byte("abc"), recv(t, ch).Payload)
}

func TestMemoryMeshCancelClosesChannel(t *testing.T) {
	mesh := NewMemoryMesh()
	a := mesh.Join("a")
	ch, cancel, err := a.Subscribe("t")
	require.NoError(t, err)

	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	require.NoError(t, a.Publish("t", []byte("x")))
}

func TestMemoryNodeClose(t *testing.T) {
	mesh := NewMemoryMesh()
	a := mesh.Join("a")
	b := mesh.Join("b")

	chA, _, err := a.Subscribe("t")
	require.NoError(t, err)
	chB, cancelB, err := b.Subscribe("t")
	require.NoError(t, err)
	defer cancelB()

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	_, ok := <-chA
	assert.False(t, ok)

	assert.ErrorIs(t, a.Publish("t", nil), ErrMeshClosed)
	_, _, err = a.Subscribe("t")
	assert.ErrorIs(t, err, ErrMeshClosed)

	require.NoError(t, b.Publish("t", []byte("still")))
	assert.Equal(t, "b", recv(t, chB).From)
}
