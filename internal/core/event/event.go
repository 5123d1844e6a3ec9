// Package event defines the typed events exchanged between brokers and their
// wire frame.
package event

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// TypeSize is the encoded size of a Type in a frame.
const TypeSize = 16

var ErrShortFrame = errors.New("frame shorter than event type")

// namespace seeds NewType so that every process derives the same Type for a
// schema name.
var namespace = uuid.MustParse("6f1b8d5c-2a0e-4f43-9a57-7f2c0e3d9b41")

// Type identifies the payload schema of an Event.
type Type uuid.UUID

// Invalid is the zero Type. No schema maps to it.
var Invalid Type

// NewType derives the Type for a schema name.
func NewType(name string) Type {
	return Type(uuid.NewSHA1(namespace, []byte(name)))
}

func (t Type) String() string { return uuid.UUID(t).String() }

// Handler consumes a received event.
type Handler func(Event)

// Event is an immutable typed payload.
type Event struct {
	typ     Type
	payload []byte
}

// New returns an event of type t holding a copy of payload.
func New(t Type, payload []byte) Event {
	return Event{typ: t, payload: append([]byte(nil), payload...)}
}

func (e Event) Type() Type { return e.typ }

// Payload returns the serialized payload. Callers must not modify it.
func (e Event) Payload() []byte { return e.payload }

// Marshal encodes e as a frame: the 16 type bytes followed by the payload.
func (e Event) Marshal() []byte {
	b := make([]byte, 0, TypeSize+len(e.payload))
	b = append(b, e.typ[:]...)
	return append(b, e.payload...)
}

// Unmarshal decodes a frame produced by Marshal.
func Unmarshal(frame []byte) (Event, error) {
	if len(frame) < TypeSize {
		return Event{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(frame))
	}
	var t Type
	copy(t[:], frame[:TypeSize])
	return New(t, frame[TypeSize:]), nil
}
