// Package vocabulary serializes the well-known zeq payloads into events.
//
// Payloads are protobuf wire messages with a single field 1, so other
// protobuf implementations can decode them with a one-field schema.
package vocabulary

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"zeq/internal/core/event"
)

var (
	ErrTypeMismatch   = errors.New("event type does not match decoder")
	ErrInvalidPayload = errors.New("invalid payload")
)

// LookupTableSize is the number of RGBA entries of a 1D lookup table.
const LookupTableSize = 256

var (
	EventCamera        = event.NewType("zeq.vocabulary.Camera")
	EventSelection     = event.NewType("zeq.vocabulary.Selection")
	EventLookupTable1D = event.NewType("zeq.vocabulary.LookupTable1D")
	EventHeartbeat     = event.NewType("zeq.vocabulary.Heartbeat")
	EventExit          = event.NewType("zeq.vocabulary.Exit")
	EventEcho          = event.NewType("zeq.vocabulary.Echo")
	EventInvalid       = event.Invalid
)

var names = map[event.Type]string{
	EventCamera:        "camera",
	EventSelection:     "selection",
	EventLookupTable1D: "lookuptable1d",
	EventHeartbeat:     "heartbeat",
	EventExit:          "exit",
	EventEcho:          "echo",
}

// Name returns the short schema name of a known type, or the type id.
func Name(t event.Type) string {
	if n, ok := names[t]; ok {
		return n
	}
	return t.String()
}

// Lookup returns the type with the given short schema name.
func Lookup(name string) (event.Type, bool) {
	for t, n := range names {
		if n == name {
			return t, true
		}
	}
	return event.Invalid, false
}

// Types returns every known event type.
func Types() []event.Type {
	return []event.Type{EventCamera, EventSelection, EventLookupTable1D, EventHeartbeat, EventExit, EventEcho}
}

// SerializeCamera encodes a camera matrix, typically 16 column-major floats.
func SerializeCamera(matrix []float32) event.Event {
	b := make([]byte, 0, len(matrix)*4)
	for _, f := range matrix {
		b = protowire.AppendFixed32(b, math.Float32bits(f))
	}
	return event.New(EventCamera, appendField(nil, b))
}

func DeserializeCamera(e event.Event) ([]float32, error) {
	b, err := field(e, EventCamera)
	if err != nil {
		return nil, err
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: camera matrix of %d bytes", ErrInvalidPayload, len(b))
	}
	out := make([]float32, 0, len(b)/4)
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, protowire.ParseError(n))
		}
		out = append(out, math.Float32frombits(v))
		b = b[n:]
	}
	return out, nil
}

// SerializeSelection encodes a set of selected ids.
func SerializeSelection(ids []uint32) event.Event {
	var b []byte
	for _, id := range ids {
		b = protowire.AppendVarint(b, uint64(id))
	}
	return event.New(EventSelection, appendField(nil, b))
}

func DeserializeSelection(e event.Event) ([]uint32, error) {
	b, err := field(e, EventSelection)
	if err != nil {
		return nil, err
	}
	var out []uint32
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, protowire.ParseError(n))
		}
		if v > math.MaxUint32 {
			return nil, fmt.Errorf("%w: selection id %d overflows uint32", ErrInvalidPayload, v)
		}
		out = append(out, uint32(v))
		b = b[n:]
	}
	return out, nil
}

// SerializeLookupTable1D encodes a transfer function of LookupTableSize RGBA
// entries.
func SerializeLookupTable1D(rgba []byte) (event.Event, error) {
	if len(rgba) != LookupTableSize*4 {
		return event.Event{}, fmt.Errorf("%w: lookup table needs %d bytes, got %d", ErrInvalidPayload, LookupTableSize*4, len(rgba))
	}
	return event.New(EventLookupTable1D, appendField(nil, rgba)), nil
}

func DeserializeLookupTable1D(e event.Event) ([]byte, error) {
	b, err := field(e, EventLookupTable1D)
	if err != nil {
		return nil, err
	}
	if len(b) != LookupTableSize*4 {
		return nil, fmt.Errorf("%w: lookup table of %d bytes", ErrInvalidPayload, len(b))
	}
	return append([]byte(nil), b...), nil
}

func SerializeEcho(message string) event.Event {
	return event.New(EventEcho, appendField(nil, []byte(message)))
}

func DeserializeEcho(e event.Event) (string, error) {
	b, err := field(e, EventEcho)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func SerializeHeartbeat() event.Event { return event.New(EventHeartbeat, nil) }

func SerializeExit() event.Event { return event.New(EventExit, nil) }

func appendField(b, v []byte) []byte {
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// field returns the bytes of field 1, skipping unknown fields. An absent field
// decodes as empty.
func field(e event.Event, want event.Type) ([]byte, error) {
	if e.Type() != want {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrTypeMismatch, Name(e.Type()), Name(want))
	}
	var out []byte
	b := e.Payload()
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, protowire.ParseError(n))
		}
		b = b[n:]
		if num == 1 && typ == protowire.BytesType {
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, protowire.ParseError(m))
			}
			out = v
			b = b[m:]
			continue
		}
		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return out, nil
}
