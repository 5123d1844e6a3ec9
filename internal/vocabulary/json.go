package vocabulary

import (
	"math"

	"github.com/goccy/go-json"

	"zeq/internal/core/event"
)

type jsonEvent struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ToJSON renders e for display. Known payloads are decoded; unknown ones are
// emitted as raw bytes. Non-finite camera values are rendered as the strings
// "NaN", "+Inf" and "-Inf". A payload that still cannot be encoded is
// reported in the error field.
func ToJSON(e event.Event) ([]byte, error) {
	out := jsonEvent{Type: e.Type().String(), Name: Name(e.Type())}

	var (
		v   any
		err error
	)
	switch e.Type() {
	case EventCamera:
		var m []float32
		if m, err = DeserializeCamera(e); err == nil {
			v = cameraJSON(m)
		}
	case EventSelection:
		v, err = DeserializeSelection(e)
	case EventLookupTable1D:
		v, err = DeserializeLookupTable1D(e)
	case EventEcho:
		v, err = DeserializeEcho(e)
	case EventHeartbeat, EventExit:
	default:
		if len(e.Payload()) > 0 {
			v = e.Payload()
		}
	}
	if err != nil {
		out.Error = err.Error()
		return json.Marshal(out)
	}
	out.Payload = v
	b, err := json.Marshal(out)
	if err != nil {
		out.Payload, out.Error = nil, err.Error()
		return json.Marshal(out)
	}
	return b, nil
}

func cameraJSON(m []float32) []any {
	out := make([]any, len(m))
	for i, f := range m {
		switch {
		case math.IsNaN(float64(f)):
			out[i] = "NaN"
		case math.IsInf(float64(f), 1):
			out[i] = "+Inf"
		case math.IsInf(float64(f), -1):
			out[i] = "-Inf"
		default:
			out[i] = f
		}
	}
	return out
}
