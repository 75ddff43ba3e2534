// Package stream translates internal pipeline events into the external
// wire protocol. Every transport (SSE, WebSocket, tests) consumes
// WireEvents only; internal event variants never cross the boundary.
package stream

import (
	"encoding/json"

	"github.com/quarrylabs/quarry/internal/event"
)

// Type is the wire-visible event type. No other values are permitted on
// the wire.
type Type string

const (
	// TypeText carries a partial answer delta.
	TypeText Type = "text"
	// TypeData carries structured payloads: progress events and the final
	// persisted state.
	TypeData Type = "data"
	// TypeAnnotation carries informational side notes.
	TypeAnnotation Type = "annotation"
	// TypeError carries error notices, including the terminal error of a
	// failed run.
	TypeError Type = "error"
)

// WireEvent is the only shape ever sent across the system boundary.
type WireEvent struct {
	Type    Type `json:"type"`
	Payload any  `json:"payload"`
}

// TextPayload is the payload for TypeText.
type TextPayload struct {
	Text string `json:"text"`
}

// AnnotationPayload is the payload for TypeAnnotation.
type AnnotationPayload struct {
	Message string `json:"message"`
}

// ErrorPayload is the payload for TypeError.
type ErrorPayload struct {
	Message string `json:"message"`
}

// ResultPayload is the TypeData payload derived from a terminal Stop.
type ResultPayload struct {
	Result string `json:"result"`
}

// ProgressPayload is the TypeData payload for intermediate pipeline events
// that have no dedicated mapping. Wrapping them instead of dropping them is
// deliberate: clients see pipeline progress without depending on internal
// variants.
type ProgressPayload struct {
	Stage  string          `json:"stage"`
	Detail json.RawMessage `json:"detail,omitempty"`
}

// Translate converts one internal event into exactly one WireEvent,
// preserving arrival order 1:1.
func Translate(ev event.Event) WireEvent {
	switch ev.Kind {
	case event.KindResponse:
		return WireEvent{Type: TypeText, Payload: TextPayload{Text: ev.Text}}
	case event.KindInfo:
		return WireEvent{Type: TypeAnnotation, Payload: AnnotationPayload{Message: ev.Message}}
	case event.KindError:
		return WireEvent{Type: TypeError, Payload: ErrorPayload{Message: ev.Message}}
	case event.KindStop:
		return WireEvent{Type: TypeData, Payload: ResultPayload{Result: ev.Result}}
	default:
		return WireEvent{Type: TypeData, Payload: progress(ev)}
	}
}

// progress serializes an unmapped variant into the generic data wrapper.
func progress(ev event.Event) ProgressPayload {
	detail, err := json.Marshal(progressDetail(ev))
	if err != nil {
		detail = nil
	}
	return ProgressPayload{Stage: ev.Kind.String(), Detail: detail}
}

// progressDetail picks the payload fields worth exposing per kind. Raw
// questions and history stay internal.
func progressDetail(ev event.Event) map[string]any {
	switch ev.Kind {
	case event.KindKnowledge:
		return map[string]any{
			"chunks":        len(ev.Chunks),
			"entities":      len(ev.Graph.Entities),
			"relationships": len(ev.Graph.Relationships),
		}
	case event.KindReasoning:
		return map[string]any{
			"analysis": ev.Analysis,
			"queries":  len(ev.ToolCalls),
		}
	default:
		return nil
	}
}
