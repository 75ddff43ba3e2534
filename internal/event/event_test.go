package event

import (
	"testing"

	"github.com/google/uuid"
)

func TestKindString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind Kind
		want string
	}{
		{KindStart, "start"},
		{KindPrep, "prep"},
		{KindKnowledge, "knowledge"},
		{KindReasoning, "reasoning"},
		{KindResponse, "response"},
		{KindStop, "stop"},
		{KindInfo, "info"},
		{KindError, "error"},
		{Kind(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestTerminal(t *testing.T) {
	t.Parallel()

	if !NewStop("done").Terminal() {
		t.Error("stop should be terminal")
	}
	for _, ev := range []Event{
		NewStart("q", nil),
		NewPrep(),
		NewKnowledge(nil, GraphContext{}),
		NewReasoning("", nil, nil),
		NewResponse("delta"),
		NewInfo("note"),
		NewError("oops"),
	} {
		if ev.Terminal() {
			t.Errorf("%s should not be terminal", ev.Kind)
		}
	}
}

func TestConstructors(t *testing.T) {
	t.Parallel()

	start := NewStart("question", []Message{{Role: "user", Text: "hi"}})
	if start.Kind != KindStart || start.Question != "question" || len(start.History) != 1 {
		t.Errorf("start = %+v", start)
	}
	if start.ID == uuid.Nil {
		t.Error("event has no ID")
	}
	if start.Timestamp.IsZero() {
		t.Error("event has no timestamp")
	}

	know := NewKnowledge([]Chunk{{Text: "c", Score: 0.5}}, GraphContext{Entities: []Entity{{Name: "e"}}})
	if know.Kind != KindKnowledge || len(know.Chunks) != 1 || len(know.Graph.Entities) != 1 {
		t.Errorf("knowledge = %+v", know)
	}

	reason := NewReasoning("analysis", []ToolCall{{ConnectionID: "db", SQL: "SELECT 1"}}, []ToolResult{{ConnectionID: "db"}})
	if reason.Analysis != "analysis" || len(reason.ToolCalls) != 1 || len(reason.ToolResults) != 1 {
		t.Errorf("reasoning = %+v", reason)
	}

	if resp := NewResponse("delta"); resp.Text != "delta" {
		t.Errorf("response = %+v", resp)
	}
	if stop := NewStop("final"); stop.Result != "final" {
		t.Errorf("stop = %+v", stop)
	}
	if info := NewInfo("fyi"); info.Message != "fyi" {
		t.Errorf("info = %+v", info)
	}
	if errEv := NewError("bad"); errEv.Message != "bad" {
		t.Errorf("error = %+v", errEv)
	}
}

func TestGraphContextEmpty(t *testing.T) {
	t.Parallel()

	if !(GraphContext{}).Empty() {
		t.Error("zero graph should be empty")
	}
	if (GraphContext{Entities: []Entity{{Name: "x"}}}).Empty() {
		t.Error("graph with entities should not be empty")
	}
	if (GraphContext{Relationships: []Relationship{{Source: "a", Target: "b"}}}).Empty() {
		t.Error("graph with relationships should not be empty")
	}
}
