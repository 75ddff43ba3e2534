// Package event defines the closed set of pipeline events exchanged between
// stages and forwarded to the streaming layer.
//
// Every event carries a Kind from a fixed enum. The workflow executor owns a
// static Kind → stage table, so an event whose kind has no registered handler
// is an internal error, never a recoverable condition.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies the variant of a pipeline event.
type Kind int

const (
	// KindStart begins a pipeline run with the raw question and history.
	KindStart Kind = iota
	// KindPrep signals input processing finished and retrieval may begin.
	KindPrep
	// KindKnowledge carries retrieved chunks and graph context.
	KindKnowledge
	// KindReasoning carries routing analysis and database query results.
	KindReasoning
	// KindResponse carries a partial text delta from answer synthesis.
	KindResponse
	// KindStop terminates a run with its final result.
	KindStop
	// KindInfo is an informational side annotation; never dispatched.
	KindInfo
	// KindError is an error side annotation; never dispatched.
	KindError
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindPrep:
		return "prep"
	case KindKnowledge:
		return "knowledge"
	case KindReasoning:
		return "reasoning"
	case KindResponse:
		return "response"
	case KindStop:
		return "stop"
	case KindInfo:
		return "info"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Chunk is a single retrieved knowledge fragment.
type Chunk struct {
	Text     string            `json:"text"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Entity is a knowledge-graph node relevant to the question.
type Entity struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
}

// Relationship is a directed edge between two graph entities.
type Relationship struct {
	Source      string `json:"source"`
	Target      string `json:"target"`
	Description string `json:"description,omitempty"`
}

// GraphContext bundles the entities and relationships returned by the
// graph retriever for one question.
type GraphContext struct {
	Entities      []Entity       `json:"entities,omitempty"`
	Relationships []Relationship `json:"relationships,omitempty"`
}

// Empty reports whether the graph retriever found nothing.
func (g GraphContext) Empty() bool {
	return len(g.Entities) == 0 && len(g.Relationships) == 0
}

// ToolCall records one database query issued during the reasoning stage.
type ToolCall struct {
	ConnectionID string `json:"connectionId"`
	SQL          string `json:"sql"`
}

// ToolResult records the outcome of one ToolCall.
type ToolResult struct {
	ConnectionID string           `json:"connectionId"`
	Rows         []map[string]any `json:"rows,omitempty"`
	Err          string           `json:"error,omitempty"`
}

// Event is a single typed message flowing through the pipeline. Exactly the
// payload fields for its Kind are set; the rest stay zero.
type Event struct {
	Kind      Kind
	ID        uuid.UUID
	Timestamp time.Time

	// Start
	Question string
	History  []Message

	// Knowledge
	Chunks []Chunk
	Graph  GraphContext

	// Reasoning
	Analysis    string
	ToolCalls   []ToolCall
	ToolResults []ToolResult

	// Response / Info / Error / Stop
	Text    string
	Message string
	Result  string
}

// Message is one prior conversation turn supplied with a Start event.
type Message struct {
	Role string `json:"role"` // "user" or "assistant"
	Text string `json:"text"`
}

// Terminal reports whether the event ends its run.
func (e Event) Terminal() bool { return e.Kind == KindStop }

func base(k Kind) Event {
	return Event{Kind: k, ID: uuid.New(), Timestamp: time.Now()}
}

// NewStart creates the initial event for a run.
func NewStart(question string, history []Message) Event {
	e := base(KindStart)
	e.Question = question
	e.History = history
	return e
}

// NewPrep signals the end of input processing.
func NewPrep() Event { return base(KindPrep) }

// NewKnowledge carries merged retrieval results.
func NewKnowledge(chunks []Chunk, graph GraphContext) Event {
	e := base(KindKnowledge)
	e.Chunks = chunks
	e.Graph = graph
	return e
}

// NewReasoning carries routing analysis plus executed queries and results.
func NewReasoning(analysis string, calls []ToolCall, results []ToolResult) Event {
	e := base(KindReasoning)
	e.Analysis = analysis
	e.ToolCalls = calls
	e.ToolResults = results
	return e
}

// NewResponse carries one streamed text delta.
func NewResponse(delta string) Event {
	e := base(KindResponse)
	e.Text = delta
	return e
}

// NewStop terminates a run with its final result text.
func NewStop(result string) Event {
	e := base(KindStop)
	e.Result = result
	return e
}

// NewInfo creates an informational annotation.
func NewInfo(message string) Event {
	e := base(KindInfo)
	e.Message = message
	return e
}

// NewError creates an error annotation.
func NewError(message string) Event {
	e := base(KindError)
	e.Message = message
	return e
}
