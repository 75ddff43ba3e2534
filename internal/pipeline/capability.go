package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/quarrylabs/quarry/internal/event"
	"github.com/quarrylabs/quarry/internal/router"
)

// Capability interfaces consumed by the pipeline. Interfaces are defined
// here, on the consumer side; implementations live in their own packages
// (internal/llm, internal/knowledge, internal/graph, internal/database,
// internal/message) and satisfy them implicitly.

// StreamFunc receives one text delta from a streaming completion. Returning
// an error aborts the stream.
type StreamFunc func(ctx context.Context, delta string) error

// LLM is the language-model capability.
type LLM interface {
	// Complete renders the named prompt template with vars and returns the
	// model's text.
	Complete(ctx context.Context, promptName string, vars map[string]any) (string, error)

	// Stream generates from a message sequence, invoking fn for each text
	// delta. The delta sequence is finite and not restartable. The full
	// text is returned after the stream completes.
	Stream(ctx context.Context, msgs []event.Message, fn StreamFunc) (string, error)
}

// VectorRetriever searches the vector index for chunks relevant to a query.
type VectorRetriever interface {
	Retrieve(ctx context.Context, query string) ([]event.Chunk, error)
}

// GraphRetriever traverses the knowledge graph for entities and
// relationships relevant to a query.
type GraphRetriever interface {
	Retrieve(ctx context.Context, query string) (event.GraphContext, error)
}

// QueryLimits bound a single database query issued by the reasoning stage.
type QueryLimits struct {
	MaxRows  int
	ReadOnly bool
}

// QueryError is returned by DatabaseConnector implementations. It
// identifies which connection failed so the failure can be annotated
// without aborting the run.
type QueryError struct {
	ConnectionID string
	Err          error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query on %s: %v", e.ConnectionID, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// DatabaseConnector executes one bounded query against a single configured
// connection. Read-only mode must be enforced when the limits say so.
type DatabaseConnector interface {
	Execute(ctx context.Context, sql string, limits QueryLimits) ([]map[string]any, error)
}

// SQLGenerator turns a natural-language question into SQL for one
// connection. How the SQL is produced is the implementation's business.
type SQLGenerator interface {
	Generate(ctx context.Context, question string, desc router.Descriptor) (string, error)
}

// MessageHandle identifies a persisted placeholder message.
type MessageHandle struct {
	ID uuid.UUID
}

// Valid reports whether the handle refers to a persisted message.
func (h MessageHandle) Valid() bool { return h.ID != uuid.Nil }

// Source is one provenance entry attached to a finalized answer.
type Source struct {
	Kind    string  `json:"kind"` // "chunk", "graph", "database"
	Ref     string  `json:"ref,omitempty"`
	Snippet string  `json:"snippet,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// StoreError is returned by MessageStore implementations.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("message store %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

// MessageStore persists chat messages for a run.
type MessageStore interface {
	// CreatePlaceholder writes an empty message row for the turn so the
	// message exists before the answer does.
	CreatePlaceholder(ctx context.Context, turnID uuid.UUID, role string) (MessageHandle, error)

	// Finalize fills a placeholder with content, sources, and metadata.
	Finalize(ctx context.Context, h MessageHandle, content string, sources []Source, metadata map[string]any) error

	// SetTitle stores a display title for the conversation, replacing any
	// existing one.
	SetTitle(ctx context.Context, conversationID uuid.UUID, title string) error
}
