// Package turn holds the mutable per-turn state shared across pipeline
// stages: a typed key/value context and the run record itself.
//
// A Context lives for exactly one pipeline run. Stages read and write it
// only at stage boundaries; fan-out branches inside a stage may read
// concurrently, so access is guarded by a mutex.
package turn

import (
	"sync"

	"github.com/quarrylabs/quarry/internal/event"
)

// Well-known context keys. Stages agree on these names; ad-hoc keys are
// allowed but typed accessors exist only for the ones below.
const (
	KeyQuestion        = "question"         // string: raw user question
	KeyRefinedQuestion = "refined_question" // string: condensed question
	KeyHistory         = "history"          // []event.Message
	KeyChunks          = "chunks"           // []event.Chunk
	KeyGraph           = "graph"            // event.GraphContext
	KeyDatabaseRows    = "database_rows"    // []event.ToolResult
	KeyManualConn      = "manual_connection" // string: user-named connection
	KeyRecentConns     = "recent_connections" // []string: connections used in prior turns
	KeyUserHandle      = "user_message"      // message placeholder handle
	KeyAssistantHandle = "assistant_message" // message placeholder handle
)

// Context is the per-run key/value store. The zero value is not usable;
// call NewContext.
type Context struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewContext creates an empty per-run context.
func NewContext() *Context {
	return &Context{values: make(map[string]any)}
}

// Value returns the raw value for key and whether it was set. There are no
// implicit defaults; callers must handle the missing case explicitly.
func (c *Context) Value(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// Set stores value under key, replacing any previous value.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// String returns the string stored under key. The found flag is false when
// the key is absent or holds a different type.
func (c *Context) String(key string) (string, bool) {
	v, ok := c.Value(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Strings returns the string slice stored under key.
func (c *Context) Strings(key string) ([]string, bool) {
	v, ok := c.Value(key)
	if !ok {
		return nil, false
	}
	s, ok := v.([]string)
	return s, ok
}

// Chunks returns the retrieved chunks stored under key.
func (c *Context) Chunks(key string) ([]event.Chunk, bool) {
	v, ok := c.Value(key)
	if !ok {
		return nil, false
	}
	s, ok := v.([]event.Chunk)
	return s, ok
}

// Graph returns the graph context stored under key.
func (c *Context) Graph(key string) (event.GraphContext, bool) {
	v, ok := c.Value(key)
	if !ok {
		return event.GraphContext{}, false
	}
	g, ok := v.(event.GraphContext)
	return g, ok
}

// History returns the conversation history stored under key.
func (c *Context) History(key string) ([]event.Message, bool) {
	v, ok := c.Value(key)
	if !ok {
		return nil, false
	}
	m, ok := v.([]event.Message)
	return m, ok
}

// Results returns the database query results stored under key.
func (c *Context) Results(key string) ([]event.ToolResult, bool) {
	v, ok := c.Value(key)
	if !ok {
		return nil, false
	}
	r, ok := v.([]event.ToolResult)
	return r, ok
}
