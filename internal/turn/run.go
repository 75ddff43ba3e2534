package turn

import (
	"time"

	"github.com/google/uuid"

	"github.com/quarrylabs/quarry/internal/event"
)

// Status is the terminal status of a pipeline run.
type Status string

const (
	// StatusCompleted means the run produced and persisted an answer.
	StatusCompleted Status = "completed"
	// StatusClarification means the run short-circuited to ask the user
	// for more detail instead of answering.
	StatusClarification Status = "clarification-requested"
	// StatusError means the run aborted.
	StatusError Status = "error"
)

// Run is the logical unit of work for one user turn. It owns the Context
// for the duration of the run; both are discarded after finalization.
type Run struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	StartedAt      time.Time

	Question string
	History  []event.Message

	Context *Context

	// Populated as stages complete.
	RefinedQuestion string
	Answer          string
	Status          Status
}

// NewRun creates a run for one incoming user message with a fresh Context.
func NewRun(conversationID uuid.UUID, question string, history []event.Message) *Run {
	r := &Run{
		ID:             uuid.New(),
		ConversationID: conversationID,
		StartedAt:      time.Now(),
		Question:       question,
		History:        history,
		Context:        NewContext(),
	}
	r.Context.Set(KeyQuestion, question)
	r.Context.Set(KeyHistory, history)
	return r
}

// EffectiveQuestion returns the refined question when input processing
// produced one, otherwise the raw question.
func (r *Run) EffectiveQuestion() string {
	if q, ok := r.Context.String(KeyRefinedQuestion); ok && q != "" {
		return q
	}
	return r.Question
}
