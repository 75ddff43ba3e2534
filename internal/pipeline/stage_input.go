package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/quarrylabs/quarry/internal/event"
	"github.com/quarrylabs/quarry/internal/turn"
)

// ErrEmptyQuestion means the incoming question was blank after trimming.
var ErrEmptyQuestion = errors.New("question is empty")

// maxQuestionRunes bounds the accepted question length.
const maxQuestionRunes = 8000

// input validates the question, stores it with the history in the turn
// context, creates the placeholder messages, and optionally condenses a
// follow-up question against the conversation history.
func (p *Pipeline) input(ctx context.Context, run *turn.Run, ev event.Event, emit func(event.Event)) (event.Event, error) {
	question := strings.TrimSpace(ev.Question)
	if question == "" {
		return event.Event{}, ErrEmptyQuestion
	}
	if runes := []rune(question); len(runes) > maxQuestionRunes {
		question = string(runes[:maxQuestionRunes])
		emit(event.NewInfo("question truncated to maximum length"))
	}

	run.Context.Set(turn.KeyQuestion, question)
	run.Context.Set(turn.KeyHistory, ev.History)

	// Placeholder rows make the turn visible before the answer exists.
	// Failure degrades: the run still answers, it just cannot persist.
	p.createPlaceholders(ctx, run, emit)

	if p.cfg.RefineQuestion && len(ev.History) > 0 {
		p.condense(ctx, run, question, ev.History, emit)
	}

	return event.NewPrep(), nil
}

// createPlaceholders writes the user and assistant placeholder messages.
func (p *Pipeline) createPlaceholders(ctx context.Context, run *turn.Run, emit func(event.Event)) {
	sctx, cancel := p.callTimeout(ctx)
	defer cancel()

	userHandle, err := p.deps.Messages.CreatePlaceholder(sctx, run.ID, "user")
	if err != nil {
		p.logger.Warn("creating user placeholder", "run_id", run.ID, "error", err)
		emit(event.NewInfo("message persistence unavailable for this turn"))
		return
	}
	run.Context.Set(turn.KeyUserHandle, userHandle)

	assistantHandle, err := p.deps.Messages.CreatePlaceholder(sctx, run.ID, "assistant")
	if err != nil {
		p.logger.Warn("creating assistant placeholder", "run_id", run.ID, "error", err)
		emit(event.NewInfo("message persistence unavailable for this turn"))
		return
	}
	run.Context.Set(turn.KeyAssistantHandle, assistantHandle)
}

// condense rewrites a follow-up question into a standalone one. Failure
// keeps the raw question.
func (p *Pipeline) condense(ctx context.Context, run *turn.Run, question string, history []event.Message, emit func(event.Event)) {
	sctx, cancel := p.callTimeout(ctx)
	defer cancel()

	refined, err := p.deps.LLM.Complete(sctx, PromptCondense, map[string]any{
		"question": question,
		"history":  formatHistory(history),
	})
	if err != nil {
		p.logger.Debug("question condensation failed", "run_id", run.ID, "error", err)
		emit(event.NewInfo("question refinement unavailable, using the question as asked"))
		return
	}

	refined = strings.TrimSpace(refined)
	if refined == "" || refined == question {
		return
	}
	run.RefinedQuestion = refined
	run.Context.Set(turn.KeyRefinedQuestion, refined)
	p.logger.Debug("condensed question", "run_id", run.ID, "refined_len", len(refined))
}

// formatHistory renders prior turns for prompt templates.
func formatHistory(history []event.Message) string {
	var b strings.Builder
	for _, m := range history {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Text)
		b.WriteString("\n")
	}
	return b.String()
}
