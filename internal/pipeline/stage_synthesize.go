package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/quarrylabs/quarry/internal/event"
	"github.com/quarrylabs/quarry/internal/turn"
)

// synthesize combines retrieved chunks, graph context, and database rows
// into one prompt and streams the model's answer. Each delta is forwarded
// immediately as a Response side event. A streaming failure or an empty
// final answer is fatal to the run.
func (p *Pipeline) synthesize(ctx context.Context, run *turn.Run, ev event.Event, emit func(event.Event)) (event.Event, error) {
	msgs := p.buildMessages(run, ev)

	sctx, cancel := context.WithTimeout(ctx, p.cfg.SynthesisTimeout)
	defer cancel()

	text, err := p.deps.LLM.Stream(sctx, msgs, func(_ context.Context, delta string) error {
		if delta != "" {
			emit(event.NewResponse(delta))
		}
		return nil
	})
	if err != nil {
		return event.Event{}, fmt.Errorf("streaming answer: %w", err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return event.Event{}, ErrEmptyAnswer
	}

	run.Answer = text
	p.logger.Debug("answer synthesized", "run_id", run.ID, "answer_len", len(text))

	// The deltas already carried the text; the chained event only moves
	// dispatch to finalization.
	return event.NewResponse(""), nil
}

// buildMessages assembles the synthesis conversation: a context block with
// everything the earlier stages gathered, the truncated history, and the
// question itself.
func (p *Pipeline) buildMessages(run *turn.Run, ev event.Event) []event.Message {
	var b strings.Builder
	b.WriteString("Answer the question using the context below. ")
	b.WriteString("If the context is insufficient, say so instead of guessing.\n")

	chunks, _ := run.Context.Chunks(turn.KeyChunks)
	if len(chunks) > 0 {
		b.WriteString("\n## Retrieved passages\n")
		b.WriteString(renderChunks(chunks))
	}

	graph, _ := run.Context.Graph(turn.KeyGraph)
	if !graph.Empty() {
		b.WriteString("\n## Knowledge graph\n")
		b.WriteString(renderGraph(graph))
	}

	if len(ev.ToolResults) > 0 {
		b.WriteString("\n## Database results\n")
		b.WriteString(renderResults(ev.ToolResults))
	}

	history, _ := run.Context.History(turn.KeyHistory)
	history = truncateHistory(history, p.cfg.HistoryTokenBudget)

	msgs := make([]event.Message, 0, len(history)+2)
	msgs = append(msgs, event.Message{Role: "user", Text: b.String()})
	msgs = append(msgs, history...)
	msgs = append(msgs, event.Message{Role: "user", Text: run.EffectiveQuestion()})
	return msgs
}

func renderChunks(chunks []event.Chunk) string {
	var b strings.Builder
	for i, c := range chunks {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, c.Text)
	}
	return b.String()
}

func renderGraph(g event.GraphContext) string {
	var b strings.Builder
	for _, e := range g.Entities {
		fmt.Fprintf(&b, "- %s", e.Name)
		if e.Description != "" {
			b.WriteString(": " + e.Description)
		}
		b.WriteString("\n")
	}
	for _, r := range g.Relationships {
		fmt.Fprintf(&b, "- %s -> %s", r.Source, r.Target)
		if r.Description != "" {
			b.WriteString(" (" + r.Description + ")")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func renderResults(results []event.ToolResult) string {
	var b strings.Builder
	for _, r := range results {
		if r.Err != "" {
			fmt.Fprintf(&b, "- %s: query failed\n", r.ConnectionID)
			continue
		}
		fmt.Fprintf(&b, "- %s: %d rows\n", r.ConnectionID, len(r.Rows))
		for i, row := range r.Rows {
			if i == maxRenderedRows {
				fmt.Fprintf(&b, "  ... %d more rows\n", len(r.Rows)-maxRenderedRows)
				break
			}
			fmt.Fprintf(&b, "  %v\n", row)
		}
	}
	return b.String()
}

// maxRenderedRows caps rows included verbatim in the synthesis prompt.
const maxRenderedRows = 20
