package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/quarrylabs/quarry/internal/event"
	"github.com/quarrylabs/quarry/internal/router"
	"github.com/quarrylabs/quarry/internal/turn"
)

// finalize persists the answer with its sources and metadata, then
// terminates the run. A store failure here is fatal: the turn must never
// end with the answer visible on the wire but missing from the record.
func (p *Pipeline) finalize(ctx context.Context, run *turn.Run, _ event.Event, _ func(event.Event)) (event.Event, error) {
	handle, ok := run.Context.Value(turn.KeyAssistantHandle)
	if ok {
		mh, isHandle := handle.(MessageHandle)
		if isHandle && mh.Valid() {
			sctx, cancel := p.callTimeout(ctx)
			defer cancel()
			err := p.deps.Messages.Finalize(sctx, mh, run.Answer, p.collectSources(run), p.metadata(run))
			if err != nil {
				return event.Event{}, fmt.Errorf("finalizing message: %w", err)
			}
		}
	} else {
		// Placeholder creation degraded earlier; nothing to persist.
		p.logger.Warn("no assistant placeholder, answer not persisted", "run_id", run.ID)
	}

	if p.cfg.GenerateTitle && len(run.History) == 0 {
		p.titleConversation(ctx, run)
	}

	run.Status = turn.StatusCompleted
	p.logger.Info("run completed", "run_id", run.ID, "answer_len", len(run.Answer))
	return event.NewStop(run.Answer), nil
}

// titleConversation names a fresh conversation from its first exchange.
// Best-effort: a failed or empty title leaves the conversation unnamed.
func (p *Pipeline) titleConversation(ctx context.Context, run *turn.Run) {
	sctx, cancel := p.callTimeout(ctx)
	defer cancel()

	title, err := p.deps.LLM.Complete(sctx, PromptTitle, map[string]any{
		"question": run.EffectiveQuestion(),
		"answer":   run.Answer,
	})
	if err != nil {
		p.logger.Warn("generating conversation title", "run_id", run.ID, "error", err)
		return
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return
	}
	if err := p.deps.Messages.SetTitle(sctx, run.ConversationID, title); err != nil {
		p.logger.Warn("storing conversation title", "run_id", run.ID, "error", err)
	}
}

// collectSources gathers provenance from every subsystem that contributed
// to the answer.
func (p *Pipeline) collectSources(run *turn.Run) []Source {
	var sources []Source

	chunks, _ := run.Context.Chunks(turn.KeyChunks)
	for _, c := range chunks {
		sources = append(sources, Source{
			Kind:    "chunk",
			Ref:     c.Metadata["source"],
			Snippet: snippet(c.Text),
			Score:   c.Score,
		})
	}

	graph, _ := run.Context.Graph(turn.KeyGraph)
	for _, e := range graph.Entities {
		sources = append(sources, Source{Kind: "graph", Ref: e.Name})
	}

	results, _ := run.Context.Results(turn.KeyDatabaseRows)
	for _, r := range results {
		if r.Err == "" {
			sources = append(sources, Source{Kind: "database", Ref: r.ConnectionID})
		}
	}
	return sources
}

func (p *Pipeline) metadata(run *turn.Run) map[string]any {
	meta := map[string]any{
		"status":   string(turn.StatusCompleted),
		"question": run.Question,
	}
	if run.RefinedQuestion != "" {
		meta["refined_question"] = run.RefinedQuestion
	}
	if v, ok := run.Context.Value("routing_decision"); ok {
		if d, isDecision := v.(router.Decision); isDecision {
			meta["routing"] = d
		}
	}
	return meta
}

// snippetRunes bounds stored source snippets.
const snippetRunes = 200

func snippet(s string) string {
	runes := []rune(s)
	if len(runes) <= snippetRunes {
		return s
	}
	return string(runes[:snippetRunes]) + "..."
}
