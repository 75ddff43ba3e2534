package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/quarrylabs/quarry/internal/event"
	"github.com/quarrylabs/quarry/internal/router"
	"github.com/quarrylabs/quarry/internal/turn"
)

// answerableMarker is the exact reply the clarify prompt instructs the
// model to produce when the question needs no clarification.
const answerableMarker = "ANSWERABLE"

// reason runs the configuration-gated middle of the pipeline: the
// clarification check, then database routing and query execution. A
// clarification request short-circuits straight to Stop; every routing or
// query failure degrades with an annotation.
func (p *Pipeline) reason(ctx context.Context, run *turn.Run, _ event.Event, emit func(event.Event)) (event.Event, error) {
	if p.cfg.ClarifyCheck {
		if msg, needed := p.clarification(ctx, run, emit); needed {
			run.Status = turn.StatusClarification
			run.Answer = msg
			p.persistShortCircuit(ctx, run, msg)
			return event.NewStop(msg), nil
		}
	}

	if !p.cfg.DatabaseRouting {
		return event.NewReasoning("", nil, nil), nil
	}

	if len(p.cfg.Descriptors) == 0 {
		// Configuration error, degradable: proceed without augmentation.
		emit(event.NewInfo("database routing enabled but no connections configured"))
		return event.NewReasoning("", nil, nil), nil
	}

	decision := p.route(ctx, run)
	run.Context.Set("routing_decision", decision)

	calls, results := p.executeQueries(ctx, run, decision, emit)
	run.Context.Set(turn.KeyDatabaseRows, results)
	p.rememberConnections(run, decision)

	return event.NewReasoning(routingSummary(decision), calls, results), nil
}

// clarification asks the model whether the question is answerable. A
// failed check degrades to "answerable" so the pipeline keeps moving.
func (p *Pipeline) clarification(ctx context.Context, run *turn.Run, emit func(event.Event)) (string, bool) {
	sctx, cancel := p.callTimeout(ctx)
	defer cancel()

	chunks, _ := run.Context.Chunks(turn.KeyChunks)
	reply, err := p.deps.LLM.Complete(sctx, PromptClarify, map[string]any{
		"question": run.EffectiveQuestion(),
		"context":  renderChunks(chunks),
	})
	if err != nil {
		p.logger.Debug("clarification check failed", "run_id", run.ID, "error", err)
		emit(event.NewInfo("answerability check unavailable, proceeding"))
		return "", false
	}

	reply = strings.TrimSpace(reply)
	if reply == "" || strings.EqualFold(reply, answerableMarker) {
		return "", false
	}
	p.logger.Debug("clarification requested", "run_id", run.ID)
	return reply, true
}

// persistShortCircuit stores the clarification message as the assistant's
// content since finalization is skipped on this path. Best-effort.
func (p *Pipeline) persistShortCircuit(ctx context.Context, run *turn.Run, msg string) {
	handle, ok := run.Context.Value(turn.KeyAssistantHandle)
	if !ok {
		return
	}
	mh, ok := handle.(MessageHandle)
	if !ok || !mh.Valid() {
		return
	}

	sctx, cancel := p.callTimeout(ctx)
	defer cancel()
	err := p.deps.Messages.Finalize(sctx, mh, msg, nil, map[string]any{
		"status": string(turn.StatusClarification),
	})
	if err != nil {
		p.logger.Warn("persisting clarification", "run_id", run.ID, "error", err)
	}
}

// route invokes the router with signals captured from the turn context.
func (p *Pipeline) route(ctx context.Context, run *turn.Run) router.Decision {
	sig := router.Signals{}
	if manual, ok := run.Context.String(turn.KeyManualConn); ok {
		sig.ManualConnection = manual
	}
	if recent, ok := run.Context.Strings(turn.KeyRecentConns); ok {
		sig.RecentConnections = recent
	}

	sctx, cancel := p.callTimeout(ctx)
	defer cancel()
	decision := p.deps.Router.Route(sctx, run.EffectiveQuestion(), p.cfg.Descriptors, sig)
	p.logger.Debug("routing decision",
		"run_id", run.ID,
		"strategy", string(decision.Strategy),
		"selected", len(decision.Selected),
		"fell_back", decision.FellBack,
	)
	return decision
}

// executeQueries generates and runs one bounded, read-only query per
// selected connection. Each failure is annotated and recorded as a failed
// tool result; none aborts the run.
func (p *Pipeline) executeQueries(ctx context.Context, run *turn.Run, decision router.Decision, emit func(event.Event)) ([]event.ToolCall, []event.ToolResult) {
	var calls []event.ToolCall
	var results []event.ToolResult

	for _, sel := range decision.Selected {
		desc, ok := p.descriptor(sel.ConnectionID)
		if !ok {
			continue
		}
		connector, ok := p.deps.Connectors[sel.ConnectionID]
		if !ok {
			emit(event.NewError(fmt.Sprintf("no connector for database %s", sel.ConnectionID)))
			results = append(results, event.ToolResult{ConnectionID: sel.ConnectionID, Err: "connector not configured"})
			continue
		}

		sql, err := p.generateSQL(ctx, run, desc)
		if err != nil {
			p.logger.Warn("sql generation failed", "run_id", run.ID, "connection", desc.ID, "error", err)
			emit(event.NewError(fmt.Sprintf("could not build a query for %s", desc.ID)))
			results = append(results, event.ToolResult{ConnectionID: desc.ID, Err: err.Error()})
			continue
		}
		calls = append(calls, event.ToolCall{ConnectionID: desc.ID, SQL: sql})

		rows, err := p.runQuery(ctx, connector, desc, sql)
		if err != nil {
			p.logger.Warn("database query failed", "run_id", run.ID, "connection", desc.ID, "error", err)
			emit(event.NewError(fmt.Sprintf("query against %s failed", desc.ID)))
			results = append(results, event.ToolResult{ConnectionID: desc.ID, Err: err.Error()})
			continue
		}
		results = append(results, event.ToolResult{ConnectionID: desc.ID, Rows: rows})
	}
	return calls, results
}

func (p *Pipeline) generateSQL(ctx context.Context, run *turn.Run, desc router.Descriptor) (string, error) {
	sctx, cancel := p.callTimeout(ctx)
	defer cancel()
	return p.deps.SQLGen.Generate(sctx, run.EffectiveQuestion(), desc)
}

func (p *Pipeline) runQuery(ctx context.Context, connector DatabaseConnector, desc router.Descriptor, sql string) ([]map[string]any, error) {
	sctx, cancel := p.callTimeout(ctx)
	defer cancel()
	return connector.Execute(sctx, sql, QueryLimits{
		MaxRows:  p.cfg.MaxQueryRows,
		ReadOnly: desc.ReadOnly,
	})
}

func (p *Pipeline) descriptor(id string) (router.Descriptor, bool) {
	for _, d := range p.cfg.Descriptors {
		if d.ID == id {
			return d, true
		}
	}
	return router.Descriptor{}, false
}

// rememberConnections records queried connections for the contextual
// strategy in later turns of the same conversation.
func (p *Pipeline) rememberConnections(run *turn.Run, decision router.Decision) {
	if len(decision.Selected) == 0 {
		return
	}
	recent, _ := run.Context.Strings(turn.KeyRecentConns)
	for _, sel := range decision.Selected {
		recent = append(recent, sel.ConnectionID)
	}
	run.Context.Set(turn.KeyRecentConns, recent)
}

func routingSummary(d router.Decision) string {
	if len(d.Selected) == 0 {
		return "no databases selected"
	}
	ids := make([]string, len(d.Selected))
	for i, sel := range d.Selected {
		ids[i] = fmt.Sprintf("%s (%.2f)", sel.ConnectionID, sel.Score)
	}
	summary := "querying " + strings.Join(ids, ", ")
	if d.FellBack {
		summary += " via fallback"
	}
	return summary
}
