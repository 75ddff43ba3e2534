package pipeline

import (
	"context"

	"github.com/quarrylabs/quarry/internal/event"
	"github.com/quarrylabs/quarry/internal/turn"
)

// knowledge fans out vector and graph retrieval concurrently and joins
// both before proceeding. Either branch failing degrades to an empty
// result plus an Info annotation; a failed branch never cancels the other
// and never aborts the run.
func (p *Pipeline) knowledge(ctx context.Context, run *turn.Run, _ event.Event, emit func(event.Event)) (event.Event, error) {
	query := run.EffectiveQuestion()

	type vectorResult struct {
		chunks []event.Chunk
		err    error
	}
	type graphResult struct {
		graph event.GraphContext
		err   error
	}

	// Buffered channels so a branch can finish even if the join already
	// moved on after cancellation.
	vectorCh := make(chan vectorResult, 1)
	graphCh := make(chan graphResult, 1)

	go func() {
		sctx, cancel := p.callTimeout(ctx)
		defer cancel()
		chunks, err := p.deps.Vector.Retrieve(sctx, query)
		vectorCh <- vectorResult{chunks, err}
	}()

	go func() {
		sctx, cancel := p.callTimeout(ctx)
		defer cancel()
		graph, err := p.deps.Graph.Retrieve(sctx, query)
		graphCh <- graphResult{graph, err}
	}()

	vr := <-vectorCh
	gr := <-graphCh

	var chunks []event.Chunk
	if vr.err != nil {
		p.logger.Warn("vector retrieval failed", "run_id", run.ID, "error", vr.err)
		emit(event.NewInfo("document search unavailable, answering without retrieved passages"))
	} else {
		chunks = vr.chunks
	}

	var graph event.GraphContext
	if gr.err != nil {
		p.logger.Warn("graph retrieval failed", "run_id", run.ID, "error", gr.err)
		emit(event.NewInfo("knowledge graph unavailable, answering without graph context"))
	} else {
		graph = gr.graph
	}

	run.Context.Set(turn.KeyChunks, chunks)
	run.Context.Set(turn.KeyGraph, graph)

	p.logger.Debug("knowledge retrieved",
		"run_id", run.ID,
		"chunks", len(chunks),
		"entities", len(graph.Entities),
		"relationships", len(graph.Relationships),
	)

	return event.NewKnowledge(chunks, graph), nil
}
