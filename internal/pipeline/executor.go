package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/quarrylabs/quarry/internal/event"
	"github.com/quarrylabs/quarry/internal/turn"
)

// Sentinel errors for executor failures.
var (
	// ErrNoHandler means an event kind reached dispatch with no registered
	// stage. This is an internal error: the run aborts without
	// finalization because pipeline state is inconsistent.
	ErrNoHandler = errors.New("no handler registered for event kind")

	// ErrEmptyAnswer means synthesis completed but produced no text.
	ErrEmptyAnswer = errors.New("model produced an empty answer")
)

// eventBuffer bounds the per-run output channel. Synthesis deltas arrive in
// bursts; the consumer (SSE writer or test) drains concurrently.
const eventBuffer = 64

// StageFunc is one pipeline stage. It consumes the current event, may emit
// side events (annotations, streaming deltas) during execution, and returns
// the next event to dispatch. A returned error is fatal to the run;
// degradable conditions are reported through emit and absorbed by the stage.
type StageFunc func(ctx context.Context, run *turn.Run, ev event.Event, emit func(event.Event)) (event.Event, error)

// FatalFunc is invoked on fatal stage errors, before the terminal event, to
// persist the failure as the assistant's content. Best-effort.
type FatalFunc func(ctx context.Context, run *turn.Run, cause error)

// Executor drives one run at a time through a static, read-only kind →
// stage table. The table is shared safely across concurrent runs; all
// per-run state lives in the Run and its handle.
type Executor struct {
	handlers map[event.Kind]StageFunc
	onFatal  FatalFunc
	logger   *slog.Logger
}

// NewExecutor creates an executor over a static handler table. onFatal may
// be nil; logger may be nil.
func NewExecutor(handlers map[event.Kind]StageFunc, onFatal FatalFunc, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{handlers: handlers, onFatal: onFatal, logger: logger}
}

// RunHandle exposes one run's event sequence to its caller.
type RunHandle struct {
	run    *turn.Run
	events chan event.Event
	done   chan struct{}
	err    error
}

// Events returns the ordered stream of events produced by the run. The
// channel is closed when the run terminates or is cancelled.
func (h *RunHandle) Events() <-chan event.Event { return h.events }

// Wait blocks until the run terminates and returns its fatal error, if any.
// Events must be drained concurrently or the run may block on its buffer.
func (h *RunHandle) Wait() error {
	<-h.done
	return h.err
}

// Run returns the underlying run record. Valid to inspect after Wait.
func (h *RunHandle) Run() *turn.Run { return h.run }

// send forwards ev to the consumer, giving up when the run is cancelled.
func (h *RunHandle) send(ctx context.Context, ev event.Event) bool {
	select {
	case h.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Start begins a run with the given initial event and returns immediately.
// The run advances on its own goroutine; consume the handle's events.
func (e *Executor) Start(ctx context.Context, run *turn.Run, initial event.Event) *RunHandle {
	h := &RunHandle{
		run:    run,
		events: make(chan event.Event, eventBuffer),
		done:   make(chan struct{}),
	}
	go e.drive(ctx, run, initial, h)
	return h
}

// drive is the dispatch loop: look up the stage for the current event's
// kind, execute it, forward the produced event, repeat until Stop. Exactly
// one Stop is delivered per completed run; a cancelled run delivers none
// and never reaches finalization.
func (e *Executor) drive(ctx context.Context, run *turn.Run, initial event.Event, h *RunHandle) {
	defer close(h.done)
	defer close(h.events)

	ev := initial
	for {
		if ctx.Err() != nil {
			h.err = ctx.Err()
			run.Status = turn.StatusError
			e.logger.Debug("run cancelled", "run_id", run.ID, "stage", ev.Kind.String())
			return
		}

		if ev.Terminal() {
			h.send(ctx, ev)
			return
		}

		handler, ok := e.handlers[ev.Kind]
		if !ok {
			// Inconsistent dispatch table: abort without finalization.
			h.err = fmt.Errorf("%w: %s", ErrNoHandler, ev.Kind)
			run.Status = turn.StatusError
			e.logger.Error("internal pipeline error", "run_id", run.ID, "kind", ev.Kind.String())
			h.send(ctx, event.NewError(h.err.Error()))
			h.send(ctx, event.NewStop(""))
			return
		}

		next, err := handler(ctx, run, ev, func(se event.Event) {
			h.send(ctx, se)
		})
		if err != nil {
			h.err = err
			run.Status = turn.StatusError
			e.logger.Warn("stage failed", "run_id", run.ID, "stage", ev.Kind.String(), "error", err)
			h.send(ctx, event.NewError(err.Error()))
			if e.onFatal != nil && ctx.Err() == nil {
				e.onFatal(ctx, run, err)
			}
			h.send(ctx, event.NewStop(""))
			return
		}

		// Chained events are forwarded as progress before the next stage
		// runs, keeping cross-stage ordering intact. Terminal events are
		// sent once, at the top of the loop.
		if !next.Terminal() {
			if !h.send(ctx, next) {
				h.err = ctx.Err()
				run.Status = turn.StatusError
				return
			}
		}
		ev = next
	}
}
