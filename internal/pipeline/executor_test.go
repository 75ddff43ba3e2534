package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/quarrylabs/quarry/internal/event"
	"github.com/quarrylabs/quarry/internal/turn"
)

func newTestRun() *turn.Run {
	return turn.NewRun(uuid.New(), "question", nil)
}

func drain(h *RunHandle) []event.Event {
	var evs []event.Event
	for ev := range h.Events() {
		evs = append(evs, ev)
	}
	return evs
}

func TestExecutor_DispatchOrder(t *testing.T) {
	t.Parallel()

	var visited []string
	record := func(name string, next event.Event) StageFunc {
		return func(context.Context, *turn.Run, event.Event, func(event.Event)) (event.Event, error) {
			visited = append(visited, name)
			return next, nil
		}
	}

	exec := NewExecutor(map[event.Kind]StageFunc{
		event.KindStart: record("start", event.NewPrep()),
		event.KindPrep:  record("prep", event.NewStop("done")),
	}, nil, nil)

	h := exec.Start(context.Background(), newTestRun(), event.NewStart("q", nil))
	evs := drain(h)
	if err := h.Wait(); err != nil {
		t.Fatal(err)
	}

	if len(visited) != 2 || visited[0] != "start" || visited[1] != "prep" {
		t.Errorf("visited = %v", visited)
	}
	if len(evs) != 2 || evs[0].Kind != event.KindPrep || evs[1].Kind != event.KindStop {
		t.Fatalf("events = %v", evs)
	}
	if evs[1].Result != "done" {
		t.Errorf("stop result = %q", evs[1].Result)
	}
}

func TestExecutor_ExactlyOneStop(t *testing.T) {
	t.Parallel()

	exec := NewExecutor(map[event.Kind]StageFunc{
		event.KindStart: func(context.Context, *turn.Run, event.Event, func(event.Event)) (event.Event, error) {
			return event.NewStop("x"), nil
		},
	}, nil, nil)

	h := exec.Start(context.Background(), newTestRun(), event.NewStart("q", nil))
	evs := drain(h)

	stops := 0
	for _, ev := range evs {
		if ev.Kind == event.KindStop {
			stops++
		}
	}
	if stops != 1 {
		t.Errorf("stop events = %d, want exactly 1", stops)
	}
}

func TestExecutor_SideEventsPrecedeChained(t *testing.T) {
	t.Parallel()

	exec := NewExecutor(map[event.Kind]StageFunc{
		event.KindStart: func(_ context.Context, _ *turn.Run, _ event.Event, emit func(event.Event)) (event.Event, error) {
			emit(event.NewInfo("first"))
			emit(event.NewInfo("second"))
			return event.NewPrep(), nil
		},
		event.KindPrep: func(context.Context, *turn.Run, event.Event, func(event.Event)) (event.Event, error) {
			return event.NewStop(""), nil
		},
	}, nil, nil)

	h := exec.Start(context.Background(), newTestRun(), event.NewStart("q", nil))
	evs := drain(h)

	want := []event.Kind{event.KindInfo, event.KindInfo, event.KindPrep, event.KindStop}
	if len(evs) != len(want) {
		t.Fatalf("events = %v", evs)
	}
	for i, k := range want {
		if evs[i].Kind != k {
			t.Errorf("event[%d] = %s, want %s", i, evs[i].Kind, k)
		}
	}
	if evs[0].Message != "first" || evs[1].Message != "second" {
		t.Errorf("annotations out of order: %q, %q", evs[0].Message, evs[1].Message)
	}
}

func TestExecutor_NoHandler(t *testing.T) {
	t.Parallel()

	var fatalCalled bool
	exec := NewExecutor(map[event.Kind]StageFunc{}, func(context.Context, *turn.Run, error) {
		fatalCalled = true
	}, nil)

	run := newTestRun()
	h := exec.Start(context.Background(), run, event.NewStart("q", nil))
	evs := drain(h)

	if err := h.Wait(); !errors.Is(err, ErrNoHandler) {
		t.Fatalf("err = %v, want ErrNoHandler", err)
	}
	if len(evs) != 2 || evs[0].Kind != event.KindError || evs[1].Kind != event.KindStop {
		t.Fatalf("events = %v, want [error stop]", evs)
	}
	if run.Status != turn.StatusError {
		t.Errorf("status = %s", run.Status)
	}
	// Missing handlers indicate inconsistent state; the run aborts without
	// finalization.
	if fatalCalled {
		t.Error("onFatal invoked for a dispatch table error")
	}
}

func TestExecutor_StageErrorInvokesFatal(t *testing.T) {
	t.Parallel()

	stageErr := errors.New("stage blew up")
	var gotCause error
	exec := NewExecutor(map[event.Kind]StageFunc{
		event.KindStart: func(context.Context, *turn.Run, event.Event, func(event.Event)) (event.Event, error) {
			return event.Event{}, stageErr
		},
	}, func(_ context.Context, _ *turn.Run, cause error) {
		gotCause = cause
	}, nil)

	h := exec.Start(context.Background(), newTestRun(), event.NewStart("q", nil))
	evs := drain(h)

	if err := h.Wait(); !errors.Is(err, stageErr) {
		t.Fatalf("err = %v", err)
	}
	if !errors.Is(gotCause, stageErr) {
		t.Errorf("onFatal cause = %v", gotCause)
	}
	if len(evs) != 2 || evs[0].Kind != event.KindError || evs[1].Kind != event.KindStop {
		t.Fatalf("events = %v, want [error stop]", evs)
	}
}

func TestExecutor_CancelledBeforeStart(t *testing.T) {
	t.Parallel()

	var fatalCalled bool
	exec := NewExecutor(map[event.Kind]StageFunc{
		event.KindStart: func(context.Context, *turn.Run, event.Event, func(event.Event)) (event.Event, error) {
			return event.NewStop(""), nil
		},
	}, func(context.Context, *turn.Run, error) {
		fatalCalled = true
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run := newTestRun()
	h := exec.Start(ctx, run, event.NewStart("q", nil))
	evs := drain(h)

	if err := h.Wait(); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if len(evs) != 0 {
		t.Errorf("events = %v, want none after cancellation", evs)
	}
	if fatalCalled {
		t.Error("cancellation must not finalize")
	}
	if run.Status != turn.StatusError {
		t.Errorf("status = %s", run.Status)
	}
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"ab", 1},
		{"hello world!", 6},
	}
	for _, tt := range tests {
		if got := estimateTokens(tt.text); got != tt.want {
			t.Errorf("estimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestTruncateHistory(t *testing.T) {
	t.Parallel()

	msg := func(text string) event.Message {
		return event.Message{Role: "user", Text: text}
	}

	// Each message estimates to 5 tokens.
	msgs := []event.Message{msg("aaaaaaaaaa"), msg("bbbbbbbbbb"), msg("cccccccccc")}

	t.Run("fits untouched", func(t *testing.T) {
		t.Parallel()
		got := truncateHistory(msgs, 15)
		if len(got) != 3 {
			t.Errorf("len = %d, want 3", len(got))
		}
	})

	t.Run("drops oldest first", func(t *testing.T) {
		t.Parallel()
		got := truncateHistory(msgs, 10)
		if len(got) != 2 || got[0].Text != "bbbbbbbbbb" {
			t.Errorf("got = %v", got)
		}
	})

	t.Run("drops everything when budget too small", func(t *testing.T) {
		t.Parallel()
		got := truncateHistory(msgs, 4)
		if len(got) != 0 {
			t.Errorf("got = %v", got)
		}
	})

	t.Run("empty history", func(t *testing.T) {
		t.Parallel()
		if got := truncateHistory(nil, 100); len(got) != 0 {
			t.Errorf("got = %v", got)
		}
	})
}
