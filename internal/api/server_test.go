package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/quarrylabs/quarry/internal/pipeline"
	"github.com/quarrylabs/quarry/internal/stream"
	"github.com/quarrylabs/quarry/internal/testutil"
)

var errTest = errors.New("model backend unavailable")

func newTestServer(t *testing.T, llm *testutil.MockLLM) *Server {
	t.Helper()

	p, err := pipeline.New(pipeline.Config{}, pipeline.Deps{
		LLM:      llm,
		Vector:   &testutil.MockVector{},
		Graph:    &testutil.MockGraph{},
		Messages: &testutil.MockMessages{},
		Logger:   testutil.DiscardLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}

	srv, err := NewServer(ServerConfig{
		Logger:   testutil.DiscardLogger(),
		Pipeline: p,
		IsDev:    true,
	})
	if err != nil {
		t.Fatal(err)
	}
	return srv
}

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	Type string
	Data string
}

// parseSSE splits an SSE body into its events.
func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.Type = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.Data = strings.TrimPrefix(line, "data: ")
			}
		}
		if ev.Type == "" && ev.Data == "" {
			t.Fatalf("malformed SSE block: %q", block)
		}
		events = append(events, ev)
	}
	return events
}

func TestHealth(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &testutil.MockLLM{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestReadiness_NoPool(t *testing.T) {
	t.Parallel()

	// Without a pool the readiness probe degrades to liveness.
	rec := httptest.NewRecorder()
	readiness(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestChatStream(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &testutil.MockLLM{StreamDeltas: []string{"Hello, ", "world"}})

	req := httptest.NewRequest(http.MethodPost, "/api/chat/stream",
		strings.NewReader(`{"question":"say hello"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content-type = %q", ct)
	}

	events := parseSSE(t, rec.Body.String())
	if len(events) == 0 {
		t.Fatal("no events on the wire")
	}

	var texts []string
	var sawResult bool
	for _, ev := range events {
		switch stream.Type(ev.Type) {
		case stream.TypeText:
			var p stream.TextPayload
			if err := json.Unmarshal([]byte(ev.Data), &p); err != nil {
				t.Fatal(err)
			}
			if p.Text == "" {
				t.Error("empty delta reached the wire")
			}
			texts = append(texts, p.Text)
		case stream.TypeData:
			var p map[string]any
			if err := json.Unmarshal([]byte(ev.Data), &p); err != nil {
				t.Fatal(err)
			}
			if result, ok := p["result"]; ok {
				sawResult = true
				if result != "Hello, world" {
					t.Errorf("result = %v", result)
				}
			}
		case stream.TypeError:
			t.Errorf("unexpected error event: %s", ev.Data)
		}
	}

	if strings.Join(texts, "") != "Hello, world" {
		t.Errorf("deltas = %v", texts)
	}
	if !sawResult {
		t.Error("no terminal result event")
	}

	// The final event must be the terminal result.
	if last := events[len(events)-1]; stream.Type(last.Type) != stream.TypeData {
		t.Errorf("last event = %s", last.Type)
	}
}

func TestChatStream_BadRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"question":`},
		{"missing question", `{}`},
		{"bad conversation id", `{"question":"hi","conversationId":"not-a-uuid"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := newTestServer(t, &testutil.MockLLM{})

			req := httptest.NewRequest(http.MethodPost, "/api/chat/stream", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)

			events := parseSSE(t, rec.Body.String())
			if len(events) != 1 || stream.Type(events[0].Type) != stream.TypeError {
				t.Fatalf("events = %v, want a single error event", events)
			}
		})
	}
}

func TestChatStream_FailedRunEmitsErrorEvent(t *testing.T) {
	t.Parallel()

	llm := &testutil.MockLLM{StreamErr: errTest}
	srv := newTestServer(t, llm)

	req := httptest.NewRequest(http.MethodPost, "/api/chat/stream",
		strings.NewReader(`{"question":"hi"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	events := parseSSE(t, rec.Body.String())
	var sawError bool
	for _, ev := range events {
		if stream.Type(ev.Type) == stream.TypeError {
			sawError = true
		}
	}
	if !sawError {
		t.Errorf("no error event for a failed run: %v", events)
	}
}

func TestWriteEvent(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	err := writeEvent(rec, rec, stream.TypeText, stream.TextPayload{Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}

	want := "event: text\ndata: {\"text\":\"hi\"}\n\n"
	if rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
	if !rec.Flushed {
		t.Error("writer not flushed")
	}
}

func TestWriteJSON(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusTeapot, map[string]string{"k": "v"})

	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %q", ct)
	}
	if rec.Header().Get("Content-Length") == "" {
		t.Error("no content-length")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing nosniff")
	}
}
