package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/quarrylabs/quarry/internal/event"
	"github.com/quarrylabs/quarry/internal/log"
	"github.com/quarrylabs/quarry/internal/pipeline"
	"github.com/quarrylabs/quarry/internal/stream"
)

// chatHandler streams pipeline runs over SSE.
//
// Endpoint:
//   - POST /api/chat/stream - Streaming chat (SSE - Server-Sent Events)
//
// Each internal event is translated to exactly one wire event; the wire
// types are the only shapes that ever cross this boundary.
type chatHandler struct {
	pipe   *pipeline.Pipeline
	logger log.Logger
}

// chatInput is the request body for POST /api/chat/stream.
type chatInput struct {
	ConversationID string          `json:"conversationId"`
	Question       string          `json:"question"`
	History        []event.Message `json:"history,omitempty"`
}

// maxHistoryMessages bounds client-supplied history before it reaches the
// pipeline's own token budget.
const maxHistoryMessages = 200

// stream handles SSE streaming chat requests.
func (h *chatHandler) stream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	var input chatInput
	r.Body = http.MaxBytesReader(w, r.Body, 1024*1024) // Limit request size to 1MB
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		_ = writeEvent(w, flusher, stream.TypeError, stream.ErrorPayload{
			Message: "invalid request body",
		})
		return
	}

	if input.Question == "" {
		_ = writeEvent(w, flusher, stream.TypeError, stream.ErrorPayload{Message: "question is required"})
		return
	}

	conversationID := uuid.New()
	if input.ConversationID != "" {
		parsed, err := uuid.Parse(input.ConversationID)
		if err != nil {
			_ = writeEvent(w, flusher, stream.TypeError, stream.ErrorPayload{Message: "conversationId must be a UUID"})
			return
		}
		conversationID = parsed
	}

	history := input.History
	if len(history) > maxHistoryMessages {
		history = history[len(history)-maxHistoryMessages:]
	}

	ctx := r.Context()
	handle := h.pipe.Run(ctx, conversationID, input.Question, history)
	h.logger.Debug("SSE stream started",
		"conversation_id", conversationID,
		"run_id", handle.Run().ID,
	)

	for ev := range handle.Events() {
		select {
		case <-ctx.Done():
			h.logger.Info("client disconnected", "run_id", handle.Run().ID)
			return
		default:
		}

		wire := stream.Translate(ev)

		// Empty deltas carry no information for the client.
		if tp, ok := wire.Payload.(stream.TextPayload); ok && tp.Text == "" {
			continue
		}

		if err := writeEvent(w, flusher, wire.Type, wire.Payload); err != nil {
			// Write failure usually means the connection closed.
			h.logger.Error("failed to write event", "run_id", handle.Run().ID, "err", err)
			return
		}
	}

	// The channel closing on cancellation without a Stop is already
	// handled above; Wait surfaces fatal errors that were also emitted
	// as wire error events, so only log here.
	if err := handle.Wait(); err != nil {
		h.logger.Warn("pipeline run failed",
			"run_id", handle.Run().ID,
			"status", handle.Run().Status,
			"error", err,
		)
		return
	}

	h.logger.Info("SSE stream completed",
		"run_id", handle.Run().ID,
		"status", handle.Run().Status,
	)
}

// writeEvent writes a single SSE event with JSON-encoded data.
// SSE format: "event: <type>\ndata: <json>\n\n"
func writeEvent(w io.Writer, flusher http.Flusher, eventType stream.Type, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, jsonData); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	flusher.Flush()
	return nil
}
