package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/bindevz/askgate/internal/api/middleware"
	"github.com/bindevz/askgate/pkg/models"
)

// Chat runs one orchestration turn.
// POST /api/v1/chat
//
// With "stream": true (the default) the response is a Server-Sent Events
// stream of ChatStreamEvent payloads ending in exactly one terminal event.
// With "stream": false the handler drains the stream and returns the final
// answer as a single JSON document.
func (h *Handlers) Chat(w http.ResponseWriter, r *http.Request) {
	h.chat(w, r, true)
}

// ChatSync runs one orchestration turn and always answers with a single
// JSON document, for callers that cannot consume SSE.
// POST /api/v1/chat/sync
func (h *Handlers) ChatSync(w http.ResponseWriter, r *http.Request) {
	h.chat(w, r, false)
}

func (h *Handlers) chat(w http.ResponseWriter, r *http.Request, allowStream bool) {
	req := models.ChatRequest{Stream: allowStream}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !allowStream {
		req.Stream = false
	}
	if req.Message == "" {
		respondError(w, http.StatusBadRequest, "message is required")
		return
	}

	ectx := middleware.GetExecContext(r.Context())
	ch := h.Orchestrator.Chat(r.Context(), ectx, &req)
	// Release the stream on every exit path, including an abandoned SSE
	// write; otherwise the pump goroutine outlives the request.
	defer ch.Close()

	if !req.Stream {
		h.chatBuffered(w, ch.Events())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range ch.Events() {
		data, _ := json.Marshal(ev)
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
			// Client went away; the turn context is tied to the request
			// context and will be cancelled with it.
			return
		}
		flusher.Flush()
	}
}

// chatBuffered collects the stream into one JSON response for callers
// that cannot consume SSE.
func (h *Handlers) chatBuffered(w http.ResponseWriter, events <-chan models.ChatStreamEvent) {
	var (
		toolCalls []string
		nudges    []string
		terminal  models.ChatStreamEvent
	)
	for ev := range events {
		switch ev.Type {
		case models.EventToolCall:
			toolCalls = append(toolCalls, ev.ToolName)
		case models.EventNudge:
			nudges = append(nudges, ev.Nudge)
		case models.EventFinal, models.EventError:
			terminal = ev
		}
	}

	if terminal.Type == models.EventError {
		status := http.StatusBadGateway
		switch terminal.Error.Code {
		case models.CodeTurnTimeout:
			status = http.StatusGatewayTimeout
		case models.CodeCancelled:
			status = 499 // client closed request
		case models.CodeInternal:
			status = http.StatusInternalServerError
		}
		respondJSON(w, status, map[string]any{"error": terminal.Error})
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"answer":     terminal.Final,
		"tool_calls": toolCalls,
		"nudges":     nudges,
	})
}
