package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// StreamSSE handles GET /api/v1/jobs/{id}/sse.
// It streams server-sent events for the job until it completes or the client disconnects.
func (h *Handler) StreamSSE(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONStatus(w, http.StatusInternalServerError, false, "streaming not supported", nil)
		return
	}

	id := r.PathValue("id")

	// Subscribe before reading the snapshot so no transition falls between them.
	ch := h.queue.Subscribe(id)
	defer h.queue.Unsubscribe(id, ch)

	j, err := h.queue.Get(r.Context(), userID, id)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// If already terminal, send the result event and close immediately.
	if j.Status.IsTerminal() {
		writeSSEEvent(w, flusher, "result", j)
		return
	}

	// Send the current status so the client has an initial state.
	writeSSEEvent(w, flusher, "status", j)

	for {
		select {
		case event, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Event, event.Data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEEvent serialises data as JSON and writes a single SSE event frame.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}
