package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"mandi.org/internal/stream"
)

// handleStepUpEvents streams the caller's prompt changes as Server-Sent Events.
// The open prompt, if any, is sent first.
func (a *API) handleStepUpEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.events == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	ch := a.events.Subscribe(ctx, s.Identity())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	_, _ = w.Write([]byte(": stream started\n\n"))
	if b := s.Broker(); b != nil {
		if pending, open := b.Pending(); open {
			writeEvent(w, stream.Event{Type: stream.PromptOpened, UserID: s.Identity(), Prompt: pending, Timestamp: pending.IssuedAt})
		}
	}
	flusher.Flush()

	for event := range ch {
		writeEvent(w, event)
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, event stream.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("event: " + event.Type + "\n"))
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n\n"))
}
