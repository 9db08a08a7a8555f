package kernel

import (
	"fmt"
	"net/http"

	"github.com/manthysbr/forgeOS/internal/core/services"
)

// handleWorkOrderSSE streams one work order's lifecycle events.
// GET /v1/workorders/{id}/events
func (s *Server) handleWorkOrderSSE(w http.ResponseWriter, r *http.Request, id string) {
	if id == "" {
		http.Error(w, "missing work order id", http.StatusBadRequest)
		return
	}
	ch, unsub := s.eventBus.Subscribe(id)
	defer unsub()
	s.streamEvents(w, r, ch)
}

// handleBroadcastSSE streams every event in the system: all work orders
// plus the broadcast channel.
// GET /v1/events
func (s *Server) handleBroadcastSSE(w http.ResponseWriter, r *http.Request) {
	ch, unsub := s.eventBus.SubscribeGlobal()
	defer unsub()
	s.streamEvents(w, r, ch)
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, ch <-chan services.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, evt.Data)
			flusher.Flush()
		}
	}
}
