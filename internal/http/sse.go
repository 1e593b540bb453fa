package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hperssn/modtrack/internal/broadcast"
)

// streamEvents sends the full board, then every change, until the viewer
// disconnects. A viewer that falls behind has its stream closed and is
// expected to reconnect.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Subscribe before reading the snapshot so nothing committed in between
	// is lost; events older than the snapshot are ignored by revision.
	events, unsubscribe := s.events.Subscribe()
	defer unsubscribe()

	list, batch, err := s.engine.Resync(r.Context())
	if err != nil {
		s.respondFailure(w, r, "resync", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, ev := range []broadcast.Event{list, batch} {
		if err := writeEvent(w, ev); err != nil {
			return
		}
	}
	flusher.Flush()

	ping := time.NewTicker(s.keepAlive)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				s.logger.Debug("viewer write failed", "error", err)
				return
			}
			flusher.Flush()

		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, ev broadcast.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name(), data)
	return err
}
