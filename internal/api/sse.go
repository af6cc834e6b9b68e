package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// heartbeatInterval is how long the feed stays silent before a heartbeat
// lets clients detect a dead connection.
const heartbeatInterval = 10 * time.Second

// GET /api/pulz/feed — server-sent event stream of live engine events.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	queue := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(queue)

	heartbeat := time.NewTimer(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event := <-queue:
			if err := writeSSE(w, event.Type, event.Data); err != nil {
				return
			}
			flusher.Flush()
			resetTimer(heartbeat, heartbeatInterval)
		case <-heartbeat.C:
			if err := writeSSE(w, "heartbeat", s.heartbeatPayload()); err != nil {
				return
			}
			flusher.Flush()
			heartbeat.Reset(heartbeatInterval)
		}
	}
}

func (s *Server) heartbeatPayload() map[string]any {
	queueSize := 0
	if items, err := s.store.ListQueue(); err == nil {
		queueSize = len(items)
	}
	return map[string]any{
		"running":    s.state.Running(),
		"time_left":  s.state.TimeLeft(),
		"queue_size": queueSize,
	}
}

// writeSSE frames one event as "event: <type>\ndata: <json>\n\n".
func writeSSE(w http.ResponseWriter, eventType string, data any) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, encoded)
	return err
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
