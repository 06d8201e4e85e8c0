package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const sseKeepAlive = 15 * time.Second

// EventsHandler streams positions as Server-Sent Events. The optional
// "mmsi" query parameter limits the stream to one vessel.
func EventsHandler(b *PositionBroadcaster) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if b == nil {
			http.Error(w, "events unavailable", http.StatusNotFound)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		mmsi := strings.TrimSpace(r.URL.Query().Get("mmsi"))

		// The server's WriteTimeout would otherwise end long-lived streams.
		_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		id, ch := b.Subscribe(0)
		defer b.Unsubscribe(id)

		keepAlive := time.NewTicker(sseKeepAlive)
		defer keepAlive.Stop()

		var eventID uint64
		for {
			select {
			case <-r.Context().Done():
				return
			case <-keepAlive.C:
				if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case p, ok := <-ch:
				if !ok {
					return
				}
				if mmsi != "" && p.MMSI != mmsi {
					continue
				}
				data, err := json.Marshal(p)
				if err != nil {
					continue
				}
				eventID++
				if _, err := fmt.Fprintf(w, "id: %d\nevent: position\ndata: %s\n\n", eventID, data); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	})
}
