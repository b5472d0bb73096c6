package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"

	"github.com/lumenobs/lumen/pkg/eventbus"
)

var streamChannels = map[string]string{
	"logs":    eventbus.ChannelLogs,
	"metrics": eventbus.ChannelMetrics,
	"alerts":  eventbus.ChannelAlerts,
}

// handleStream serves one SSE connection fed from the event bus. Event
// ids are monotonic per connection; heartbeats keep idle connections
// from being reaped by intermediaries.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	busChannel, ok := streamChannels[mux.Vars(r)["channel"]]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown stream")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := s.bus.Subscribe(busChannel, r.URL.Query().Get("service"), 0)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	var id uint64
	for {
		select {
		case ev := <-sub.C:
			data, err := json.Marshal(ev)
			if err != nil {
				level.Warn(s.logger).Log("msg", "encoding stream event", "err", err)
				continue
			}
			id++
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, ev.Channel, data); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-s.streamCtx.Done():
			return
		}
	}
}
