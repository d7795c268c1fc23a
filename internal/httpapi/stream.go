package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/metrics"
	"github.com/fathomlab/fathom/internal/streaming"
)

const (
	sseHeartbeat    = 15 * time.Second
	subscribeBuffer = 256
)

// handleSSE streams a task's events as Server-Sent Events. The stream is the
// read-only mirror of the WebSocket channel: any number of observers may
// attach, none of them binds the task's event-channel slot.
// GET /api/v1/research/{id}/events
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.sessions.Get(id); !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	filter := typeFilter(r)
	lastID := lastEventID(r)

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	metrics.ChannelConnects.WithLabelValues("sse").Inc()
	metrics.ChannelsActive.Inc()
	defer metrics.ChannelsActive.Dec()

	ch := s.events.Subscribe(id, subscribeBuffer)
	defer s.events.Unsubscribe(id, ch)

	fmt.Fprintf(w, ": connected to task %s\n\n", id)
	flusher.Flush()

	// Sequences start at 1, so a fresh connection (lastID 0) replays the
	// whole retained backlog; a reconnect resumes where it left off.
	var lastSent uint64
	for _, evt := range s.events.ReplaySince(id, lastID) {
		if filter.drop(evt.Type) {
			continue
		}
		writeSSE(w, evt)
		lastSent = evt.Seq
	}
	flusher.Flush()

	hb := time.NewTicker(sseHeartbeat)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("SSE client disconnected", zap.String("task_id", id))
			return
		case evt := <-ch:
			// Events that raced the replay arrive again on the channel.
			if evt.Seq <= lastSent {
				continue
			}
			if filter.drop(evt.Type) {
				continue
			}
			writeSSE(w, evt)
			lastSent = evt.Seq
			flusher.Flush()
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, evt streaming.Event) {
	if evt.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", evt.Seq)
	}
	if evt.Type != "" {
		fmt.Fprintf(w, "event: %s\n", evt.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", string(evt.Marshal()))
}

// eventFilter drops event types the client did not ask for. Empty means all.
type eventFilter map[string]struct{}

func (f eventFilter) drop(eventType string) bool {
	if len(f) == 0 {
		return false
	}
	_, ok := f[eventType]
	return !ok
}

func typeFilter(r *http.Request) eventFilter {
	filter := eventFilter{}
	if s := r.URL.Query().Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter[t] = struct{}{}
			}
		}
	}
	return filter
}

// lastEventID reads the replay cursor from the standard Last-Event-ID header,
// falling back to the last_event_id query parameter for clients that cannot
// set headers on reconnect.
func lastEventID(r *http.Request) uint64 {
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			return n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
