package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/musebatch/internal/events"
)

const sseKeepAlive = 15 * time.Second

// eventFilter narrows a stream to one batch and/or a set of event types.
// A type ending in "." or "*" matches by prefix, so "job." or "job*" selects
// every job event.
type eventFilter struct {
	batchID string
	types   []string
}

func parseEventFilter(r *http.Request) eventFilter {
	q := r.URL.Query()
	f := eventFilter{batchID: strings.TrimSpace(q.Get("batch_id"))}
	for _, raw := range q["type"] {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.types = append(f.types, t)
			}
		}
	}
	return f
}

func (f eventFilter) match(ev events.Event) bool {
	if len(f.types) > 0 && !f.matchType(ev.Type) {
		return false
	}
	if f.batchID == "" {
		return true
	}
	var payload struct {
		BatchID string `json:"batch_id"`
	}
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		return false
	}
	return payload.BatchID == f.batchID
}

func (f eventFilter) matchType(typ string) bool {
	for _, want := range f.types {
		switch {
		case strings.HasSuffix(want, "*"):
			if strings.HasPrefix(typ, strings.TrimSuffix(want, "*")) {
				return true
			}
		case strings.HasSuffix(want, "."):
			if strings.HasPrefix(typ, want) {
				return true
			}
		case typ == want:
			return true
		}
	}
	return false
}

// handleEvents streams hub events as SSE. Buffered events after Last-Event-ID
// are replayed first; batch_id and type query parameters filter both the
// replay and the live stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	filter := parseEventFilter(r)

	// Subscribe before the snapshot so nothing published in between is lost.
	ch, cancel := s.events.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	var replayed int64
	for _, ev := range s.events.SnapshotSince(parseLastEventID(r.Header.Get("Last-Event-ID"))) {
		replayed = ev.ID
		if !filter.match(ev) {
			continue
		}
		if err := writeSSE(w, ev); err != nil {
			return
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.ID <= replayed || !filter.match(ev) {
				continue
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func parseLastEventID(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeSSE(w http.ResponseWriter, ev events.Event) error {
	// Data is compact JSON, so one data line suffices.
	if ev.Type == "" {
		_, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.ID, ev.Data)
		return err
	}
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data)
	return err
}
