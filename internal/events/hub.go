// Package events is an in-memory pub/sub of batch progress, with a small
// ring buffer so late SSE clients can catch up.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the coordinator and monitor.
const (
	BatchStarted   = "batch.started"
	BatchPhase     = "batch.phase"
	BatchCompleted = "batch.completed"
	BatchFailed    = "batch.failed"
	JobSubmitted   = "job.submitted"
	JobCompleted   = "job.completed"
	MonitorStall   = "monitor.stall"
	EngineState    = "engine.state"
	QueueChanged   = "queue.changed"
)

// Publisher is the write side of a Hub.
type Publisher interface {
	Publish(eventType string, data any)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(string, any) {}

// OrDiscard returns p, or Discard when p is nil.
func OrDiscard(p Publisher) Publisher {
	if p == nil {
		return Discard
	}
	return p
}

// WithFields returns a Publisher that adds fields to every map payload
// before handing it to p. Keys already present in the payload win.
func WithFields(p Publisher, fields map[string]any) Publisher {
	return fieldPublisher{next: OrDiscard(p), fields: fields}
}

type fieldPublisher struct {
	next   Publisher
	fields map[string]any
}

func (f fieldPublisher) Publish(eventType string, data any) {
	switch d := data.(type) {
	case map[string]any:
		merged := make(map[string]any, len(d)+len(f.fields))
		for k, v := range f.fields {
			merged[k] = v
		}
		for k, v := range d {
			merged[k] = v
		}
		data = merged
	case nil:
		data = f.fields
	}
	f.next.Publish(eventType, data)
}

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

type Hub struct {
	nextID atomic.Int64
	now    func() time.Time

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		now:  time.Now,
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// WithClock sets the timestamp source and returns h.
func (h *Hub) WithClock(now func() time.Time) *Hub {
	if now != nil {
		h.now = now
	}
	return h
}

func (h *Hub) Publish(eventType string, data any) {
	id := h.nextID.Add(1)

	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	ev := Event{
		ID:   id,
		Type: eventType,
		At:   h.now().UTC(),
		Data: payload,
	}

	h.mu.Lock()
	h.pushLocked(ev)
	for _, ch := range h.subs {
		// Don't let slow clients block producers.
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// If lastID is 0, the full ring buffer snapshot is returned.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if lastID == 0 || ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

// Types returns the type of every buffered event, oldest-first.
func (h *Hub) Types() []string {
	snap := h.SnapshotSince(0)
	out := make([]string, len(snap))
	for i, ev := range snap {
		out[i] = ev.Type
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if capacity == 0 {
		return
	}

	if h.size < capacity {
		idx := (h.start + h.size) % capacity
		h.ring[idx] = ev
		h.size++
		return
	}

	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
