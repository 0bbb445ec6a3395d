package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
)

// FakeEngine is an in-memory rendering engine API served by httptest.
type FakeEngine struct {
	mu         sync.Mutex
	seq        int
	running    []string
	pending    []string
	history    map[string]json.RawMessage
	submitted  []json.RawMessage
	interrupts int
	failing    bool

	// AutoComplete moves submitted jobs straight into history.
	AutoComplete bool

	Server *httptest.Server
}

// NewFakeEngine starts a fake engine that is closed with the test.
func NewFakeEngine(t testing.TB) *FakeEngine {
	t.Helper()
	f := &FakeEngine{history: map[string]json.RawMessage{}}

	r := chi.NewRouter()
	r.Use(f.failMiddleware)
	r.Post("/prompt", f.handlePrompt)
	r.Get("/queue", f.handleQueue)
	r.Get("/history", f.handleHistory)
	r.Post("/interrupt", f.handleInterrupt)
	r.Get("/system_stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"system": map[string]any{"os": "fake"}, "devices": []any{}})
	})

	f.Server = httptest.NewServer(r)
	t.Cleanup(f.Server.Close)
	return f
}

func (f *FakeEngine) URL() string { return f.Server.URL }

func (f *FakeEngine) failMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		failing := f.failing
		f.mu.Unlock()
		if failing {
			http.Error(w, "engine unavailable", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (f *FakeEngine) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prompt   json.RawMessage `json:"prompt"`
		ClientID string          `json:"client_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Prompt) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid prompt"})
		return
	}

	f.mu.Lock()
	f.seq++
	n := f.seq
	handle := fmt.Sprintf("job-%03d", n)
	f.submitted = append(f.submitted, body.Prompt)
	if f.AutoComplete {
		f.history[handle] = json.RawMessage(`{"status":{"completed":true}}`)
	} else {
		f.pending = append(f.pending, handle)
	}
	f.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"prompt_id": handle, "number": n, "node_errors": map[string]any{}})
}

func (f *FakeEngine) handleQueue(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry := func(i int, h string) []any { return []any{i, h, map[string]any{}, map[string]any{}, []any{}} }
	running := make([]any, 0, len(f.running))
	for i, h := range f.running {
		running = append(running, entry(i, h))
	}
	pending := make([]any, 0, len(f.pending))
	for i, h := range f.pending {
		pending = append(pending, entry(i, h))
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue_running": running, "queue_pending": pending})
}

func (f *FakeEngine) handleHistory(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	writeJSON(w, http.StatusOK, f.history)
}

func (f *FakeEngine) handleInterrupt(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	f.interrupts++
	f.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// SetQueue replaces the running and pending handles.
func (f *FakeEngine) SetQueue(running, pending []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = append([]string(nil), running...)
	f.pending = append([]string(nil), pending...)
}

// Complete moves handle out of the queue and into history.
func (f *FakeEngine) Complete(handle string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = without(f.running, handle)
	f.pending = without(f.pending, handle)
	f.history[handle] = json.RawMessage(`{"status":{"completed":true}}`)
}

// SetFailing makes every endpoint answer 503.
func (f *FakeEngine) SetFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func (f *FakeEngine) Interrupts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interrupts
}

// Submitted returns the payloads received by /prompt in order.
func (f *FakeEngine) Submitted() []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]json.RawMessage(nil), f.submitted...)
}

func without(list []string, h string) []string {
	out := list[:0]
	for _, v := range list {
		if v != h {
			out = append(out, v)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
