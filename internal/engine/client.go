// Package engine talks to the rendering engine's HTTP API.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/musebatch/internal/log"
)

// maxErrorBody caps how much of a failed response is kept in an APIError.
const maxErrorBody = 4 << 10

// APIError is a non-2xx response from the engine.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("engine %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// ErrRejected is returned by Submit when the engine refuses a payload.
var ErrRejected = errors.New("engine rejected job")

// QueueState lists the handles the engine is working on or holding. Skipped
// counts entries whose handle could not be read.
type QueueState struct {
	Running []string
	Pending []string
	Skipped int
}

// Active is the number of entries still queued or running, unreadable ones
// included.
func (q QueueState) Active() int { return len(q.Running) + len(q.Pending) + q.Skipped }

// Contains reports whether handle is running or pending.
func (q QueueState) Contains(handle string) bool {
	for _, h := range q.Running {
		if h == handle {
			return true
		}
	}
	for _, h := range q.Pending {
		if h == handle {
			return true
		}
	}
	return false
}

// Client is a thin client for the engine API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	clientID   string
	logger     *slog.Logger
}

// New returns a client for baseURL ("http://host:port"). timeout bounds each
// request.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		clientID:   uuid.NewString(),
		logger:     log.WithComponent("engine"),
	}
}

// WithLogger replaces the client's logger and returns c.
func (c *Client) WithLogger(l *slog.Logger) *Client {
	if l != nil {
		c.logger = l
	}
	return c
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", path, err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("engine %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

type promptRequest struct {
	Prompt   json.RawMessage `json:"prompt"`
	ClientID string          `json:"client_id"`
}

type promptResponse struct {
	PromptID   string          `json:"prompt_id"`
	Number     int             `json:"number"`
	NodeErrors json.RawMessage `json:"node_errors"`
	Error      json.RawMessage `json:"error"`
}

// Submit queues a job payload and returns its handle.
func (c *Client) Submit(ctx context.Context, payload json.RawMessage) (string, error) {
	if !json.Valid(payload) {
		return "", fmt.Errorf("%w: payload is not valid JSON", ErrRejected)
	}
	var resp promptResponse
	err := c.do(ctx, http.MethodPost, "/prompt", promptRequest{Prompt: payload, ClientID: c.clientID}, &resp)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusBadRequest {
			return "", fmt.Errorf("%w: %s", ErrRejected, apiErr.Body)
		}
		return "", err
	}
	if hasContent(resp.NodeErrors) {
		return "", fmt.Errorf("%w: node errors: %s", ErrRejected, string(resp.NodeErrors))
	}
	if resp.PromptID == "" {
		return "", fmt.Errorf("%w: response carried no prompt_id", ErrRejected)
	}
	return resp.PromptID, nil
}

func hasContent(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s != "" && s != "null" && s != "{}" && s != "[]"
}

type queueResponse struct {
	Running []json.RawMessage `json:"queue_running"`
	Pending []json.RawMessage `json:"queue_pending"`
}

// Queue returns the engine's running and pending handles. Each queue entry
// is an array whose second element is the handle.
func (c *Client) Queue(ctx context.Context) (QueueState, error) {
	var resp queueResponse
	if err := c.do(ctx, http.MethodGet, "/queue", nil, &resp); err != nil {
		return QueueState{}, err
	}
	var q QueueState
	q.Running = c.handles("queue_running", resp.Running, &q.Skipped)
	q.Pending = c.handles("queue_pending", resp.Pending, &q.Skipped)
	return q, nil
}

func (c *Client) handles(section string, entries []json.RawMessage, skipped *int) []string {
	out := make([]string, 0, len(entries))
	for i, raw := range entries {
		h, ok := entryHandle(raw)
		if !ok {
			*skipped++
			c.logger.Warn("skipping malformed engine queue entry",
				"section", section, "index", i, "entry", truncate(string(raw), 200))
			continue
		}
		out = append(out, h)
	}
	return out
}

func entryHandle(raw json.RawMessage) (string, bool) {
	var item []json.RawMessage
	if err := json.Unmarshal(raw, &item); err != nil || len(item) < 2 {
		return "", false
	}
	var h string
	if err := json.Unmarshal(item[1], &h); err != nil || h == "" {
		return "", false
	}
	return h, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// History returns the engine's finished jobs keyed by handle.
func (c *Client) History(ctx context.Context) (map[string]json.RawMessage, error) {
	out := map[string]json.RawMessage{}
	if err := c.do(ctx, http.MethodGet, "/history", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Interrupt asks the engine to abandon the job it is currently running.
func (c *Client) Interrupt(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/interrupt", struct{}{}, nil)
}

// SystemStats returns the raw /system_stats document.
func (c *Client) SystemStats(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/system_stats", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Probe reports whether both /system_stats and /queue answer within timeout.
func (c *Client) Probe(ctx context.Context, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := c.SystemStats(pctx); err != nil {
		return false
	}
	if _, err := c.Queue(pctx); err != nil {
		return false
	}
	return true
}
