package queue

import (
	"encoding/json"
	"errors"
	"time"
)

// DocumentVersion is written into every queue document.
const DocumentVersion = "1.0"

type Status string

const (
	StatusPending          Status = "pending"
	StatusProcessingLLM    Status = "processing_llm"
	StatusProcessingImages Status = "processing_images"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusProcessingLLM,
	StatusProcessingImages,
	StatusCompleted,
	StatusFailed,
}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

func (s Status) IsProcessing() bool {
	return s == StatusProcessingLLM || s == StatusProcessingImages
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus accepts a status name, returning an error wrapping
// ErrInvalidRequest for anything unknown.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", errors.Join(ErrInvalidRequest, errors.New("unknown status "+s))
	}
	return st, nil
}

// Commands understood by the estimator and the enqueue validator.
const (
	CommandExploreStyles    = "explore_styles"
	CommandExploreNarrative = "explore_narrative"
	CommandRefineStyles     = "refine_styles"
)

// Batch is one queued unit of work. Parameters are opaque to the queue and
// forwarded verbatim to the job builder.
type Batch struct {
	ID                string          `json:"id"`
	Command           string          `json:"command"`
	Project           string          `json:"project"`
	Status            Status          `json:"status"`
	Created           time.Time       `json:"created"`
	EstimatedDuration float64         `json:"estimated_duration"`
	Parameters        json.RawMessage `json:"parameters,omitempty"`
	FullCommand       string          `json:"full_command,omitempty"`
	Started           *time.Time      `json:"started,omitempty"`
	Completed         *time.Time      `json:"completed,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
}

// Document is the on-disk queue file.
type Document struct {
	QueueVersion string    `json:"queue_version"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated,omitempty"`
	// Checksum is the BLAKE3-256 of the compact JSON encoding of Batches.
	Checksum string  `json:"checksum,omitempty"`
	Batches  []Batch `json:"batches"`
}

type EnqueueRequest struct {
	Command     string          `json:"command" validate:"required,oneof=explore_styles explore_narrative refine_styles"`
	Project     string          `json:"project" validate:"required,max=200"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	FullCommand string          `json:"full_command,omitempty" validate:"max=4096"`
}

// Summary is the result of Store.Status.
type Summary struct {
	Total            int `json:"total"`
	Pending          int `json:"pending"`
	ProcessingLLM    int `json:"processing_llm"`
	ProcessingImages int `json:"processing_images"`
	// Processing is ProcessingLLM + ProcessingImages.
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	// TotalEstimatedSeconds sums estimated_duration over pending batches.
	TotalEstimatedSeconds float64 `json:"total_estimated_time"`
	QueueFile             string  `json:"queue_file"`
	Batches               []Batch `json:"batches"`
}

// Active returns the batch currently in a processing status, if any.
func (s Summary) Active() *Batch {
	for i := range s.Batches {
		if s.Batches[i].Status.IsProcessing() {
			return &s.Batches[i]
		}
	}
	return nil
}

var (
	ErrBatchNotFound      = errors.New("batch not found")
	ErrTerminalStatus     = errors.New("batch already in a terminal status")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrEstimationFallback = errors.New("no estimate rule for command; using generic fallback")
)
