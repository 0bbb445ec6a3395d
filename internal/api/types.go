package api

import (
	"github.com/mattjoyce/musebatch/internal/history"
	"github.com/mattjoyce/musebatch/internal/queue"
)

// EnqueueResponse is returned by POST /batches.
type EnqueueResponse struct {
	BatchID string       `json:"batch_id"`
	Status  queue.Status `json:"status"`
}

// RemoveResponse is returned by DELETE /batches/{id}.
type RemoveResponse struct {
	BatchID string `json:"batch_id"`
	Removed bool   `json:"removed"`
}

// ClearResponse is returned by POST /queue/clear.
type ClearResponse struct {
	Removed int    `json:"removed"`
	Filter  string `json:"filter"`
}

// HistoryResponse is returned by GET /history.
type HistoryResponse struct {
	Runs     []history.BatchRun    `json:"runs"`
	Commands []history.CommandStat `json:"commands"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Pending       int    `json:"pending"`
	Processing    int    `json:"processing"`
}
