package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/musebatch/internal/auth"
	"github.com/mattjoyce/musebatch/internal/events"
	"github.com/mattjoyce/musebatch/internal/queue"
)

const maxBodyBytes = 1 << 20

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	sum, err := s.queue.Status(r.Context())
	if err != nil {
		s.logger.Error("failed to read queue", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read queue")
		return
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Pending:       sum.Pending,
		Processing:    sum.Processing,
	})
}

// handleQueueStatus handles GET /queue.
func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	sum, err := s.queue.Status(r.Context())
	if err != nil {
		s.logger.Error("failed to read queue", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read queue")
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

// handleGetBatch handles GET /batches/{id}.
func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	b, err := s.queue.Get(r.Context(), id)
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, b)
}

// handleEnqueue handles POST /batches.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req queue.EnqueueRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	principal, _ := auth.PrincipalFromContext(r.Context())
	if req.FullCommand == "" {
		req.FullCommand = "api:" + principal.Name
	}

	id, err := s.queue.Enqueue(r.Context(), req)
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	s.logger.Info("batch enqueued via API", "batch_id", id, "principal", principal.Name)
	s.events.Publish(events.QueueChanged, map[string]any{"enqueued": id, "by": principal.Name})
	respondJSON(w, http.StatusCreated, EnqueueResponse{BatchID: id, Status: queue.StatusPending})
}

// handleRemove handles DELETE /batches/{id}.
func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	removed, err := s.queue.Remove(r.Context(), id)
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	if !removed {
		s.writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	s.events.Publish(events.QueueChanged, map[string]any{"removed": id})
	respondJSON(w, http.StatusOK, RemoveResponse{BatchID: id, Removed: true})
}

// handleClear handles POST /queue/clear?status=.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	var filter *queue.Status
	name := "all"
	if v := r.URL.Query().Get("status"); v != "" {
		st, err := queue.ParseStatus(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(v))
			return
		}
		filter = &st
		name = v
	}

	n, err := s.queue.Clear(r.Context(), filter)
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	if n > 0 {
		s.events.Publish(events.QueueChanged, map[string]any{"cleared": n, "filter": name})
	}
	respondJSON(w, http.StatusOK, ClearResponse{Removed: n, Filter: name})
}

// handleHistory handles GET /history?limit=.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "run history disabled")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read run history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read run history")
		return
	}
	stats, err := s.history.CommandStats(r.Context())
	if err != nil {
		s.logger.Error("failed to read command stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read run history")
		return
	}
	respondJSON(w, http.StatusOK, HistoryResponse{Runs: runs, Commands: stats})
}

// handleOpenAPI handles GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}

func (s *Server) writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrBatchNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, queue.ErrInvalidRequest):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("queue operation failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "queue operation failed")
	}
}

func respondJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
