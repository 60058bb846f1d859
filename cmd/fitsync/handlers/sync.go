// Package handlers provides REST API handlers for sync status and operations.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	apperrors "github.com/kimhsiao/fitsync/backend/internal/errors"
	"github.com/kimhsiao/fitsync/backend/internal/logging"
	"github.com/kimhsiao/fitsync/backend/internal/models"
	"github.com/kimhsiao/fitsync/backend/internal/sync/scheduler"
)

// Queue is the part of the queue manager exposed over HTTP.
type Queue interface {
	Entries(ctx context.Context) ([]models.SyncQueueEntry, error)
	ClearFailedItems(ctx context.Context) (int, error)
}

// Scheduler runs manual drains and reports combined status.
type Scheduler interface {
	SyncNow(ctx context.Context) ([]models.SyncResult, error)
	GetStatus(ctx context.Context) (scheduler.SchedulerStatus, error)
}

// ResultBroadcaster pushes drain results to websocket clients.
type ResultBroadcaster interface {
	BroadcastResults(results []models.SyncResult)
}

// ConnectivitySetter applies host-reported network state.
type ConnectivitySetter func(online, expensive bool) error

// SyncHandler handles sync status and operations.
type SyncHandler struct {
	queue     Queue
	scheduler Scheduler
	hub       ResultBroadcaster
	setConn   ConnectivitySetter
}

// NewSyncHandler creates a new SyncHandler. hub and setConn may be nil.
func NewSyncHandler(queue Queue, sched Scheduler, hub ResultBroadcaster, setConn ConnectivitySetter) *SyncHandler {
	return &SyncHandler{
		queue:     queue,
		scheduler: sched,
		hub:       hub,
		setConn:   setConn,
	}
}

// Register mounts the sync routes on mux.
func (h *SyncHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sync/status", h.GetStatus)
	mux.HandleFunc("GET /api/sync/queue", h.ListQueue)
	mux.HandleFunc("POST /api/sync/now", h.TriggerSync)
	mux.HandleFunc("POST /api/sync/clear-failed", h.ClearFailed)
	mux.HandleFunc("PUT /api/connectivity", h.SetConnectivity)
}

// =====================================================
// Status Endpoints
// =====================================================

// GetStatus handles GET /api/sync/status
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.scheduler.GetStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	response := map[string]interface{}{
		"scheduler_running": status.IsRunning,
		"sync_in_progress":  status.SyncInProgress,
		"queue":             status.Queue,
	}
	if status.LastSyncTime != nil {
		response["last_manual_sync"] = status.LastSyncTime.Unix()
	}
	if status.LastPruneTime != nil {
		response["last_prune"] = status.LastPruneTime.Unix()
	}
	writeJSON(w, http.StatusOK, response)
}

// ListQueue handles GET /api/sync/queue
func (h *SyncHandler) ListQueue(w http.ResponseWriter, r *http.Request) {
	entries, err := h.queue.Entries(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []models.SyncQueueEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"total":   len(entries),
	})
}

// =====================================================
// Trigger Endpoints
// =====================================================

// TriggerSync handles POST /api/sync/now
// Drains the whole queue, ignoring backoff, and returns per-entry results.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	results, err := h.scheduler.SyncNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if results == nil {
		results = []models.SyncResult{}
	}
	if h.hub != nil {
		h.hub.BroadcastResults(results)
	}

	succeeded := 0
	for _, res := range results {
		if res.Success {
			succeeded++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"processed": len(results),
		"succeeded": succeeded,
		"results":   results,
	})
}

// ClearFailed handles POST /api/sync/clear-failed
func (h *SyncHandler) ClearFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.queue.ClearFailedItems(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cleared": n})
}

// SetConnectivity handles PUT /api/connectivity
func (h *SyncHandler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	if h.setConn == nil {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "connectivity is not host driven"))
		return
	}

	var request struct {
		Online    *bool `json:"online"`
		Expensive bool  `json:"expensive"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.Online == nil {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "body must be {\"online\": bool, \"expensive\": bool}"))
		return
	}
	if err := h.setConn(*request.Online, request.Expensive); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"online":    *request.Online,
		"expensive": request.Expensive,
	})
}

// =====================================================
// Helpers
// =====================================================

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Error("Failed to encode response", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case apperrors.ErrInvalid:
		status = http.StatusBadRequest
	case apperrors.ErrNotFound:
		status = http.StatusNotFound
	case apperrors.ErrSyncOffline:
		status = http.StatusServiceUnavailable
	case apperrors.ErrSyncFailed:
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		logging.ErrorWithCode("Request failed", string(code), err)
	}
	writeJSON(w, status, map[string]interface{}{
		"code":  code,
		"error": err.Error(),
	})
}
