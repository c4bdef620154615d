package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/chatforge/pipeline-service/internal/services"
)

// StatsHandler exposes the pipeline's read APIs for operational dashboards.
type StatsHandler struct {
	pipeline *services.PipelineService
}

func NewStatsHandler(pipeline *services.PipelineService) *StatsHandler {
	return &StatsHandler{pipeline: pipeline}
}

func (h *StatsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/stats/cache", h.handleCacheStats)
	mux.HandleFunc("/v1/stats/queue", h.handleQueueStats)
	mux.HandleFunc("/v1/stats/lanes", h.handleLaneStats)
	mux.HandleFunc("/v1/stats/metrics", h.handleMetrics)
	mux.HandleFunc("/v1/stats/alerts", h.handleAlerts)
	mux.HandleFunc("/v1/cache/invalidate", h.handleInvalidate)
	mux.HandleFunc("/v1/queue/requeue", h.handleRequeue)
	mux.HandleFunc("/v1/vip", h.handleVIP)
}

func (h *StatsHandler) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.pipeline.Cache().Stats(r.Context()))
}

func (h *StatsHandler) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.pipeline.Dispatcher().GetQueueStats(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to get queue stats: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

func (h *StatsHandler) handleLaneStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.pipeline.Dispatcher().GetLaneStats(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to get lane stats: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

func (h *StatsHandler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.pipeline.Collector().GetMetrics(r.Context()))
}

func (h *StatsHandler) handleAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.pipeline.Collector().GetAlertStatus(r.Context()))
}

func (h *StatsHandler) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		http.Error(w, "pattern is required", http.StatusBadRequest)
		return
	}
	removed := h.pipeline.Cache().Invalidate(r.Context(), pattern)
	writeJSON(w, map[string]int{"removed": removed})
}

func (h *StatsHandler) handleRequeue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		JobID    string `json:"job_id"`
		Priority int    `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JobID == "" {
		http.Error(w, "job_id and priority are required", http.StatusBadRequest)
		return
	}
	if err := h.pipeline.Dispatcher().Requeue(r.Context(), req.JobID, req.Priority); err != nil {
		http.Error(w, fmt.Sprintf("Failed to requeue: %v", err), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleVIP manages the priority-boost set: POST adds, DELETE removes.
func (h *StatsHandler) handleVIP(w http.ResponseWriter, r *http.Request) {
	requester := r.URL.Query().Get("requester_id")
	if requester == "" {
		http.Error(w, "requester_id is required", http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodPost:
		h.pipeline.Dispatcher().AddVIP(requester)
	case http.MethodDelete:
		h.pipeline.Dispatcher().RemoveVIP(requester)
	default:
		http.Error(w, "POST or DELETE only", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
