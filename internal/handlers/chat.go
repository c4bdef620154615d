package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/chatforge/pipeline-service/internal/models"
	"github.com/chatforge/pipeline-service/internal/services"
	"github.com/chatforge/pipeline-service/internal/stream"
)

type ChatHandler struct {
	pipeline *services.PipelineService
}

func NewChatHandler(pipeline *services.PipelineService) *ChatHandler {
	return &ChatHandler{pipeline: pipeline}
}

func (h *ChatHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/chat", h.handleChat)
	mux.HandleFunc("/v1/dispatch", h.handleDispatch)
	mux.HandleFunc("/v1/messages", h.handleMessages)
	mux.HandleFunc("/healthz", h.handleHealth)
}

func (h *ChatHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleChat serves the interactive path. With stream=true the response is
// delivered as server-sent events; otherwise the full answer comes back as
// one JSON body once the stream finishes.
func (h *ChatHandler) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	var req services.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Query == "" {
		http.Error(w, "query is required", http.StatusBadRequest)
		return
	}
	if req.ReqID == "" {
		req.ReqID = fmt.Sprintf("http-%d", time.Now().UnixNano())
	}

	if r.URL.Query().Get("stream") == "true" {
		h.handleChatStream(w, r, req)
		return
	}

	transport := newDiscardTransport()
	response, err := h.pipeline.HandleInteractive(r.Context(), req, transport)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, stream.ErrStreamAborted) {
			status = http.StatusRequestTimeout
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

func (h *ChatHandler) handleChatStream(w http.ResponseWriter, r *http.Request, req services.ChatRequest) {
	transport, err := newSSETransport(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotImplemented)
		return
	}

	response, err := h.pipeline.HandleInteractive(r.Context(), req, transport)
	if err != nil {
		// The error event has already been emitted on the transport.
		return
	}

	// A cache hit produces no stream events, so replay the answer as a
	// single end event to keep the client protocol uniform.
	if response.FromCache {
		_ = transport.Send(models.StreamEvent{
			Type:         models.EventEnd,
			MessageID:    response.ReqID,
			TotalChunks:  0,
			TotalTimeMs:  response.DurationMs,
			FullResponse: response.Response,
		})
	}
}

// handleDispatch accepts background work and returns the assigned job.
func (h *ChatHandler) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	var req services.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Query == "" {
		http.Error(w, "query is required", http.StatusBadRequest)
		return
	}

	jobID, priority, err := h.pipeline.HandleBackground(r.Context(), req)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to enqueue: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"job_id":   jobID,
		"priority": priority,
		"tier":     models.TierName(priority),
	})
}

func (h *ChatHandler) handleMessages(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			limit = n
		}
	}

	msgs, err := h.pipeline.Repository().Message().GetMessages(r.Context(), limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to get messages: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(msgs)
}
