package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/chatforge/pipeline-service/internal/cache"
	"github.com/chatforge/pipeline-service/internal/jobengine"
	"github.com/chatforge/pipeline-service/internal/metrics"
	"github.com/chatforge/pipeline-service/internal/models"
	"github.com/chatforge/pipeline-service/internal/provider"
	"github.com/chatforge/pipeline-service/internal/queue"
	"github.com/chatforge/pipeline-service/internal/repository"
	"github.com/chatforge/pipeline-service/internal/stream"
)

// ChatRequest is the inbound shape shared by the HTTP and NATS surfaces.
type ChatRequest struct {
	ReqID            string             `json:"req_id"`
	Query            string             `json:"query"`
	Type             models.RequestType `json:"type,omitempty"`
	WorkspaceID      string             `json:"workspace_id"`
	AgentID          string             `json:"agent_id"`
	RequesterID      string             `json:"requester_id"`
	ProjectContextID string             `json:"project_context_id,omitempty"`
	ScopeID          string             `json:"scope_id,omitempty"`
	ReplyTo          string             `json:"reply_to,omitempty"`
}

// ChatResponse is the terminal payload for a processed request.
type ChatResponse struct {
	ReqID      string               `json:"req_id"`
	Response   string               `json:"response"`
	FromCache  bool                 `json:"from_cache"`
	Category   models.CacheCategory `json:"category"`
	DurationMs int64                `json:"duration_ms"`
	Error      string               `json:"error,omitempty"`
}

// PipelineService ties the response pipeline together: cache first, then
// either direct streaming for interactive sessions or the priority queue for
// background work. Results always flow back into the cache.
type PipelineService struct {
	cache      *cache.ResponseCache
	dispatcher *queue.Dispatcher
	delivery   *stream.Delivery
	provider   provider.CompletionProvider
	repo       repository.Repository
	collector  *metrics.Collector
	now        func() time.Time
}

func NewPipelineService(
	responseCache *cache.ResponseCache,
	dispatcher *queue.Dispatcher,
	delivery *stream.Delivery,
	completions provider.CompletionProvider,
	repo repository.Repository,
	collector *metrics.Collector,
) *PipelineService {
	return &PipelineService{
		cache:      responseCache,
		dispatcher: dispatcher,
		delivery:   delivery,
		provider:   completions,
		repo:       repo,
		collector:  collector,
		now:        time.Now,
	}
}

func (s *PipelineService) scopeFor(req ChatRequest) cache.Scope {
	return cache.Scope{
		OwnerID:          req.RequesterID,
		ProjectContextID: req.ProjectContextID,
		ScopeID:          req.ScopeID,
	}
}

func (s *PipelineService) toDispatchRequest(req ChatRequest, defaultType models.RequestType) *models.DispatchRequest {
	reqType := req.Type
	if reqType == "" {
		reqType = defaultType
	}
	id := req.ReqID
	if id == "" {
		id = ulid.Make().String()
	}
	return &models.DispatchRequest{
		ID:               id,
		Type:             reqType,
		WorkspaceID:      req.WorkspaceID,
		AgentID:          req.AgentID,
		RequesterID:      req.RequesterID,
		Payload:          req.Query,
		ProjectContextID: req.ProjectContextID,
		ScopeID:          req.ScopeID,
		ReplyTo:          req.ReplyTo,
		CreatedAt:        s.now(),
	}
}

// HandleInteractive serves one interactive session: cache hit returns
// immediately; a miss streams tokens to the transport and writes the result
// back into the cache. Concurrent misses on the same key share one stream.
func (s *PipelineService) HandleInteractive(ctx context.Context, req ChatRequest, transport stream.Transport) (*ChatResponse, error) {
	start := s.now()
	dreq := s.toDispatchRequest(req, models.RequestDirectChat)

	result, err := s.cache.CacheOrFetch(ctx, req.Query, s.scopeFor(req), func(fctx context.Context) (string, error) {
		res, err := s.delivery.Stream(fctx, dreq, transport)
		if err != nil {
			return "", err
		}
		return res.FullResponse, nil
	})
	durationMs := s.now().Sub(start).Milliseconds()
	if err != nil {
		s.collector.RecordError(ctx, "interactive")
		return nil, err
	}

	// A coalesced caller shared another request's stream, so its own
	// transport saw no events. Replay the answer as a single end event to
	// keep the client protocol uniform.
	if result.Coalesced {
		_ = transport.Send(models.StreamEvent{
			Type:         models.EventEnd,
			MessageID:    dreq.ID,
			TotalChunks:  0,
			TotalTimeMs:  durationMs,
			FullResponse: result.Response,
		})
	}

	s.collector.RecordResponseTime(ctx, float64(durationMs), map[string]string{
		"path":       "interactive",
		"from_cache": fmt.Sprintf("%t", result.FromCache),
	})

	return &ChatResponse{
		ReqID:      dreq.ID,
		Response:   result.Response,
		FromCache:  result.FromCache,
		Category:   result.Category,
		DurationMs: durationMs,
	}, nil
}

// HandleBackground classifies the request and enqueues it for the workers.
func (s *PipelineService) HandleBackground(ctx context.Context, req ChatRequest) (jobID string, priority int, err error) {
	dreq := s.toDispatchRequest(req, models.RequestBackgroundTask)
	jobID, err = s.dispatcher.Enqueue(ctx, dreq, 0)
	if err != nil {
		s.collector.RecordError(ctx, "enqueue")
		return "", 0, err
	}
	return jobID, dreq.ComputedPriority, nil
}

// ProcessJob executes one claimed job on the worker side, going through the
// cache so identical queued queries collapse onto a single provider call.
func (s *PipelineService) ProcessJob(ctx context.Context, job *jobengine.Job) (*ChatResponse, error) {
	start := s.now()

	var dreq models.DispatchRequest
	if err := json.Unmarshal([]byte(job.Payload), &dreq); err != nil {
		return nil, fmt.Errorf("job %s payload corrupt: %w", job.ID, err)
	}

	scope := cache.Scope{
		OwnerID:          dreq.RequesterID,
		ProjectContextID: dreq.ProjectContextID,
		ScopeID:          dreq.ScopeID,
	}
	result, err := s.cache.CacheOrFetch(ctx, dreq.Payload, scope, func(fctx context.Context) (string, error) {
		return provider.Complete(fctx, s.provider, dreq.Payload,
			fmt.Sprintf("workspace=%s agent=%s", dreq.WorkspaceID, dreq.AgentID))
	})
	durationMs := s.now().Sub(start).Milliseconds()
	if err != nil {
		s.collector.RecordError(ctx, "job")
		return nil, err
	}

	stored := &models.StoredMessage{
		MessageID:   job.ID,
		WorkspaceID: dreq.WorkspaceID,
		AgentID:     dreq.AgentID,
		RequesterID: dreq.RequesterID,
		Query:       dreq.Payload,
		Response:    result.Response,
		Category:    string(result.Category),
		FromCache:   result.FromCache,
		DurationMs:  durationMs,
		Timestamp:   s.now(),
	}
	if _, err := s.repo.Message().StoreMessage(ctx, stored); err != nil {
		slog.Warn("Failed to persist job result", "job_id", job.ID, "error", err)
	}

	s.collector.RecordResponseTime(ctx, float64(durationMs), map[string]string{
		"path":       "background",
		"from_cache": fmt.Sprintf("%t", result.FromCache),
	})

	return &ChatResponse{
		ReqID:      dreq.ID,
		Response:   result.Response,
		FromCache:  result.FromCache,
		Category:   result.Category,
		DurationMs: durationMs,
	}, nil
}

// Component accessors for the read-API handlers.

func (s *PipelineService) Cache() *cache.ResponseCache       { return s.cache }
func (s *PipelineService) Dispatcher() *queue.Dispatcher     { return s.dispatcher }
func (s *PipelineService) Collector() *metrics.Collector     { return s.collector }
func (s *PipelineService) Repository() repository.Repository { return s.repo }
