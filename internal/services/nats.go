package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/chatforge/pipeline-service/internal/config"
	"github.com/chatforge/pipeline-service/internal/jobengine"
)

// generateWorkerID creates a unique worker ID using timestamp and random bytes
func generateWorkerID() string {
	timestamp := time.Now().UnixNano()
	randomBytes := make([]byte, 4)
	rand.Read(randomBytes)
	randomHex := hex.EncodeToString(randomBytes)
	return fmt.Sprintf("worker-%d-%s", timestamp, randomHex)
}

// NATSService accepts pipeline requests over NATS and runs the worker pool
// that drains the priority job engine. Replies go to the reply subject
// embedded in the request payload.
type NATSService struct {
	conn     *nats.Conn
	pipeline *PipelineService
	engine   *jobengine.Engine
	cfg      *config.Config
	health   *HealthService
}

func NewNATSService(conn *nats.Conn, cfg *config.Config, pipeline *PipelineService, engine *jobengine.Engine) *NATSService {
	return &NATSService{
		conn:     conn,
		pipeline: pipeline,
		engine:   engine,
		cfg:      cfg,
		health:   NewHealthService(conn, cfg, pipeline),
	}
}

func (s *NATSService) Start(ctx context.Context) error {
	// Queue-group subscription: one instance of the group handles each
	// inbound request.
	sub, err := s.conn.QueueSubscribe(s.cfg.RequestSubject, s.cfg.QueueGroup, func(msg *nats.Msg) {
		go s.processRequestMessage(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to requests: %w", err)
	}
	defer sub.Unsubscribe()

	slog.Info("NATS service starting",
		"subject", s.cfg.RequestSubject,
		"queue_group", s.cfg.QueueGroup,
		"concurrency", s.cfg.Concurrency)

	// Start health reporting
	go s.health.Start(ctx)

	// Start queue workers with unique IDs
	for i := 0; i < s.cfg.Concurrency; i++ {
		workerID := generateWorkerID()
		go s.worker(ctx, workerID)
	}

	// Block until context is cancelled
	<-ctx.Done()
	slog.Info("NATS service shutting down")

	s.conn.Close()
	return nil
}

// processRequestMessage handles a request published directly over NATS. The
// interactive path belongs to HTTP; NATS requests take the queued path.
func (s *NATSService) processRequestMessage(ctx context.Context, msg *nats.Msg) {
	var req ChatRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		slog.Error("Failed to parse pipeline request",
			"subject", msg.Subject,
			"error", err,
			"data", string(msg.Data))
		return
	}
	if req.ReplyTo == "" {
		req.ReplyTo = msg.Reply
	}

	jobID, priority, err := s.pipeline.HandleBackground(ctx, req)
	if err != nil {
		slog.Error("Failed to enqueue NATS request", "req_id", req.ReqID, "error", err)
		s.reply(req.ReplyTo, &ChatResponse{ReqID: req.ReqID, Error: err.Error()})
		return
	}

	slog.Debug("NATS request enqueued",
		"req_id", req.ReqID,
		"job_id", jobID,
		"priority", priority,
		"subject", msg.Subject)

	// Acknowledge acceptance; the worker publishes the final result.
	s.reply(req.ReplyTo, &ChatResponse{ReqID: jobID})
}

// worker drains the job engine, processing one claimed job at a time.
func (s *NATSService) worker(ctx context.Context, workerID string) {
	slog.Info("Pipeline worker starting", "worker_id", workerID)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Pipeline worker shutting down", "worker_id", workerID)
			return
		default:
			job, err := s.engine.Next(ctx)
			if err != nil {
				slog.Error("Failed to claim job", "worker_id", workerID, "error", err)
				time.Sleep(time.Second) // Back off on error
				continue
			}
			if job == nil {
				time.Sleep(250 * time.Millisecond) // Queue empty, poll again
				continue
			}
			s.processJob(ctx, job, workerID)
		}
	}
}

func (s *NATSService) processJob(ctx context.Context, job *jobengine.Job, workerID string) {
	start := time.Now()

	// Crash recovery: a panicking job must not take the worker down.
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Job processing panicked",
				"worker_id", workerID,
				"job_id", job.ID,
				"panic", r)
			_ = s.engine.Fail(ctx, job, fmt.Errorf("worker panic: %v", r))
		}
	}()

	response, err := s.pipeline.ProcessJob(ctx, job)
	duration := time.Since(start)

	var dreqReplyTo string
	var envelope struct {
		ReplyTo string `json:"reply_to,omitempty"`
	}
	if jsonErr := json.Unmarshal([]byte(job.Payload), &envelope); jsonErr == nil {
		dreqReplyTo = envelope.ReplyTo
	}

	if err != nil {
		slog.Error("Job processing failed",
			"worker_id", workerID,
			"job_id", job.ID,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		if failErr := s.engine.Fail(ctx, job, err); failErr != nil {
			slog.Error("Failed to mark job failed", "job_id", job.ID, "error", failErr)
		}
		s.reply(dreqReplyTo, &ChatResponse{ReqID: job.ID, Error: err.Error()})
		return
	}

	if completeErr := s.engine.Complete(ctx, job); completeErr != nil {
		slog.Error("Failed to mark job completed", "job_id", job.ID, "error", completeErr)
	}
	s.reply(dreqReplyTo, response)

	slog.Info("Job completed",
		"worker_id", workerID,
		"job_id", job.ID,
		"duration_ms", duration.Milliseconds(),
		"from_cache", response.FromCache)
}

func (s *NATSService) reply(subject string, response *ChatResponse) {
	if subject == "" {
		return
	}
	data, err := json.Marshal(response)
	if err != nil {
		slog.Error("Failed to marshal reply", "req_id", response.ReqID, "error", err)
		return
	}
	if err := s.conn.Publish(subject, data); err != nil {
		slog.Error("Failed to publish reply",
			"req_id", response.ReqID,
			"reply_subject", subject,
			"error", err)
	}
}

func (s *NATSService) Close() error {
	if s.conn != nil {
		s.conn.Close()
	}
	return nil
}

func (s *NATSService) GetConnection() *nats.Conn {
	return s.conn
}

func (s *NATSService) GetHealthService() *HealthService {
	return s.health
}
