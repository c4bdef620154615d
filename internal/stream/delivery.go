package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/chatforge/pipeline-service/internal/metrics"
	"github.com/chatforge/pipeline-service/internal/models"
	"github.com/chatforge/pipeline-service/internal/provider"
	"github.com/chatforge/pipeline-service/internal/repository"
)

// ErrStreamAborted marks a client-driven cancellation. Expected outcome, not
// a defect; logged at Info rather than Error.
var ErrStreamAborted = errors.New("stream aborted by client")

// Result is the payload of a completed stream, mirroring the end event.
type Result struct {
	MessageID    string `json:"message_id"`
	TotalChunks  int    `json:"total_chunks"`
	TotalTimeMs  int64  `json:"total_time_ms"`
	FullResponse string `json:"full_response"`
}

// Delivery drives token-by-token delivery of one response per invocation:
// NotStarted -> Streaming -> Completed | Aborted | Failed. Sessions are
// ephemeral and never shared; each call owns its own chunk sequence.
type Delivery struct {
	provider        provider.CompletionProvider
	repo            repository.Repository
	broadcaster     Broadcaster
	collector       *metrics.Collector
	broadcastPrefix string
	now             func() time.Time
}

func NewDelivery(p provider.CompletionProvider, repo repository.Repository, broadcaster Broadcaster, collector *metrics.Collector, broadcastPrefix string) *Delivery {
	if broadcastPrefix == "" {
		broadcastPrefix = "pipeline.stream"
	}
	return &Delivery{
		provider:        p,
		repo:            repo,
		broadcaster:     broadcaster,
		collector:       collector,
		broadcastPrefix: broadcastPrefix,
		now:             time.Now,
	}
}

// session is the per-invocation state. Owned exclusively by Stream.
type session struct {
	messageID    string
	chunks       []string
	startedAt    time.Time
	firstChunkAt time.Time
	aborted      bool
}

func (s *session) partial() string {
	return strings.Join(s.chunks, "")
}

// Stream consumes the upstream token stream for req, emitting chunk events
// to the client transport and broadcasting them for other instances. The
// cancellation check is cooperative, once per token: a token already in
// flight may finish, but nothing further is requested or emitted after the
// client disconnects. On success the full response is persisted and returned;
// on failure the error event is emitted first and the error re-raised so the
// caller's retry policy can act.
func (d *Delivery) Stream(ctx context.Context, req *models.DispatchRequest, transport Transport) (*Result, error) {
	sess := &session{
		messageID: ulid.Make().String(),
		startedAt: d.now(),
	}

	// Disconnect hook: released on every exit path.
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-transport.Done():
			cancel()
		case <-sctx.Done():
		}
	}()

	d.emit(transport, models.StreamEvent{
		Type:      models.EventStart,
		MessageID: sess.messageID,
		AgentID:   req.AgentID,
		Timestamp: sess.startedAt.UnixMilli(),
	}, sess)

	tokens, err := d.provider.StreamCompletion(sctx, req.Payload, systemContext(req))
	if err != nil {
		d.collector.RecordError(ctx, "provider_start")
		return nil, d.fail(ctx, transport, sess, err)
	}

	var streamErr error
consume:
	for {
		// Cooperative cancellation: observed before each token is processed.
		if sess.aborted = sess.aborted || sctx.Err() != nil || closed(transport.Done()); sess.aborted {
			break
		}

		select {
		case <-sctx.Done():
			sess.aborted = true
			break consume
		case delta, ok := <-tokens:
			if !ok {
				break consume
			}
			if delta.Err != nil {
				streamErr = delta.Err
				break consume
			}
			if delta.Text == "" {
				continue
			}
			d.deliverChunk(ctx, transport, sess, delta.Text)
		}
	}

	switch {
	case sess.aborted:
		return nil, d.fail(ctx, transport, sess, ErrStreamAborted)
	case streamErr != nil:
		d.collector.RecordError(ctx, "provider_stream")
		return nil, d.fail(ctx, transport, sess, streamErr)
	}

	return d.complete(ctx, transport, req, sess)
}

func (d *Delivery) deliverChunk(ctx context.Context, transport Transport, sess *session, text string) {
	index := len(sess.chunks)
	sess.chunks = append(sess.chunks, text)

	latency := d.now().Sub(sess.startedAt)
	if index == 0 {
		sess.firstChunkAt = d.now()
	}
	d.collector.RecordStreamChunk(ctx, float64(latency.Milliseconds()), index)

	d.emit(transport, models.StreamEvent{
		Type:      models.EventChunk,
		MessageID: sess.messageID,
		Chunk:     text,
		Index:     index,
		IsLast:    false,
	}, sess)
}

func (d *Delivery) complete(ctx context.Context, transport Transport, req *models.DispatchRequest, sess *session) (*Result, error) {
	full := sess.partial()
	totalTime := d.now().Sub(sess.startedAt).Milliseconds()

	stored := &models.StoredMessage{
		MessageID:   sess.messageID,
		WorkspaceID: req.WorkspaceID,
		AgentID:     req.AgentID,
		RequesterID: req.RequesterID,
		Query:       req.Payload,
		Response:    full,
		Chunks:      len(sess.chunks),
		DurationMs:  totalTime,
		Timestamp:   d.now(),
	}
	if _, err := d.repo.Message().StoreMessage(ctx, stored); err != nil {
		slog.Warn("Failed to persist streamed message", "message_id", sess.messageID, "error", err)
	}

	d.emit(transport, models.StreamEvent{
		Type:         models.EventEnd,
		MessageID:    sess.messageID,
		TotalChunks:  len(sess.chunks),
		TotalTimeMs:  totalTime,
		FullResponse: full,
	}, sess)

	slog.Info("Stream completed",
		"message_id", sess.messageID,
		"chunks", len(sess.chunks),
		"duration_ms", totalTime,
		"first_chunk_ms", firstChunkMs(sess))

	return &Result{
		MessageID:    sess.messageID,
		TotalChunks:  len(sess.chunks),
		TotalTimeMs:  totalTime,
		FullResponse: full,
	}, nil
}

// fail emits the error event with whatever chunks arrived, then re-raises.
func (d *Delivery) fail(ctx context.Context, transport Transport, sess *session, cause error) error {
	code := models.CodeProviderError
	if errors.Is(cause, ErrStreamAborted) {
		code = models.CodeStreamAborted
		slog.Info("Stream aborted by client",
			"message_id", sess.messageID,
			"chunks", len(sess.chunks))
	} else {
		slog.Error("Stream failed",
			"message_id", sess.messageID,
			"chunks", len(sess.chunks),
			"error", cause)
	}

	d.emit(transport, models.StreamEvent{
		Type:            models.EventError,
		MessageID:       sess.messageID,
		Error:           cause.Error(),
		Code:            code,
		PartialResponse: sess.partial(),
	}, sess)

	return fmt.Errorf("stream %s: %w", sess.messageID, cause)
}

// emit sends to the client if still connected and always broadcasts. A Send
// failure flips the session to aborted so no further client writes happen.
func (d *Delivery) emit(transport Transport, event models.StreamEvent, sess *session) {
	if !sess.aborted && !closed(transport.Done()) {
		if err := transport.Send(event); err != nil {
			slog.Debug("Client transport send failed, treating as disconnect",
				"message_id", event.MessageID, "error", err)
			sess.aborted = true
		}
	}
	d.broadcast(event)
}

func (d *Delivery) broadcast(event models.StreamEvent) {
	if d.broadcaster == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Warn("Failed to marshal broadcast event", "error", err)
		return
	}
	subject := fmt.Sprintf("%s.%s", d.broadcastPrefix, event.MessageID)
	if err := d.broadcaster.Publish(subject, payload); err != nil {
		slog.Warn("Broadcast publish failed", "subject", subject, "error", err)
	}
}

func systemContext(req *models.DispatchRequest) string {
	return fmt.Sprintf("workspace=%s agent=%s", req.WorkspaceID, req.AgentID)
}

func firstChunkMs(sess *session) int64 {
	if sess.firstChunkAt.IsZero() {
		return -1
	}
	return sess.firstChunkAt.Sub(sess.startedAt).Milliseconds()
}

func closed(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}
