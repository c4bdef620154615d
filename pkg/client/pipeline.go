package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/oklog/ulid/v2"
)

// PipelineClient provides a client interface for the agent-response pipeline
type PipelineClient interface {
	// Dispatch enqueues background work and waits for the acceptance reply.
	// The returned ReqID is the assigned job ID.
	Dispatch(ctx context.Context, req Request) (*ChatResponse, error)
	// Chat enqueues work and waits for the worker's final result.
	Chat(ctx context.Context, req Request) (*ChatResponse, error)

	// Lifecycle
	Close() error
}

// Request is the client-side submission shape.
type Request struct {
	Query            string
	Type             string
	WorkspaceID      string
	AgentID          string
	RequesterID      string
	ProjectContextID string
	ScopeID          string
}

// NATSPipelineClient implements PipelineClient using NATS request/reply
type NATSPipelineClient struct {
	conn     *nats.Conn
	subject  string
	clientID string
	timeout  time.Duration
}

// NewNATSClient creates a new NATS-based pipeline client
func NewNATSClient(natsURL, subject, clientID string) (PipelineClient, error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	if subject == "" {
		subject = "pipeline.request.default"
	}
	if clientID == "" {
		clientID = "pipeline-client"
	}

	return &NATSPipelineClient{
		conn:     conn,
		subject:  subject,
		clientID: clientID,
		timeout:  30 * time.Second,
	}, nil
}

// Dispatch publishes a request and returns once the service acknowledges the
// enqueue.
func (c *NATSPipelineClient) Dispatch(ctx context.Context, req Request) (*ChatResponse, error) {
	reqID := ulid.Make().String()
	replySubject := fmt.Sprintf("pipeline.response.%s.%s", c.clientID, reqID)
	return c.sendRequest(ctx, replySubject, c.buildRequest(req, reqID, replySubject), 1)
}

// Chat collects both the acceptance and the worker's final result,
// returning the latter.
func (c *NATSPipelineClient) Chat(ctx context.Context, req Request) (*ChatResponse, error) {
	reqID := ulid.Make().String()
	replySubject := fmt.Sprintf("pipeline.response.%s.%s", c.clientID, reqID)
	return c.sendRequest(ctx, replySubject, c.buildRequest(req, reqID, replySubject), 2)
}

func (c *NATSPipelineClient) buildRequest(req Request, reqID, replySubject string) ChatRequest {
	return ChatRequest{
		ReqID:            reqID,
		Query:            req.Query,
		Type:             req.Type,
		WorkspaceID:      req.WorkspaceID,
		AgentID:          req.AgentID,
		RequesterID:      req.RequesterID,
		ProjectContextID: req.ProjectContextID,
		ScopeID:          req.ScopeID,
		ReplyTo:          replySubject,
	}
}

// sendRequest publishes the request and collects `replies` messages from the
// reply subject, returning the last one.
func (c *NATSPipelineClient) sendRequest(ctx context.Context, replySubject string, request ChatRequest, replies int) (*ChatResponse, error) {
	slog.Debug("Sending pipeline request",
		"subject", c.subject,
		"req_id", request.ReqID,
		"reply_subject", replySubject)

	requestBytes, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	// Subscribe to the reply subject before publishing so no reply is lost.
	replyChan := make(chan *nats.Msg, replies)
	sub, err := c.conn.Subscribe(replySubject, func(msg *nats.Msg) {
		replyChan <- msg
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to reply: %w", err)
	}
	defer sub.Unsubscribe()

	if err := c.conn.Publish(c.subject, requestBytes); err != nil {
		return nil, fmt.Errorf("failed to publish request: %w", err)
	}

	timeout := time.NewTimer(c.timeout)
	defer timeout.Stop()

	var last *ChatResponse
	for i := 0; i < replies; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout.C:
			if last != nil {
				return last, nil
			}
			return nil, fmt.Errorf("timed out waiting for reply on %s", replySubject)
		case msg := <-replyChan:
			var response ChatResponse
			if err := json.Unmarshal(msg.Data, &response); err != nil {
				return nil, fmt.Errorf("failed to parse reply: %w", err)
			}
			if response.Error != "" {
				return &response, fmt.Errorf("pipeline error: %s", response.Error)
			}
			last = &response
		}
	}
	return last, nil
}

func (c *NATSPipelineClient) Close() error {
	if c.conn != nil {
		c.conn.Close()
	}
	return nil
}
