package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// TokenDelta is one event of a completion stream: a text fragment or a
// terminal error. The producing channel is closed after the final event.
type TokenDelta struct {
	Text string
	Err  error
}

// CompletionProvider produces a lazy, finite, non-restartable token stream
// for a prompt. Consumers must drain or cancel ctx to release resources.
type CompletionProvider interface {
	StreamCompletion(ctx context.Context, prompt, systemContext string) (<-chan TokenDelta, error)
}

// Gate is an injectable availability policy (circuit breaker) wrapped around
// provider calls. The concrete open/half-open thresholds are owned by the
// policy, not assumed here.
type Gate interface {
	Allow() error
	Record(err error)
}

// PassthroughGate admits every call. The default when no breaker policy is
// configured.
type PassthroughGate struct{}

func (PassthroughGate) Allow() error { return nil }
func (PassthroughGate) Record(error) {}

// Config holds the HTTP completion client configuration.
type Config struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client streams completions from an NDJSON generate endpoint.
type Client struct {
	config     Config
	gate       Gate
	httpClient *http.Client
}

func NewClient(cfg Config, gate Gate) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if gate == nil {
		gate = PassthroughGate{}
	}
	return &Client{
		config:     cfg,
		gate:       gate,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	Stream bool   `json:"stream"`
}

type generateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// StreamCompletion opens a streaming generate call and relays token deltas
// until the provider reports done, errors, or ctx is cancelled. The returned
// channel is closed on every exit path.
func (c *Client) StreamCompletion(ctx context.Context, prompt, systemContext string) (<-chan TokenDelta, error) {
	if err := c.gate.Allow(); err != nil {
		return nil, fmt.Errorf("completion gate rejected call: %w", err)
	}

	body, err := json.Marshal(generateRequest{
		Model:  c.config.Model,
		Prompt: prompt,
		System: systemContext,
		Stream: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal generate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.config.BaseURL, "/")+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create generate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.gate.Record(err)
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		err := fmt.Errorf("completion provider returned status %d", resp.StatusCode)
		c.gate.Record(err)
		return nil, err
	}

	tokens := make(chan TokenDelta, 64)
	go func() {
		defer close(tokens)
		defer resp.Body.Close()

		var streamErr error
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scan:
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk generateChunk
			if err := json.Unmarshal(line, &chunk); err != nil {
				streamErr = fmt.Errorf("malformed stream chunk: %w", err)
				break
			}
			if chunk.Error != "" {
				streamErr = fmt.Errorf("provider error: %s", chunk.Error)
				break
			}
			if chunk.Response != "" {
				select {
				case tokens <- TokenDelta{Text: chunk.Response}:
				case <-ctx.Done():
					streamErr = ctx.Err()
					break scan
				}
			}
			if chunk.Done {
				break
			}
			if ctx.Err() != nil {
				streamErr = ctx.Err()
				break
			}
		}
		if streamErr == nil {
			if err := scanner.Err(); err != nil && ctx.Err() == nil {
				streamErr = fmt.Errorf("stream read failed: %w", err)
			}
		}

		c.gate.Record(streamErr)
		if streamErr != nil {
			// The consumer may have gone away with the buffer full, so the
			// final error send must not block past cancellation.
			select {
			case tokens <- TokenDelta{Err: streamErr}:
			case <-ctx.Done():
			}
		}
	}()

	return tokens, nil
}

// Complete drains a streamed completion into a single string. Used by the
// background worker path where no client transport is attached.
func Complete(ctx context.Context, p CompletionProvider, prompt, systemContext string) (string, error) {
	stream, err := p.StreamCompletion(ctx, prompt, systemContext)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for delta := range stream {
		if delta.Err != nil {
			return sb.String(), delta.Err
		}
		sb.WriteString(delta.Text)
	}
	return sb.String(), nil
}
