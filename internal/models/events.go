package models

// Stream event types delivered to the client transport and broadcast for
// cross-instance observers.
const (
	EventStart = "start"
	EventChunk = "chunk"
	EventEnd   = "end"
	EventError = "error"
)

// Error codes carried by error stream events.
const (
	CodeStreamAborted = "STREAM_ABORTED"
	CodeProviderError = "PROVIDER_ERROR"
)

// StreamEvent is the wire shape of every streaming protocol event. Fields
// not meaningful for a given type are left zero and omitted.
type StreamEvent struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	AgentID   string `json:"agent_id,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`

	// chunk
	Chunk  string `json:"chunk,omitempty"`
	Index  int    `json:"index,omitempty"`
	IsLast bool   `json:"is_last,omitempty"`

	// end
	TotalChunks  int    `json:"total_chunks,omitempty"`
	TotalTimeMs  int64  `json:"total_time_ms,omitempty"`
	FullResponse string `json:"full_response,omitempty"`

	// error
	Error           string `json:"error,omitempty"`
	Code            string `json:"code,omitempty"`
	PartialResponse string `json:"partial_response,omitempty"`
}
