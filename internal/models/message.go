package models

import "time"

// StoredMessage is the persisted record of a completed agent response.
type StoredMessage struct {
	ID          int64     `json:"id"`
	MessageID   string    `json:"message_id"`
	WorkspaceID string    `json:"workspace_id"`
	AgentID     string    `json:"agent_id"`
	RequesterID string    `json:"requester_id"`
	Query       string    `json:"query"`
	Response    string    `json:"response"`
	Category    string    `json:"category"`
	FromCache   bool      `json:"from_cache"`
	Chunks      int       `json:"chunks"`
	DurationMs  int64     `json:"duration_ms"`
	Timestamp   time.Time `json:"ts"`
}
