package client

// ChatRequest represents a request to the agent-response pipeline
type ChatRequest struct {
	ReqID            string `json:"req_id"`
	Query            string `json:"query"`
	Type             string `json:"type,omitempty"`
	WorkspaceID      string `json:"workspace_id"`
	AgentID          string `json:"agent_id"`
	RequesterID      string `json:"requester_id"`
	ProjectContextID string `json:"project_context_id,omitempty"`
	ScopeID          string `json:"scope_id,omitempty"`
	ReplyTo          string `json:"reply_to,omitempty"`
}

// ChatResponse represents a pipeline reply
type ChatResponse struct {
	ReqID      string `json:"req_id"`
	Response   string `json:"response"`
	FromCache  bool   `json:"from_cache"`
	Category   string `json:"category"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}
