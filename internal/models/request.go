package models

import "time"

// RequestType classifies an inbound pipeline request for scheduling.
type RequestType string

const (
	RequestSystemCheck    RequestType = "system_check"
	RequestDirectChat     RequestType = "direct_chat"
	RequestStatusQuery    RequestType = "status_query"
	RequestTaskUpdate     RequestType = "task_update"
	RequestBulkReport     RequestType = "bulk_report"
	RequestBackgroundTask RequestType = "background_task"
)

// Priority tiers. Lower numeric value means higher urgency; every computed
// priority is clamped to [PriorityCritical, PriorityBatch].
const (
	PriorityCritical = 1
	PriorityHigh     = 20
	PriorityNormal   = 50
	PriorityLow      = 80
	PriorityBatch    = 100
)

// TierName maps a priority value to the lane it falls in.
func TierName(priority int) string {
	switch {
	case priority <= PriorityCritical:
		return "critical"
	case priority <= PriorityHigh:
		return "high"
	case priority <= PriorityNormal:
		return "normal"
	case priority <= PriorityLow:
		return "low"
	default:
		return "batch"
	}
}

// DispatchRequest is a unit of work submitted to the pipeline. Immutable
// after creation except for ComputedPriority, which a requeue may rewrite.
type DispatchRequest struct {
	ID               string      `json:"id"`
	Type             RequestType `json:"type"`
	WorkspaceID      string      `json:"workspace_id"`
	AgentID          string      `json:"agent_id"`
	RequesterID      string      `json:"requester_id"`
	Payload          string      `json:"payload"`
	ProjectContextID string      `json:"project_context_id,omitempty"`
	ScopeID          string      `json:"scope_id,omitempty"`
	ReplyTo          string      `json:"reply_to,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	ComputedPriority int         `json:"computed_priority"`
}
