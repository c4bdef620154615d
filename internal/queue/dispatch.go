package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chatforge/pipeline-service/internal/jobengine"
	"github.com/chatforge/pipeline-service/internal/metrics"
	"github.com/chatforge/pipeline-service/internal/models"
)

// Dynamic priority tuning. Age lowers the numeric priority one point per
// elapsed second up to the cap; VIP requesters get a fixed extra boost.
// Boosts only ever raise urgency, never reduce it.
const (
	maxAgeBoost = 30
	vipBoost    = 20
)

// LaneConfig is the advisory fairness weight and concurrency ceiling for a
// tier. Enforcement belongs to the job engine, not this component.
type LaneConfig struct {
	Weight         int `json:"weight"`
	MaxConcurrency int `json:"max_concurrency"`
}

var defaultLanes = map[string]LaneConfig{
	"critical": {Weight: 10, MaxConcurrency: 5},
	"high":     {Weight: 8, MaxConcurrency: 10},
	"normal":   {Weight: 5, MaxConcurrency: 10},
	"low":      {Weight: 3, MaxConcurrency: 5},
	"batch":    {Weight: 1, MaxConcurrency: 2},
}

// QueueStats is the scheduling read API for dashboards.
type QueueStats struct {
	TotalPending      int64            `json:"total_pending"`
	ByPriorityTier    map[string]int64 `json:"by_priority_tier"`
	AverageWaitTimeMs float64          `json:"average_wait_time_ms"`
	ProcessingRate    float64          `json:"processing_rate"`
	EstimatedWaitMs   float64          `json:"estimated_wait_ms"`
}

// LaneStats pairs a lane's configuration with its current backlog.
type LaneStats struct {
	Tier           string `json:"tier"`
	Weight         int    `json:"weight"`
	MaxConcurrency int    `json:"max_concurrency"`
	Pending        int64  `json:"pending"`
}

// Dispatcher classifies requests into priority lanes and schedules them on
// the job engine. The VIP set is instance-local mutable state guarded by a
// read-write lock.
type Dispatcher struct {
	engine    *jobengine.Engine
	collector *metrics.Collector
	lanes     map[string]LaneConfig

	mu   sync.RWMutex
	vips map[string]struct{}

	now func() time.Time
}

func NewDispatcher(engine *jobengine.Engine, collector *metrics.Collector, vipUsers []string) *Dispatcher {
	vips := make(map[string]struct{}, len(vipUsers))
	for _, u := range vipUsers {
		vips[u] = struct{}{}
	}
	return &Dispatcher{
		engine:    engine,
		collector: collector,
		lanes:     defaultLanes,
		vips:      vips,
		now:       time.Now,
	}
}

// clampPriority keeps any externally supplied priority inside the valid
// [CRITICAL, BATCH] range.
func clampPriority(priority int) int {
	if priority < models.PriorityCritical {
		return models.PriorityCritical
	}
	if priority > models.PriorityBatch {
		return models.PriorityBatch
	}
	return priority
}

// CalculatePriority maps a request type to its base tier. Unknown types are
// treated as NORMAL.
func (d *Dispatcher) CalculatePriority(req *models.DispatchRequest) int {
	switch req.Type {
	case models.RequestSystemCheck:
		return models.PriorityCritical
	case models.RequestDirectChat, models.RequestStatusQuery:
		return models.PriorityHigh
	case models.RequestTaskUpdate:
		return models.PriorityNormal
	case models.RequestBulkReport:
		return models.PriorityLow
	case models.RequestBackgroundTask:
		return models.PriorityBatch
	default:
		return models.PriorityNormal
	}
}

// ApplyDynamicPriority adjusts a base priority by request age and requester
// class, clamping the result to a floor of 1.
func (d *Dispatcher) ApplyDynamicPriority(req *models.DispatchRequest, basePriority int) int {
	priority := basePriority

	ageBoost := int(d.now().Sub(req.CreatedAt).Seconds())
	if ageBoost < 0 {
		ageBoost = 0
	}
	if ageBoost > maxAgeBoost {
		ageBoost = maxAgeBoost
	}
	priority -= ageBoost

	if d.IsVIP(req.RequesterID) {
		priority -= vipBoost
	}

	if priority < models.PriorityCritical {
		priority = models.PriorityCritical
	}
	return priority
}

// Enqueue computes the request's final priority and submits it to the job
// engine. overridePriority, when non-zero, wins over the computed value.
// CRITICAL-tier submissions go in last-in-first-out so the freshest of a
// burst of self-superseding events is serviced first.
func (d *Dispatcher) Enqueue(ctx context.Context, req *models.DispatchRequest, overridePriority int) (string, error) {
	base := d.CalculatePriority(req)
	priority := overridePriority
	if priority <= 0 {
		priority = d.ApplyDynamicPriority(req, base)
	} else {
		priority = clampPriority(priority)
	}
	req.ComputedPriority = priority

	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal dispatch request: %w", err)
	}

	job, err := d.engine.Submit(ctx, string(req.Type), string(payload), jobengine.SubmitOptions{
		Priority: priority,
		LIFO:     base == models.PriorityCritical,
		JobID:    req.ID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue request: %w", err)
	}

	slog.Debug("Request enqueued",
		"job_id", job.ID,
		"type", req.Type,
		"base_priority", base,
		"priority", priority,
		"tier", models.TierName(priority))

	if pending, err := d.engine.PendingCount(ctx); err == nil {
		d.collector.RecordQueueDepth(ctx, pending, models.TierName(priority))
	}
	return job.ID, nil
}

// Requeue pulls a still-waiting job back and resubmits it at newPriority.
// Jobs already started or finished are left alone with a warning.
func (d *Dispatcher) Requeue(ctx context.Context, jobID string, newPriority int) error {
	job, err := d.engine.Get(ctx, jobID)
	if err != nil {
		slog.Warn("Requeue skipped, job unknown", "job_id", jobID, "error", err)
		return nil
	}

	removed, err := d.engine.Remove(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to remove job for requeue: %w", err)
	}
	if !removed {
		slog.Warn("Requeue skipped, job no longer pending", "job_id", jobID, "status", job.Status)
		return nil
	}

	newPriority = clampPriority(newPriority)
	_, err = d.engine.Submit(ctx, job.Type, job.Payload, jobengine.SubmitOptions{
		Priority: newPriority,
		LIFO:     job.LIFO,
		JobID:    job.ID,
	})
	if err != nil {
		return fmt.Errorf("failed to resubmit job: %w", err)
	}
	slog.Info("Job requeued", "job_id", jobID, "priority", newPriority)
	return nil
}

// AddVIP marks a requester for priority boosting.
func (d *Dispatcher) AddVIP(requesterID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.vips[requesterID] = struct{}{}
}

// RemoveVIP clears a requester's boost.
func (d *Dispatcher) RemoveVIP(requesterID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.vips, requesterID)
}

func (d *Dispatcher) IsVIP(requesterID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.vips[requesterID]
	return ok
}

// GetQueueStats derives scheduling health from the engine's pending queue
// and its bounded completion sample.
func (d *Dispatcher) GetQueueStats(ctx context.Context) (*QueueStats, error) {
	pending, err := d.engine.ListPending(ctx)
	if err != nil {
		return nil, err
	}

	stats := &QueueStats{
		TotalPending:   int64(len(pending)),
		ByPriorityTier: map[string]int64{},
	}
	for _, job := range pending {
		stats.ByPriorityTier[models.TierName(job.Priority)]++
	}

	completed, err := d.engine.ListCompleted(ctx, 0)
	if err == nil && len(completed) > 0 {
		var waitSum int64
		for _, job := range completed {
			waitSum += job.WaitMs
		}
		stats.AverageWaitTimeMs = float64(waitSum) / float64(len(completed))
	}

	if recent, err := d.engine.CompletedSince(ctx, d.now().Add(-time.Minute)); err == nil {
		stats.ProcessingRate = float64(recent) / 60.0
	}
	if stats.ProcessingRate > 0 {
		stats.EstimatedWaitMs = float64(stats.TotalPending) / stats.ProcessingRate * 1000
	}
	return stats, nil
}

// GetLaneStats reports each lane's configuration alongside its backlog.
// Capacity planning data only; nothing here throttles submissions.
func (d *Dispatcher) GetLaneStats(ctx context.Context) ([]LaneStats, error) {
	pending, err := d.engine.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	byTier := map[string]int64{}
	for _, job := range pending {
		byTier[models.TierName(job.Priority)]++
	}

	out := make([]LaneStats, 0, len(d.lanes))
	for _, tier := range []string{"critical", "high", "normal", "low", "batch"} {
		cfg := d.lanes[tier]
		out = append(out, LaneStats{
			Tier:           tier,
			Weight:         cfg.Weight,
			MaxConcurrency: cfg.MaxConcurrency,
			Pending:        byTier[tier],
		})
	}
	return out, nil
}
