package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/chatforge/pipeline-service/internal/jobengine"
	"github.com/chatforge/pipeline-service/internal/metrics"
	"github.com/chatforge/pipeline-service/internal/models"
)

func newTestDispatcher(t *testing.T, vips ...string) (*Dispatcher, *jobengine.Engine) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	engine := jobengine.NewEngine(rdb)
	collector := metrics.NewCollector(rdb, time.Hour, metrics.Thresholds{})
	return NewDispatcher(engine, collector, vips), engine
}

func TestCalculatePriority(t *testing.T) {
	d, _ := newTestDispatcher(t)

	tests := []struct {
		reqType models.RequestType
		want    int
	}{
		{models.RequestSystemCheck, models.PriorityCritical},
		{models.RequestDirectChat, models.PriorityHigh},
		{models.RequestStatusQuery, models.PriorityHigh},
		{models.RequestTaskUpdate, models.PriorityNormal},
		{models.RequestBulkReport, models.PriorityLow},
		{models.RequestBackgroundTask, models.PriorityBatch},
		{models.RequestType("something_new"), models.PriorityNormal},
	}

	for _, tt := range tests {
		req := &models.DispatchRequest{Type: tt.reqType}
		if got := d.CalculatePriority(req); got != tt.want {
			t.Errorf("CalculatePriority(%s) = %d, want %d", tt.reqType, got, tt.want)
		}
	}
}

func TestApplyDynamicPriorityAge(t *testing.T) {
	d, _ := newTestDispatcher(t)
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	// One point per second of age.
	req := &models.DispatchRequest{Type: models.RequestTaskUpdate, CreatedAt: now.Add(-10 * time.Second)}
	if got := d.ApplyDynamicPriority(req, models.PriorityNormal); got != 40 {
		t.Errorf("10s-old NORMAL = %d, want 40", got)
	}

	// Age boost caps at 30 no matter how stale.
	req = &models.DispatchRequest{Type: models.RequestTaskUpdate, CreatedAt: now.Add(-60 * time.Second)}
	if got := d.ApplyDynamicPriority(req, models.PriorityNormal); got != 20 {
		t.Errorf("60s-old NORMAL = %d, want 20", got)
	}

	// Future timestamps never penalize.
	req = &models.DispatchRequest{Type: models.RequestTaskUpdate, CreatedAt: now.Add(5 * time.Second)}
	if got := d.ApplyDynamicPriority(req, models.PriorityNormal); got != 50 {
		t.Errorf("future-dated NORMAL = %d, want 50", got)
	}
}

func TestApplyDynamicPriorityVIP(t *testing.T) {
	d, _ := newTestDispatcher(t, "vip-user")
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	req := &models.DispatchRequest{
		Type:        models.RequestTaskUpdate,
		RequesterID: "vip-user",
		CreatedAt:   now,
	}
	if got := d.ApplyDynamicPriority(req, models.PriorityNormal); got != 30 {
		t.Errorf("VIP NORMAL = %d, want 30", got)
	}

	req.RequesterID = "regular-user"
	if got := d.ApplyDynamicPriority(req, models.PriorityNormal); got != 50 {
		t.Errorf("non-VIP NORMAL = %d, want 50", got)
	}
}

func TestApplyDynamicPriorityClampFloor(t *testing.T) {
	d, _ := newTestDispatcher(t, "vip-user")
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	// Aged VIP HIGH would go negative without the clamp.
	req := &models.DispatchRequest{
		Type:        models.RequestDirectChat,
		RequesterID: "vip-user",
		CreatedAt:   now.Add(-60 * time.Second),
	}
	if got := d.ApplyDynamicPriority(req, models.PriorityHigh); got != models.PriorityCritical {
		t.Errorf("boosted HIGH = %d, want clamp to %d", got, models.PriorityCritical)
	}
}

func TestEnqueueSetsComputedPriority(t *testing.T) {
	d, engine := newTestDispatcher(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	req := &models.DispatchRequest{
		ID:        "req-1",
		Type:      models.RequestTaskUpdate,
		Payload:   "do the thing",
		CreatedAt: now,
	}
	jobID, err := d.Enqueue(ctx, req, 0)
	require.NoError(t, err)
	require.Equal(t, "req-1", jobID)
	require.Equal(t, models.PriorityNormal, req.ComputedPriority)

	job, err := engine.Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.PriorityNormal, job.Priority)
	require.False(t, job.LIFO)
}

func TestEnqueueOverrideWins(t *testing.T) {
	d, engine := newTestDispatcher(t)
	ctx := context.Background()

	req := &models.DispatchRequest{
		ID:        "req-2",
		Type:      models.RequestBulkReport,
		CreatedAt: time.Now(),
	}
	jobID, err := d.Enqueue(ctx, req, 7)
	require.NoError(t, err)
	require.Equal(t, 7, req.ComputedPriority)

	job, err := engine.Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, 7, job.Priority)
}

func TestEnqueueOverrideClamped(t *testing.T) {
	d, engine := newTestDispatcher(t)
	ctx := context.Background()

	req := &models.DispatchRequest{
		ID:        "req-clamped",
		Type:      models.RequestTaskUpdate,
		CreatedAt: time.Now(),
	}
	jobID, err := d.Enqueue(ctx, req, 150)
	require.NoError(t, err)
	require.Equal(t, models.PriorityBatch, req.ComputedPriority)

	job, err := engine.Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.PriorityBatch, job.Priority)
}

func TestEnqueueCriticalIsLIFO(t *testing.T) {
	d, engine := newTestDispatcher(t)
	ctx := context.Background()

	req := &models.DispatchRequest{
		ID:        "req-crit",
		Type:      models.RequestSystemCheck,
		CreatedAt: time.Now(),
	}
	jobID, err := d.Enqueue(ctx, req, 0)
	require.NoError(t, err)

	job, err := engine.Get(ctx, jobID)
	require.NoError(t, err)
	require.True(t, job.LIFO, "critical submissions must be LIFO")
}

func TestRequeue(t *testing.T) {
	d, engine := newTestDispatcher(t)
	ctx := context.Background()

	req := &models.DispatchRequest{
		ID:        "req-3",
		Type:      models.RequestBackgroundTask,
		CreatedAt: time.Now(),
	}
	jobID, err := d.Enqueue(ctx, req, 0)
	require.NoError(t, err)

	require.NoError(t, d.Requeue(ctx, jobID, 20))

	job, err := engine.Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, 20, job.Priority)
	require.Equal(t, jobengine.StatusPending, job.Status)
}

func TestRequeueClampsPriority(t *testing.T) {
	d, engine := newTestDispatcher(t)
	ctx := context.Background()

	req := &models.DispatchRequest{ID: "req-4", Type: models.RequestTaskUpdate, CreatedAt: time.Now()}
	jobID, err := d.Enqueue(ctx, req, 0)
	require.NoError(t, err)

	require.NoError(t, d.Requeue(ctx, jobID, -5))
	job, err := engine.Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.PriorityCritical, job.Priority)

	require.NoError(t, d.Requeue(ctx, jobID, 9999))
	job, err = engine.Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.PriorityBatch, job.Priority)
}

func TestRequeueActiveJobIsNoOp(t *testing.T) {
	d, engine := newTestDispatcher(t)
	ctx := context.Background()

	req := &models.DispatchRequest{ID: "req-5", Type: models.RequestTaskUpdate, CreatedAt: time.Now()}
	jobID, err := d.Enqueue(ctx, req, 0)
	require.NoError(t, err)

	claimed, err := engine.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, jobID, claimed.ID)

	// Started work is left alone.
	require.NoError(t, d.Requeue(ctx, jobID, 1))
	job, err := engine.Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, jobengine.StatusActive, job.Status)
}

func TestRequeueUnknownJobIsNoOp(t *testing.T) {
	d, _ := newTestDispatcher(t)
	if err := d.Requeue(context.Background(), "no-such-job", 10); err != nil {
		t.Fatalf("unknown job requeue returned error: %v", err)
	}
}

func TestVIPManagement(t *testing.T) {
	d, _ := newTestDispatcher(t, "seeded")

	if !d.IsVIP("seeded") {
		t.Error("seeded VIP not recognized")
	}
	if d.IsVIP("nobody") {
		t.Error("unknown requester reported as VIP")
	}

	d.AddVIP("runtime")
	if !d.IsVIP("runtime") {
		t.Error("added VIP not recognized")
	}

	d.RemoveVIP("runtime")
	if d.IsVIP("runtime") {
		t.Error("removed VIP still recognized")
	}
}

func TestGetQueueStats(t *testing.T) {
	d, engine := newTestDispatcher(t)
	ctx := context.Background()

	for i, reqType := range []models.RequestType{
		models.RequestDirectChat,
		models.RequestTaskUpdate,
		models.RequestTaskUpdate,
		models.RequestBackgroundTask,
	} {
		req := &models.DispatchRequest{
			ID:        string(reqType) + "-" + string(rune('a'+i)),
			Type:      reqType,
			CreatedAt: time.Now(),
		}
		_, err := d.Enqueue(ctx, req, 0)
		require.NoError(t, err)
	}

	// Drain one job through completion so rate/wait stats have data.
	job, err := engine.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, engine.Complete(ctx, job))

	stats, err := d.GetQueueStats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, stats.TotalPending)
	require.EqualValues(t, 2, stats.ByPriorityTier["normal"])
	require.EqualValues(t, 1, stats.ByPriorityTier["batch"])
	if stats.ProcessingRate <= 0 {
		t.Errorf("processing rate = %v, want > 0 after a completion", stats.ProcessingRate)
	}
	if stats.EstimatedWaitMs <= 0 {
		t.Errorf("estimated wait = %v, want > 0 with backlog and rate", stats.EstimatedWaitMs)
	}
}

func TestGetLaneStats(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	req := &models.DispatchRequest{ID: "lane-req", Type: models.RequestDirectChat, CreatedAt: time.Now()}
	_, err := d.Enqueue(ctx, req, 0)
	require.NoError(t, err)

	lanes, err := d.GetLaneStats(ctx)
	require.NoError(t, err)
	require.Len(t, lanes, 5)

	// Stable tier order, critical first.
	require.Equal(t, "critical", lanes[0].Tier)
	require.Equal(t, "batch", lanes[4].Tier)

	var high LaneStats
	for _, l := range lanes {
		if l.Tier == "high" {
			high = l
		}
	}
	require.EqualValues(t, 1, high.Pending)
	require.Equal(t, 8, high.Weight)
	require.Equal(t, 10, high.MaxConcurrency)
}
