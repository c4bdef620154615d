package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) (*Collector, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewCollector(rdb, time.Hour, Thresholds{}), mr
}

func TestPercentile(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		p      float64
		want   float64
	}{
		{"empty", nil, 99, 0},
		{"single", []float64{42}, 50, 42},
		{"single p99", []float64{42}, 99, 42},
		{"ten values p50", []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, 50, 5},
		{"ten values p90", []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, 90, 9},
		{"ten values p99", []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, 99, 10},
		{"two values p50", []float64{10, 20}, 50, 10},
		{"p100", []float64{1, 2, 3}, 100, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Percentile(tt.values, tt.p); got != tt.want {
				t.Errorf("Percentile(%v, %v) = %v, want %v", tt.values, tt.p, got, tt.want)
			}
		})
	}
}

func TestPercentileHundredValues(t *testing.T) {
	values := make([]float64, 100)
	for i := range values {
		values[i] = float64(i + 1)
	}
	if got := Percentile(values, 99); got != 99 {
		t.Errorf("p99 of 1..100 = %v, want 99", got)
	}
	if got := Percentile(values, 50); got != 50 {
		t.Errorf("p50 of 1..100 = %v, want 50", got)
	}
}

func TestRecordResponseTimeBuckets(t *testing.T) {
	c, mr := newTestCollector(t)
	ctx := context.Background()

	// 300ms lands in every bucket with boundary >= 300.
	c.RecordResponseTime(ctx, 300, nil)

	for _, tc := range []struct {
		field string
		want  string
	}{
		{"bucket_le_500", "1"},
		{"bucket_le_1000", "1"},
		{"bucket_le_5000", "1"},
		{"requests_total", "1"},
	} {
		if got := mr.HGet("metrics:counters", tc.field); got != tc.want {
			t.Errorf("counter %s = %q, want %q", tc.field, got, tc.want)
		}
	}

	// Buckets below the observed value stay untouched.
	if got := mr.HGet("metrics:counters", "bucket_le_100"); got != "" {
		t.Errorf("bucket_le_100 = %q, want unset", got)
	}
	if got := mr.HGet("metrics:counters", "bucket_le_250"); got != "" {
		t.Errorf("bucket_le_250 = %q, want unset", got)
	}
}

func TestRecordResponseTimeLabels(t *testing.T) {
	c, mr := newTestCollector(t)
	ctx := context.Background()

	c.RecordResponseTime(ctx, 120, map[string]string{
		"path":       "interactive",
		"from_cache": "false",
	})
	c.RecordResponseTime(ctx, 80, map[string]string{
		"path": "interactive",
	})

	for _, tc := range []struct {
		field string
		want  string
	}{
		{"requests_total", "2"},
		{"requests_path_interactive", "2"},
		{"requests_from_cache_false", "1"},
	} {
		if got := mr.HGet("metrics:counters", tc.field); got != tc.want {
			t.Errorf("counter %s = %q, want %q", tc.field, got, tc.want)
		}
	}
}

func TestGetMetricsAggregation(t *testing.T) {
	c, _ := newTestCollector(t)
	ctx := context.Background()

	base := time.Now()
	// Distinct instants so series members never collide.
	for i, ms := range []float64{100, 200, 300, 400, 500} {
		c.now = func() time.Time { return base.Add(time.Duration(i) * time.Millisecond) }
		c.RecordResponseTime(ctx, ms, nil)
	}
	c.now = time.Now

	c.RecordCacheHit(ctx, true, "STATUS")
	c.RecordCacheHit(ctx, true, "HELP")
	c.RecordCacheHit(ctx, false, "")
	c.RecordQueueDepth(ctx, 3, "normal")
	c.RecordQueueDepth(ctx, 2, "batch")
	c.RecordError(ctx, "provider_stream")

	summary := c.GetMetrics(ctx)

	if summary.ResponseTime.Samples != 5 {
		t.Fatalf("samples = %d, want 5", summary.ResponseTime.Samples)
	}
	if summary.ResponseTime.P50 != 300 {
		t.Errorf("p50 = %v, want 300", summary.ResponseTime.P50)
	}
	if summary.ResponseTime.P99 != 500 {
		t.Errorf("p99 = %v, want 500", summary.ResponseTime.P99)
	}
	if summary.ResponseTime.AverageMs != 300 {
		t.Errorf("average = %v, want 300", summary.ResponseTime.AverageMs)
	}

	if summary.Cache.Hits != 2 || summary.Cache.Misses != 1 {
		t.Errorf("cache hits/misses = %d/%d, want 2/1", summary.Cache.Hits, summary.Cache.Misses)
	}
	wantRate := 2.0 / 3.0
	if summary.Cache.HitRate < wantRate-0.001 || summary.Cache.HitRate > wantRate+0.001 {
		t.Errorf("hit rate = %v, want ~%v", summary.Cache.HitRate, wantRate)
	}

	if summary.Queue.Depth != 5 {
		t.Errorf("queue depth = %d, want 5", summary.Queue.Depth)
	}
	if summary.Queue.DepthByTier["normal"] != 3 {
		t.Errorf("normal depth = %d, want 3", summary.Queue.DepthByTier["normal"])
	}

	if summary.Errors.Total != 1 {
		t.Errorf("errors total = %d, want 1", summary.Errors.Total)
	}
	if summary.Errors.ByType["provider_stream"] != 1 {
		t.Errorf("provider_stream errors = %d, want 1", summary.Errors.ByType["provider_stream"])
	}
}

func TestQueueDepthLatestWins(t *testing.T) {
	c, _ := newTestCollector(t)
	ctx := context.Background()

	c.RecordQueueDepth(ctx, 10, "high")
	c.RecordQueueDepth(ctx, 4, "high")

	summary := c.GetMetrics(ctx)
	if summary.Queue.DepthByTier["high"] != 4 {
		t.Errorf("high depth = %d, want latest value 4", summary.Queue.DepthByTier["high"])
	}
}

func TestAlertResponseTimeP99(t *testing.T) {
	c, _ := newTestCollector(t)
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 5; i++ {
		i := i
		c.now = func() time.Time { return base.Add(time.Duration(i) * time.Millisecond) }
		c.RecordResponseTime(ctx, 3500, nil)
	}
	c.now = time.Now

	alerts := c.GetAlertStatus(ctx)
	alert := findAlert(t, alerts, "response_time_p99")
	require.Equal(t, StatusFiring, alert.Status)
	require.Equal(t, SeverityCritical, alert.Severity)
	require.NotNil(t, alert.TriggeredAt)
	require.Equal(t, 3500.0, alert.Value)
}

func TestAlertResponseTimeResolved(t *testing.T) {
	c, _ := newTestCollector(t)
	ctx := context.Background()

	c.RecordResponseTime(ctx, 1500, nil)

	alerts := c.GetAlertStatus(ctx)
	alert := findAlert(t, alerts, "response_time_p99")
	require.Equal(t, StatusResolved, alert.Status)
	require.Nil(t, alert.TriggeredAt)
}

func TestAlertHitRateNeedsTraffic(t *testing.T) {
	c, _ := newTestCollector(t)
	ctx := context.Background()

	// No cache traffic at all: a 0.0 hit rate must not fire.
	alerts := c.GetAlertStatus(ctx)
	alert := findAlert(t, alerts, "cache_hit_rate")
	if alert.Status != StatusResolved {
		t.Fatalf("hit rate alert fired with no traffic: %+v", alert)
	}

	// All misses: now it fires.
	for i := 0; i < 10; i++ {
		c.RecordCacheHit(ctx, false, "")
	}
	alerts = c.GetAlertStatus(ctx)
	alert = findAlert(t, alerts, "cache_hit_rate")
	if alert.Status != StatusFiring {
		t.Fatalf("hit rate alert did not fire at 0%% over 10 misses: %+v", alert)
	}
	if alert.Severity != SeverityWarning {
		t.Errorf("severity = %s, want warning", alert.Severity)
	}
}

func TestAlertQueueDepth(t *testing.T) {
	c, _ := newTestCollector(t)
	ctx := context.Background()

	c.RecordQueueDepth(ctx, 150, "normal")

	alerts := c.GetAlertStatus(ctx)
	alert := findAlert(t, alerts, "queue_depth")
	if alert.Status != StatusFiring {
		t.Fatalf("queue depth alert did not fire at 150: %+v", alert)
	}

	c.RecordQueueDepth(ctx, 5, "normal")
	alerts = c.GetAlertStatus(ctx)
	alert = findAlert(t, alerts, "queue_depth")
	if alert.Status != StatusResolved {
		t.Fatalf("queue depth alert still firing at 5: %+v", alert)
	}
}

func TestSeriesRetentionPruning(t *testing.T) {
	c, _ := newTestCollector(t)
	ctx := context.Background()

	old := time.Now().Add(-2 * time.Hour)
	c.now = func() time.Time { return old }
	c.RecordResponseTime(ctx, 100, nil)

	// A fresh sample triggers the prune of anything outside retention.
	c.now = time.Now
	c.RecordResponseTime(ctx, 200, nil)

	summary := c.GetMetrics(ctx)
	if summary.ResponseTime.Samples != 1 {
		t.Fatalf("samples = %d, want 1 after pruning", summary.ResponseTime.Samples)
	}
	if summary.ResponseTime.P50 != 200 {
		t.Errorf("p50 = %v, want the surviving sample 200", summary.ResponseTime.P50)
	}
}

func findAlert(t *testing.T, alerts []AlertState, name string) AlertState {
	t.Helper()
	for _, a := range alerts {
		if a.Name == name {
			return a
		}
	}
	t.Fatalf("alert %s not found in %+v", name, alerts)
	return AlertState{}
}
