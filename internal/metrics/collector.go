package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cumulative histogram boundaries in milliseconds. Every bucket whose
// boundary is >= the observed value is incremented, so bucket counts are
// directly usable for percentile-from-bucket math.
var HistogramBucketsMs = []float64{100, 250, 500, 1000, 2000, 3000, 5000}

const (
	keyCounters   = "metrics:counters"
	keyQueueDepth = "metrics:queue_depth"
	seriesPrefix  = "metrics:series:"

	seriesResponseTime = "response_time"
	seriesFirstChunk   = "chunk_first"
	seriesNextChunk    = "chunk_next"
)

// Alert severities and statuses.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	StatusFiring     = "firing"
	StatusResolved   = "resolved"
)

// MetricsSummary aggregates the pipeline's health indicators for dashboards.
type MetricsSummary struct {
	ResponseTime struct {
		P50       float64 `json:"p50"`
		P95       float64 `json:"p95"`
		P99       float64 `json:"p99"`
		AverageMs float64 `json:"average_ms"`
		Samples   int     `json:"samples"`
	} `json:"response_time"`
	Cache struct {
		Hits    int64   `json:"hits"`
		Misses  int64   `json:"misses"`
		HitRate float64 `json:"hit_rate"`
	} `json:"cache"`
	Queue struct {
		Depth       int64            `json:"depth"`
		DepthByTier map[string]int64 `json:"depth_by_tier"`
	} `json:"queue"`
	Throughput struct {
		RequestsPerSec float64 `json:"requests_per_sec"`
		TotalRequests  int64   `json:"total_requests"`
	} `json:"throughput"`
	Errors struct {
		Total  int64            `json:"total"`
		ByType map[string]int64 `json:"by_type"`
	} `json:"errors"`
	GeneratedAt time.Time `json:"generated_at"`
}

// AlertState is recomputed fresh on every read; no transition history is kept.
type AlertState struct {
	Name        string     `json:"name"`
	Severity    string     `json:"severity"`
	Status      string     `json:"status"`
	Value       float64    `json:"value"`
	Threshold   float64    `json:"threshold"`
	TriggeredAt *time.Time `json:"triggered_at,omitempty"`
}

// Thresholds gates alert evaluation. Zero values fall back to defaults.
type Thresholds struct {
	P99ResponseMs float64
	CacheHitRate  float64
	QueueDepth    int64
}

func (t Thresholds) withDefaults() Thresholds {
	if t.P99ResponseMs == 0 {
		t.P99ResponseMs = 3000
	}
	if t.CacheHitRate == 0 {
		t.CacheHitRate = 0.30
	}
	if t.QueueDepth == 0 {
		t.QueueDepth = 100
	}
	return t
}

// Collector records latency, cache, queue and error observations in Redis
// and derives percentiles and alert states from them. Recording is purely
// additive: a store failure is logged and swallowed, never surfaced.
type Collector struct {
	rdb        *redis.Client
	retention  time.Duration
	thresholds Thresholds
	now        func() time.Time
}

func NewCollector(rdb *redis.Client, retention time.Duration, thresholds Thresholds) *Collector {
	if retention <= 0 {
		retention = time.Hour
	}
	return &Collector{
		rdb:        rdb,
		retention:  retention,
		thresholds: thresholds.withDefaults(),
		now:        time.Now,
	}
}

// RecordResponseTime appends a raw latency sample and bumps every cumulative
// histogram bucket whose boundary is >= the observed value. Each label pair
// additionally increments a requests_<key>_<value> counter.
func (c *Collector) RecordResponseTime(ctx context.Context, ms float64, labels map[string]string) {
	pipe := c.rdb.Pipeline()
	c.appendSample(ctx, pipe, seriesResponseTime, ms)
	for _, boundary := range HistogramBucketsMs {
		if boundary >= ms {
			pipe.HIncrBy(ctx, keyCounters, fmt.Sprintf("bucket_le_%d", int(boundary)), 1)
		}
	}
	pipe.HIncrBy(ctx, keyCounters, "requests_total", 1)
	for k, v := range labels {
		pipe.HIncrBy(ctx, keyCounters, fmt.Sprintf("requests_%s_%s", k, v), 1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("Metrics recording skipped", "metric", "response_time", "error", err)
	}
}

// RecordCacheHit increments the per-category and global hit/miss counters.
func (c *Collector) RecordCacheHit(ctx context.Context, hit bool, category string) {
	outcome := "misses"
	if hit {
		outcome = "hits"
	}
	pipe := c.rdb.Pipeline()
	pipe.HIncrBy(ctx, keyCounters, "cache_"+outcome+"_total", 1)
	if category != "" {
		pipe.HIncrBy(ctx, keyCounters, "cache_"+outcome+"_"+strings.ToLower(category), 1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("Metrics recording skipped", "metric", "cache_hit", "error", err)
	}
}

// RecordQueueDepth stores the latest observed depth for a tier.
func (c *Collector) RecordQueueDepth(ctx context.Context, depth int64, tier string) {
	if tier == "" {
		tier = "default"
	}
	if err := c.rdb.HSet(ctx, keyQueueDepth, tier, depth).Err(); err != nil {
		slog.Warn("Metrics recording skipped", "metric", "queue_depth", "error", err)
	}
}

// RecordStreamChunk tracks chunk delivery latency, keeping time-to-first-chunk
// in its own series.
func (c *Collector) RecordStreamChunk(ctx context.Context, latencyMs float64, chunkIndex int) {
	series := seriesNextChunk
	if chunkIndex == 0 {
		series = seriesFirstChunk
	}
	pipe := c.rdb.Pipeline()
	c.appendSample(ctx, pipe, series, latencyMs)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("Metrics recording skipped", "metric", "stream_chunk", "error", err)
	}
}

// RecordError increments the per-type and total error counters.
func (c *Collector) RecordError(ctx context.Context, errType string) {
	if errType == "" {
		errType = "unknown"
	}
	pipe := c.rdb.Pipeline()
	pipe.HIncrBy(ctx, keyCounters, "errors_total", 1)
	pipe.HIncrBy(ctx, keyCounters, "errors_"+errType, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("Metrics recording skipped", "metric", "error", "error", err)
	}
}

// appendSample queues a ZADD for the sample and prunes the series to the
// retention window. Members embed a nanosecond timestamp so equal values
// never collide.
func (c *Collector) appendSample(ctx context.Context, pipe redis.Pipeliner, series string, value float64) {
	now := c.now()
	key := seriesPrefix + series
	member := fmt.Sprintf("%d:%g", now.UnixNano(), value)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: member})
	cutoff := now.Add(-c.retention).UnixMilli()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
}

// Percentile returns the p-th percentile of a sorted sample window using
// index ceil(p/100*n)-1 clamped to the valid range. Empty input yields 0.
func Percentile(sortedValues []float64, p float64) float64 {
	n := len(sortedValues)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	return sortedValues[idx]
}

// GetMetrics aggregates the current summary from the stored series and
// counters. Store failures yield a zero-valued summary.
func (c *Collector) GetMetrics(ctx context.Context) MetricsSummary {
	var summary MetricsSummary
	summary.GeneratedAt = c.now()
	summary.Queue.DepthByTier = map[string]int64{}
	summary.Errors.ByType = map[string]int64{}

	samples, err := c.seriesValues(ctx, seriesResponseTime)
	if err != nil {
		slog.Warn("Metrics read degraded", "series", seriesResponseTime, "error", err)
	}
	if len(samples) > 0 {
		sorted := append([]float64(nil), samples...)
		sort.Float64s(sorted)
		var sum float64
		for _, v := range sorted {
			sum += v
		}
		summary.ResponseTime.P50 = Percentile(sorted, 50)
		summary.ResponseTime.P95 = Percentile(sorted, 95)
		summary.ResponseTime.P99 = Percentile(sorted, 99)
		summary.ResponseTime.AverageMs = sum / float64(len(sorted))
		summary.ResponseTime.Samples = len(sorted)
	}

	counters, err := c.rdb.HGetAll(ctx, keyCounters).Result()
	if err != nil {
		slog.Warn("Metrics read degraded", "key", keyCounters, "error", err)
		counters = map[string]string{}
	}
	summary.Cache.Hits = counterValue(counters, "cache_hits_total")
	summary.Cache.Misses = counterValue(counters, "cache_misses_total")
	if total := summary.Cache.Hits + summary.Cache.Misses; total > 0 {
		summary.Cache.HitRate = float64(summary.Cache.Hits) / float64(total)
	}
	summary.Throughput.TotalRequests = counterValue(counters, "requests_total")
	summary.Errors.Total = counterValue(counters, "errors_total")
	for field, raw := range counters {
		if name, ok := strings.CutPrefix(field, "errors_"); ok && name != "total" {
			if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
				summary.Errors.ByType[name] = v
			}
		}
	}

	depths, err := c.rdb.HGetAll(ctx, keyQueueDepth).Result()
	if err != nil {
		slog.Warn("Metrics read degraded", "key", keyQueueDepth, "error", err)
		depths = map[string]string{}
	}
	for tier, raw := range depths {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			summary.Queue.DepthByTier[tier] = v
			summary.Queue.Depth += v
		}
	}

	// Requests/sec from sample density over the last minute.
	windowStart := c.now().Add(-time.Minute).UnixMilli()
	recent, err := c.rdb.ZCount(ctx, seriesPrefix+seriesResponseTime,
		strconv.FormatInt(windowStart, 10), "+inf").Result()
	if err == nil {
		summary.Throughput.RequestsPerSec = float64(recent) / 60.0
	}

	return summary
}

// GetAlertStatus evaluates the fixed alert rules against the current summary.
// Stateless: every call recomputes from scratch.
func (c *Collector) GetAlertStatus(ctx context.Context) []AlertState {
	summary := c.GetMetrics(ctx)
	now := c.now()

	alerts := []AlertState{
		{
			Name:      "response_time_p99",
			Severity:  SeverityCritical,
			Value:     summary.ResponseTime.P99,
			Threshold: c.thresholds.P99ResponseMs,
			Status:    statusFor(summary.ResponseTime.P99 > c.thresholds.P99ResponseMs),
		},
		{
			Name:      "cache_hit_rate",
			Severity:  SeverityWarning,
			Value:     summary.Cache.HitRate,
			Threshold: c.thresholds.CacheHitRate,
			// Only meaningful once the cache has seen traffic.
			Status: statusFor(summary.Cache.Hits+summary.Cache.Misses > 0 &&
				summary.Cache.HitRate < c.thresholds.CacheHitRate),
		},
		{
			Name:      "queue_depth",
			Severity:  SeverityWarning,
			Value:     float64(summary.Queue.Depth),
			Threshold: float64(c.thresholds.QueueDepth),
			Status:    statusFor(summary.Queue.Depth > c.thresholds.QueueDepth),
		},
	}
	for i := range alerts {
		if alerts[i].Status == StatusFiring {
			t := now
			alerts[i].TriggeredAt = &t
		}
	}
	return alerts
}

func (c *Collector) seriesValues(ctx context.Context, series string) ([]float64, error) {
	members, err := c.rdb.ZRangeByScore(ctx, seriesPrefix+series, &redis.ZRangeBy{
		Min: strconv.FormatInt(c.now().Add(-c.retention).UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	values := make([]float64, 0, len(members))
	for _, m := range members {
		if _, raw, ok := strings.Cut(m, ":"); ok {
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				values = append(values, v)
			}
		}
	}
	return values, nil
}

func counterValue(counters map[string]string, field string) int64 {
	v, _ := strconv.ParseInt(counters[field], 10, 64)
	return v
}

func statusFor(firing bool) string {
	if firing {
		return StatusFiring
	}
	return StatusResolved
}
