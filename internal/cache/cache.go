package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/chatforge/pipeline-service/internal/metrics"
	"github.com/chatforge/pipeline-service/internal/models"
)

const (
	keyPrefix      = "agentresp"
	hitsSuffix     = ":hits"
	globalHitsKey  = "agentresp:stats:hits"
	globalMissKey  = "agentresp:stats:misses"
	sideEffectWait = 2 * time.Second
)

// CategoryPolicy binds a cache category to its TTL and an advisory entry
// ceiling. The ceiling is reported, not enforced.
type CategoryPolicy struct {
	TTL        time.Duration
	MaxEntries int
}

var categoryPolicies = map[models.CacheCategory]CategoryPolicy{
	models.CategoryStatus:  {TTL: 30 * time.Second, MaxEntries: 100},
	models.CategoryHelp:    {TTL: 3600 * time.Second, MaxEntries: 500},
	models.CategoryProject: {TTL: 120 * time.Second, MaxEntries: 200},
}

// PolicyFor returns the TTL/retention policy for a category. Unknown
// categories fall back to the PROJECT policy.
func PolicyFor(category models.CacheCategory) CategoryPolicy {
	if p, ok := categoryPolicies[category]; ok {
		return p
	}
	return categoryPolicies[models.CategoryProject]
}

// Ordered keyword sets for category detection. STATUS wins over HELP wins
// over PROJECT; anything unmatched is PROJECT.
var (
	statusKeywords = []string{"status", "health", "uptime", "online", "running", "ping", "alive"}
	helpKeywords   = []string{"help", "how do i", "how to", "how can i", "what is", "what does", "explain", "guide", "documentation"}
)

// Scope carries the tenancy context a query is cached under.
type Scope struct {
	OwnerID          string
	ProjectContextID string
	ScopeID          string
}

// FetchResult is what CacheOrFetch hands back to the caller. Coalesced marks
// a result served from another caller's in-flight fetch rather than this
// caller's own.
type FetchResult struct {
	Response  string               `json:"response"`
	FromCache bool                 `json:"from_cache"`
	Coalesced bool                 `json:"coalesced,omitempty"`
	Category  models.CacheCategory `json:"category"`
}

// ResponseCache memoizes agent answers in Redis and deduplicates concurrent
// upstream fetches for the same key within this process.
type ResponseCache struct {
	rdb       *redis.Client
	collector *metrics.Collector
	model     string
	inflight  singleflight.Group
	now       func() time.Time
}

// NewResponseCache builds a cache over rdb. model names the completion model
// whose answers are being memoized and is recorded in entry metadata.
func NewResponseCache(rdb *redis.Client, collector *metrics.Collector, model string) *ResponseCache {
	return &ResponseCache{
		rdb:       rdb,
		collector: collector,
		model:     model,
		now:       time.Now,
	}
}

// GenerateKey derives the deterministic cache key for a query in a scope.
// The query is lowercased, trimmed and whitespace-collapsed before hashing,
// so cosmetic differences map to the same entry.
func (c *ResponseCache) GenerateKey(query string, scope Scope) string {
	normalized := normalizeQuery(query)
	material := normalized + "|" + scope.OwnerID
	if scope.ProjectContextID != "" {
		material += "|" + scope.ProjectContextID
	}
	if scope.ScopeID != "" {
		material += "|" + scope.ScopeID
	}
	sum := sha256.Sum256([]byte(material))
	digest := hex.EncodeToString(sum[:])[:16]
	return fmt.Sprintf("%s:%s:%s", keyPrefix, scope.OwnerID, digest)
}

func normalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// DetectCategory classifies a query by keyword, checking STATUS patterns
// first, then HELP, defaulting to PROJECT.
func (c *ResponseCache) DetectCategory(query string) models.CacheCategory {
	normalized := normalizeQuery(query)
	for _, kw := range statusKeywords {
		if strings.Contains(normalized, kw) {
			return models.CategoryStatus
		}
	}
	for _, kw := range helpKeywords {
		if strings.Contains(normalized, kw) {
			return models.CategoryHelp
		}
	}
	return models.CategoryProject
}

// Get fetches an entry by key. A store failure reads as a miss; a hit kicks
// off fire-and-forget counter increments that never affect the result.
func (c *ResponseCache) Get(ctx context.Context, key string) (*models.CacheEntry, bool) {
	raw, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("Cache read failed, treating as miss", "key", key, "error", err)
			return nil, false
		}
		c.recordMiss(ctx)
		return nil, false
	}

	var entry models.CacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		slog.Warn("Cache entry corrupt, treating as miss", "key", key, "error", err)
		return nil, false
	}

	if hits, err := c.rdb.Get(ctx, key+hitsSuffix).Int64(); err == nil {
		entry.HitCount = hits
	}

	go c.bumpHitCounters(key, entry.Metadata.Category)
	c.collector.RecordCacheHit(ctx, true, string(entry.Metadata.Category))
	return &entry, true
}

func (c *ResponseCache) recordMiss(ctx context.Context) {
	if err := c.rdb.Incr(ctx, globalMissKey).Err(); err != nil {
		slog.Warn("Cache miss counter skipped", "error", err)
	}
	c.collector.RecordCacheHit(ctx, false, "")
}

// bumpHitCounters runs detached from the request path; failures are logged
// and dropped.
func (c *ResponseCache) bumpHitCounters(key string, category models.CacheCategory) {
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectWait)
	defer cancel()

	pipe := c.rdb.Pipeline()
	pipe.Incr(ctx, key+hitsSuffix)
	pipe.Expire(ctx, key+hitsSuffix, PolicyFor(category).TTL)
	pipe.Incr(ctx, globalHitsKey)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("Cache hit counter skipped", "key", key, "error", err)
	}
}

// Set writes an entry best-effort under the given TTL. Write failures are
// logged and swallowed.
func (c *ResponseCache) Set(ctx context.Context, key string, entry *models.CacheEntry, ttl time.Duration) {
	entry.CachedAt = c.now()
	entry.ExpiresAt = entry.CachedAt.Add(ttl)

	raw, err := json.Marshal(entry)
	if err != nil {
		slog.Warn("Cache entry marshal failed", "key", key, "error", err)
		return
	}
	if err := c.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		slog.Warn("Cache write failed", "key", key, "error", err)
	}
}

// Invalidate deletes every key matching pattern and returns how many entries
// were removed. Hit-counter sidecars are deleted too but not counted.
func (c *ResponseCache) Invalidate(ctx context.Context, pattern string) int {
	var removed int
	iter := c.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if err := c.rdb.Del(ctx, key, key+hitsSuffix).Err(); err != nil {
			slog.Warn("Cache invalidation delete failed", "key", key, "error", err)
			continue
		}
		if !strings.HasSuffix(key, hitsSuffix) {
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		slog.Warn("Cache invalidation scan failed", "pattern", pattern, "error", err)
		return removed
	}
	return removed
}

// CacheOrFetch returns the cached answer for query when present; otherwise
// it invokes fetchFn, memoizes the result under the detected category's TTL
// and returns it. Concurrent misses on the same key within this process
// share a single upstream fetch.
func (c *ResponseCache) CacheOrFetch(ctx context.Context, query string, scope Scope, fetchFn func(context.Context) (string, error)) (*FetchResult, error) {
	key := c.GenerateKey(query, scope)
	if entry, ok := c.Get(ctx, key); ok {
		return &FetchResult{
			Response:  entry.Response,
			FromCache: true,
			Category:  entry.Metadata.Category,
		}, nil
	}

	category := c.DetectCategory(query)
	var ran bool
	v, err, _ := c.inflight.Do(key, func() (interface{}, error) {
		ran = true
		start := c.now()
		response, err := fetchFn(ctx)
		if err != nil {
			return nil, err
		}

		entry := &models.CacheEntry{
			Response: response,
			OwnerID:  scope.OwnerID,
			Metadata: models.CacheMetadata{
				OriginalQuery: query,
				LatencyMs:     float64(c.now().Sub(start).Milliseconds()),
				ModelUsed:     c.model,
				Category:      category,
			},
		}
		c.Set(ctx, key, entry, PolicyFor(category).TTL)
		return response, nil
	})
	if err != nil {
		return nil, err
	}

	return &FetchResult{
		Response:  v.(string),
		FromCache: false,
		Coalesced: !ran,
		Category:  category,
	}, nil
}

// Stats aggregates the cache's read API for dashboards. The category
// breakdown and average latency come from scanning live entries, so they
// are approximate under churn.
func (c *ResponseCache) Stats(ctx context.Context) models.CacheStats {
	stats := models.CacheStats{
		EntriesByCategory: map[models.CacheCategory]int64{},
	}
	stats.TotalHits, _ = c.rdb.Get(ctx, globalHitsKey).Int64()
	stats.TotalMisses, _ = c.rdb.Get(ctx, globalMissKey).Int64()
	if total := stats.TotalHits + stats.TotalMisses; total > 0 {
		stats.HitRate = float64(stats.TotalHits) / float64(total)
	}

	var latencySum float64
	var entries int64
	iter := c.rdb.Scan(ctx, 0, keyPrefix+":*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasSuffix(key, hitsSuffix) || strings.HasPrefix(key, keyPrefix+":stats:") {
			continue
		}
		raw, err := c.rdb.Get(ctx, key).Result()
		if err != nil {
			continue
		}
		var entry models.CacheEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		stats.EntriesByCategory[entry.Metadata.Category]++
		latencySum += entry.Metadata.LatencyMs
		entries++
	}
	if err := iter.Err(); err != nil {
		slog.Warn("Cache stats scan degraded", "error", err)
	}
	if entries > 0 {
		stats.AvgResponseTimeMs = latencySum / float64(entries)
	}
	return stats
}
