package models

import "time"

// CacheCategory selects the TTL and retention policy for a cached answer.
type CacheCategory string

const (
	CategoryStatus  CacheCategory = "STATUS"
	CategoryHelp    CacheCategory = "HELP"
	CategoryProject CacheCategory = "PROJECT"
)

// CacheEntry is a memoized agent answer, owned by the key-value store under
// a derived key. ExpiresAt is always CachedAt plus the category TTL.
type CacheEntry struct {
	Response  string        `json:"response"`
	OwnerID   string        `json:"owner_id"`
	CachedAt  time.Time     `json:"cached_at"`
	ExpiresAt time.Time     `json:"expires_at"`
	HitCount  int64         `json:"hit_count"`
	Metadata  CacheMetadata `json:"metadata"`
}

type CacheMetadata struct {
	OriginalQuery string        `json:"original_query"`
	LatencyMs     float64       `json:"latency_ms"`
	ModelUsed     string        `json:"model_used"`
	Category      CacheCategory `json:"category"`
}

// CacheStats is the read API consumed by operational dashboards.
type CacheStats struct {
	TotalHits         int64                   `json:"total_hits"`
	TotalMisses       int64                   `json:"total_misses"`
	HitRate           float64                 `json:"hit_rate"`
	EntriesByCategory map[CacheCategory]int64 `json:"entries_by_category"`
	AvgResponseTimeMs float64                 `json:"avg_response_time_ms"`
}
