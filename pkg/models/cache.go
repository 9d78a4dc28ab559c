package models

import "time"

// CacheEntry stores a parsed result under its derived key.
type CacheEntry struct {
	Key       string         `json:"key"`
	Payload   AnalysisResult `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// CacheStats reports cache performance metrics.
type CacheStats struct {
	Entries int64 `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}
