// Package cache defines the response cache contract and its key derivation.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pario-ai/cupid/pkg/models"
)

const (
	DefaultTTL        = 5 * time.Minute
	DefaultMaxEntries = 100
)

// Cache memoizes parsed results by request type and logical parameters.
type Cache interface {
	Get(rt models.RequestType, params map[string]any) (models.AnalysisResult, bool)
	// Set stores payload. A non-positive ttl means the cache default.
	Set(rt models.RequestType, params map[string]any, payload models.AnalysisResult, ttl time.Duration) error
	Stats() (models.CacheStats, error)
	Clear() error
}

// Key derives the cache key from the request type and a canonical encoding of
// params. encoding/json writes map keys in sorted order at every depth, so
// logically identical params produce the same key regardless of field order.
func Key(rt models.RequestType, params map[string]any) (string, error) {
	data, err := json.Marshal(canonical(params))
	if err != nil {
		return "", fmt.Errorf("encode cache params: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(rt))
	h.Write([]byte{0})
	h.Write(data)
	return string(rt) + ":" + hex.EncodeToString(h.Sum(nil)), nil
}

// canonical rewrites struct-like values through a JSON round trip into plain
// maps so that their field order cannot leak into the key.
func canonical(params map[string]any) any {
	if params == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		switch v.(type) {
		case nil, string, bool, float64, float32, int, int64, int32, uint, uint64, uint32:
			out[k] = v
		default:
			data, err := json.Marshal(v)
			if err != nil {
				out[k] = fmt.Sprint(v)
				continue
			}
			var generic any
			if err := json.Unmarshal(data, &generic); err != nil {
				out[k] = string(data)
				continue
			}
			out[k] = generic
		}
	}
	return out
}
