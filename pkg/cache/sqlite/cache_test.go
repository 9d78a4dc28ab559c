package sqlite

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/pario-ai/cupid/pkg/models"
)

func newTestCache(t *testing.T, ttl time.Duration, max int, opts ...Option) *Cache {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "cache_test.db")
	c, err := New(dbPath, ttl, max, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func payload(text string) models.AnalysisResult {
	lvl := 70
	return models.AnalysisResult{
		Suggestions:   []models.Suggestion{{Type: models.SuggestionBold, Text: text, Reason: "r"}},
		ProTip:        "be yourself",
		InterestLevel: &lvl,
	}
}

func TestPutAndGet(t *testing.T) {
	c := newTestCache(t, time.Hour, 10)
	params := map[string]any{"message": "hi", "culture": "western"}

	if err := c.Set(models.RequestFlirtResponse, params, payload("hello"), 0); err != nil {
		t.Fatal(err)
	}

	got, ok := c.Get(models.RequestFlirtResponse, map[string]any{"culture": "western", "message": "hi"})
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.Suggestions[0].Text != "hello" || got.InterestLevel == nil || *got.InterestLevel != 70 {
		t.Errorf("unexpected payload: %+v", got)
	}

	// Miss for different request type
	if _, ok := c.Get(models.RequestConversationStarter, params); ok {
		t.Error("expected cache miss for different request type")
	}
}

func TestTTLExpiration(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	clk := func() time.Time { return now }
	c := newTestCache(t, time.Hour, 10, WithClock(clk))
	params := map[string]any{"k": "v"}

	if err := c.Set(models.RequestFlirtResponse, params, payload("v"), 5*time.Second); err != nil {
		t.Fatal(err)
	}

	now = now.Add(4999 * time.Millisecond)
	if _, ok := c.Get(models.RequestFlirtResponse, params); !ok {
		t.Fatal("expected hit before expiry")
	}

	now = now.Add(2 * time.Millisecond)
	if _, ok := c.Get(models.RequestFlirtResponse, params); ok {
		t.Error("expected cache miss after TTL expiration")
	}
	stats, _ := c.Stats()
	if stats.Entries != 0 {
		t.Errorf("expired entry should be deleted, got %d entries", stats.Entries)
	}
}

func TestBoundedSize(t *testing.T) {
	c := newTestCache(t, time.Hour, 5)
	for i := range 6 {
		if err := c.Set(models.RequestFlirtResponse, map[string]any{"i": i}, payload(fmt.Sprint(i)), 0); err != nil {
			t.Fatal(err)
		}
	}
	stats, err := c.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Entries != 5 {
		t.Fatalf("expected 5 entries, got %d", stats.Entries)
	}
	if _, ok := c.Get(models.RequestFlirtResponse, map[string]any{"i": 0}); ok {
		t.Error("first-inserted key should be evicted")
	}
}

func TestStats(t *testing.T) {
	c := newTestCache(t, time.Hour, 10)

	_ = c.Set(models.RequestFlirtResponse, map[string]any{"h": 1}, payload("a"), 0)
	c.Get(models.RequestFlirtResponse, map[string]any{"h": 1}) // hit
	c.Get(models.RequestFlirtResponse, map[string]any{"h": 2}) // miss

	stats, err := c.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Entries != 1 {
		t.Errorf("expected 1 entry, got %d", stats.Entries)
	}
	if stats.Hits != 1 {
		t.Errorf("expected 1 hit, got %d", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("expected 1 miss, got %d", stats.Misses)
	}
}

func TestClear(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	c := newTestCache(t, time.Hour, 10, WithClock(func() time.Time { return now }))

	_ = c.Set(models.RequestFlirtResponse, map[string]any{"h": 1}, payload("a"), time.Second)
	_ = c.Set(models.RequestFlirtResponse, map[string]any{"h": 2}, payload("b"), time.Hour)

	now = now.Add(time.Minute)
	if err := c.ClearExpired(); err != nil {
		t.Fatal(err)
	}
	stats, _ := c.Stats()
	if stats.Entries != 1 {
		t.Errorf("expected 1 entry after clearing expired, got %d", stats.Entries)
	}

	if err := c.Clear(); err != nil {
		t.Fatal(err)
	}
	stats, _ = c.Stats()
	if stats.Entries != 0 {
		t.Errorf("expected 0 entries after clear, got %d", stats.Entries)
	}
}
