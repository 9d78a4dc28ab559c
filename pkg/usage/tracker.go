// Package usage keeps the client-side token and cost ledger.
package usage

import (
	"strings"
	"sync"
	"time"

	"github.com/pario-ai/cupid/pkg/models"
)

// DefaultCapacity is the ring buffer size.
const DefaultCapacity = 1000

// Tracker is an append-only ring buffer of usage records. The oldest record is
// dropped once the buffer is full.
type Tracker struct {
	mu      sync.Mutex
	buf     []models.UsageRecord
	next    int
	full    bool
	pricing map[string]models.ModelPricing
	now     func() time.Time
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithClock sets the time source used for daily windows and record stamps.
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

// WithPricing sets the per-model rates used to estimate cost.
func WithPricing(p []models.ModelPricing) Option {
	return func(t *Tracker) {
		for _, mp := range p {
			t.pricing[mp.Model] = mp
		}
	}
}

// New creates a Tracker. A non-positive capacity means DefaultCapacity.
func New(capacity int, opts ...Option) *Tracker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	t := &Tracker{
		buf:     make([]models.UsageRecord, capacity),
		pricing: make(map[string]models.ModelPricing),
		now:     time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// EstimateCost prices the token counts with the configured rates for model.
// A dated snapshot name ("gpt-4o-mini-2024-07-18") uses the longest
// configured base name it extends. Unknown models cost zero.
func (t *Tracker) EstimateCost(model string, prompt, completion int) float64 {
	p, ok := t.pricing[model]
	if !ok {
		best := ""
		for name := range t.pricing {
			if len(name) > len(best) && strings.HasPrefix(model, name+"-") {
				best = name
			}
		}
		if best == "" {
			return 0
		}
		p = t.pricing[best]
	}
	return p.Cost(prompt, completion)
}

// Record appends rec. A zero timestamp is stamped with the current time, a
// zero total is derived from the parts, and a zero cost is estimated.
func (t *Tracker) Record(rec models.UsageRecord) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = t.now()
	}
	if rec.TotalTokens == 0 {
		rec.TotalTokens = rec.PromptTokens + rec.CompletionTokens
	}
	if rec.EstimatedCost == 0 {
		rec.EstimatedCost = t.EstimateCost(rec.Model, rec.PromptTokens, rec.CompletionTokens)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf[t.next] = rec
	t.next = (t.next + 1) % len(t.buf)
	if t.next == 0 {
		t.full = true
	}
}

// Records returns the buffered records, oldest first.
func (t *Tracker) Records() []models.UsageRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.full {
		return append([]models.UsageRecord(nil), t.buf[:t.next]...)
	}
	out := make([]models.UsageRecord, 0, len(t.buf))
	out = append(out, t.buf[t.next:]...)
	return append(out, t.buf[:t.next]...)
}

// Len returns the number of buffered records.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.full {
		return len(t.buf)
	}
	return t.next
}

// Total folds every record at or after since. A zero since covers the whole buffer.
func (t *Tracker) Total(since time.Time) models.UsageTotals {
	var totals models.UsageTotals
	for _, r := range t.Records() {
		if !since.IsZero() && r.CreatedAt.Before(since) {
			continue
		}
		totals.Tokens += int64(r.TotalTokens)
		totals.Cost += r.EstimatedCost
		totals.RequestCount++
	}
	return totals
}

// Daily is Total for the current local day.
func (t *Tracker) Daily() models.UsageTotals {
	now := t.now()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return t.Total(start)
}
