package usage

import (
	"testing"
	"time"

	"github.com/pario-ai/cupid/pkg/models"
)

func TestRecordAndTotal(t *testing.T) {
	now := time.Date(2026, 4, 2, 15, 0, 0, 0, time.Local)
	tr := New(10, WithClock(func() time.Time { return now }), WithPricing([]models.ModelPricing{
		{Model: "gpt-4o-mini", PromptCost: 0.15, CompletionCost: 0.6},
	}))

	tr.Record(models.UsageRecord{Model: "gpt-4o-mini", PromptTokens: 1000, CompletionTokens: 500})
	tr.Record(models.UsageRecord{Model: "unknown", PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15})

	total := tr.Total(time.Time{})
	if total.RequestCount != 2 {
		t.Errorf("expected 2 requests, got %d", total.RequestCount)
	}
	if total.Tokens != 1515 {
		t.Errorf("expected 1515 tokens, got %d", total.Tokens)
	}
	want := 0.15 + 0.3
	if diff := total.Cost - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected cost %.4f, got %.4f", want, total.Cost)
	}
}

func TestTotalSince(t *testing.T) {
	base := time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)
	tr := New(10)
	for i := range 5 {
		tr.Record(models.UsageRecord{Model: "m", TotalTokens: 10, CreatedAt: base.Add(time.Duration(i) * time.Hour)})
	}
	got := tr.Total(base.Add(3 * time.Hour))
	if got.RequestCount != 2 || got.Tokens != 20 {
		t.Errorf("unexpected totals: %+v", got)
	}
}

func TestRingDropsOldest(t *testing.T) {
	tr := New(3)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range 5 {
		tr.Record(models.UsageRecord{Model: "m", TotalTokens: i + 1, CreatedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	recs := tr.Records()
	if len(recs) != 3 || tr.Len() != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	for i, want := range []int{3, 4, 5} {
		if recs[i].TotalTokens != want {
			t.Errorf("record %d: expected %d tokens, got %d", i, want, recs[i].TotalTokens)
		}
	}
	if got := tr.Total(time.Time{}).Tokens; got != 12 {
		t.Errorf("expected 12 tokens, got %d", got)
	}
}

func TestDaily(t *testing.T) {
	now := time.Date(2026, 4, 2, 15, 0, 0, 0, time.Local)
	tr := New(10, WithClock(func() time.Time { return now }))
	tr.Record(models.UsageRecord{Model: "m", TotalTokens: 100, CreatedAt: now.Add(-20 * time.Hour)})
	tr.Record(models.UsageRecord{Model: "m", TotalTokens: 7, CreatedAt: now.Add(-time.Hour)})
	tr.Record(models.UsageRecord{Model: "m", TotalTokens: 3})

	d := tr.Daily()
	if d.RequestCount != 2 || d.Tokens != 10 {
		t.Errorf("unexpected daily totals: %+v", d)
	}
}

func TestDatedModelUsesBasePricing(t *testing.T) {
	tr := New(10, WithPricing([]models.ModelPricing{
		{Model: "gpt-4o", PromptCost: 2.5, CompletionCost: 10},
		{Model: "gpt-4o-mini", PromptCost: 0.15, CompletionCost: 0.6},
	}))

	if got, want := tr.EstimateCost("gpt-4o-mini-2024-07-18", 1000, 1000), 0.75; got < want-1e-9 || got > want+1e-9 {
		t.Errorf("expected %.4f for a dated mini snapshot, got %.4f", want, got)
	}
	if got, want := tr.EstimateCost("gpt-4o-2024-08-06", 1000, 0), 2.5; got < want-1e-9 || got > want+1e-9 {
		t.Errorf("expected %.4f for a dated gpt-4o snapshot, got %.4f", want, got)
	}
	if got := tr.EstimateCost("gpt-4ox", 1000, 1000); got != 0 {
		t.Errorf("expected no price for an unrelated name, got %.4f", got)
	}
}
