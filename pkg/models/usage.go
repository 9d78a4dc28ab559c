package models

import "time"

// Usage represents token usage from an LLM response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// UsageRecord tracks per-request token usage. UserID is only set on the
// proxy side.
type UsageRecord struct {
	ID               int64       `json:"id,omitempty"`
	UserID           string      `json:"user_id,omitempty"`
	RequestType      RequestType `json:"request_type,omitempty"`
	Model            string      `json:"model"`
	PromptTokens     int         `json:"prompt_tokens"`
	CompletionTokens int         `json:"completion_tokens"`
	TotalTokens      int         `json:"total_tokens"`
	EstimatedCost    float64     `json:"estimated_cost"`
	CreatedAt        time.Time   `json:"created_at"`
}

// UsageTotals aggregates usage over a window.
type UsageTotals struct {
	Tokens       int64   `json:"tokens"`
	Cost         float64 `json:"cost"`
	RequestCount int     `json:"request_count"`
}

// UsageSummary aggregates usage per user and model.
type UsageSummary struct {
	UserID          string `json:"user_id"`
	Model           string `json:"model"`
	RequestCount    int    `json:"request_count"`
	TotalPrompt     int    `json:"total_prompt"`
	TotalCompletion int    `json:"total_completion"`
	TotalTokens     int    `json:"total_tokens"`
}

// ModelPricing defines per-1K token costs for a model.
type ModelPricing struct {
	Model          string  `json:"model" yaml:"model"`
	PromptCost     float64 `json:"prompt_cost_per_1k" yaml:"prompt_cost_per_1k"`
	CompletionCost float64 `json:"completion_cost_per_1k" yaml:"completion_cost_per_1k"`
}

// Cost returns the estimated cost of the given token counts.
func (p ModelPricing) Cost(prompt, completion int) float64 {
	return float64(prompt)/1000*p.PromptCost + float64(completion)/1000*p.CompletionCost
}
