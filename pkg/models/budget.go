package models

// BudgetPeriod defines the time window for a budget policy.
type BudgetPeriod string

const (
	BudgetDaily   BudgetPeriod = "daily"
	BudgetMonthly BudgetPeriod = "monthly"
)

// TierPolicy caps the number of proxied requests a tier may make per period.
// A MaxTokens of zero leaves token volume unlimited.
type TierPolicy struct {
	Tier        string       `json:"tier" yaml:"tier"`
	MaxRequests int          `json:"max_requests" yaml:"max_requests"`
	MaxTokens   int64        `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Period      BudgetPeriod `json:"period" yaml:"period"`
}

// BudgetStatus shows current usage against a policy.
type BudgetStatus struct {
	Policy     TierPolicy `json:"policy"`
	Used       int        `json:"used"`
	Remaining  int        `json:"remaining"`
	UsedTokens int64      `json:"used_tokens"`
}
