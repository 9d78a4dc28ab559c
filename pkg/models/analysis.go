package models

// SuggestionType is the tone category of a suggestion.
type SuggestionType string

const (
	SuggestionSafe     SuggestionType = "safe"
	SuggestionBalanced SuggestionType = "balanced"
	SuggestionBold     SuggestionType = "bold"
)

// Suggestion is one reply the user may send.
type Suggestion struct {
	Type   SuggestionType `json:"type"`
	Text   string         `json:"text"`
	Reason string         `json:"reason"`
}

// AnalysisResult is the normalized output handed back to callers.
type AnalysisResult struct {
	Suggestions   []Suggestion `json:"suggestions"`
	ProTip        string       `json:"proTip"`
	InterestLevel *int         `json:"interestLevel,omitempty"`
	Mood          string       `json:"mood,omitempty"`
	Fallback      bool         `json:"-"`
}

// Clone returns a deep copy so cached results cannot be mutated by callers.
func (r AnalysisResult) Clone() AnalysisResult {
	out := r
	out.Suggestions = append([]Suggestion(nil), r.Suggestions...)
	if r.InterestLevel != nil {
		lvl := *r.InterestLevel
		out.InterestLevel = &lvl
	}
	return out
}
