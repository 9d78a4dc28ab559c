package orchestrator

import "github.com/pario-ai/cupid/pkg/models"

// Fallback is the canned result returned when the model output cannot be
// used. It is never cached.
func Fallback(rt models.RequestType) models.AnalysisResult {
	tip := "Keep it light and ask about something they mentioned."
	if rt == models.RequestConversationStarter {
		tip = "Open with something specific from their profile."
	}
	return models.AnalysisResult{
		Suggestions: []models.Suggestion{
			{Type: models.SuggestionSafe, Text: "That sounds great! Tell me more about it.", Reason: "Friendly and keeps the conversation going"},
			{Type: models.SuggestionBalanced, Text: "Ha, I like that. What was the best part?", Reason: "Shows interest with a touch of playfulness"},
			{Type: models.SuggestionBold, Text: "You're fun to talk to. We should continue this over coffee.", Reason: "Confident move toward meeting up"},
		},
		ProTip:   tip,
		Fallback: true,
	}
}
