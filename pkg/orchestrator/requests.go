package orchestrator

import (
	"fmt"
	"strings"

	"github.com/pario-ai/cupid/pkg/models"
)

const responseFormat = `Respond with JSON only, in this shape:
{"suggestions":[{"type":"safe|balanced|bold","text":"...","reason":"..."}],"proTip":"...","interestLevel":1-10,"mood":"..."}
Give exactly one suggestion of each type.`

// Params are the caller inputs that identify a request for caching.
type Params struct {
	Culture string
	Tone    string
	Message string
	Context string
}

func (p Params) cacheKey() map[string]any {
	m := map[string]any{"culture": p.Culture, "message": p.Message}
	if p.Tone != "" {
		m["tone"] = p.Tone
	}
	if p.Context != "" {
		m["context"] = p.Context
	}
	return m
}

func systemPrompt(task string, p Params) string {
	var b strings.Builder
	b.WriteString("You are a dating conversation coach. ")
	b.WriteString(task)
	if p.Culture != "" {
		fmt.Fprintf(&b, " Match %s dating norms.", p.Culture)
	}
	if p.Tone != "" {
		fmt.Fprintf(&b, " Preferred tone: %s.", p.Tone)
	}
	b.WriteString("\n")
	b.WriteString(responseFormat)
	return b.String()
}

// FlirtResponse builds a request for replies to a received message.
func FlirtResponse(model string, mode models.AuthMode, apiKey string, p Params) models.RequestDescriptor {
	user := "They wrote: " + p.Message
	if p.Context != "" {
		user = "Conversation so far:\n" + p.Context + "\n\n" + user
	}
	return models.RequestDescriptor{
		RequestType: models.RequestFlirtResponse,
		Model:       model,
		Messages: []models.ChatMessage{
			{Role: "system", Content: models.TextContent(systemPrompt("Suggest replies to the message below.", p))},
			{Role: "user", Content: models.TextContent(user)},
		},
		Temperature:    0.8,
		MaxTokens:      600,
		CacheKeyParams: p.cacheKey(),
		AuthMode:       mode,
		APIKey:         apiKey,
	}
}

// ConversationStarter builds a request for opening lines about a profile.
func ConversationStarter(model string, mode models.AuthMode, apiKey string, p Params) models.RequestDescriptor {
	return models.RequestDescriptor{
		RequestType: models.RequestConversationStarter,
		Model:       model,
		Messages: []models.ChatMessage{
			{Role: "system", Content: models.TextContent(systemPrompt("Suggest opening lines for the profile below.", p))},
			{Role: "user", Content: models.TextContent("Profile: " + p.Message)},
		},
		Temperature:    0.9,
		MaxTokens:      600,
		CacheKeyParams: p.cacheKey(),
		AuthMode:       mode,
		APIKey:         apiKey,
	}
}

// ScreenshotAnalysis builds a vision request for a chat screenshot given as a
// URL or data URI. The image reference is part of the cache identity.
func ScreenshotAnalysis(model string, mode models.AuthMode, apiKey, imageURL string, p Params) models.RequestDescriptor {
	key := p.cacheKey()
	key["image"] = imageURL
	parts := []models.ContentPart{models.TextPart("Analyze this chat screenshot and suggest what to send next.")}
	if p.Message != "" {
		parts = append(parts, models.TextPart("Note: "+p.Message))
	}
	parts = append(parts, models.ImagePart(imageURL))
	return models.RequestDescriptor{
		RequestType: models.RequestScreenshotAnalysis,
		Model:       model,
		Messages: []models.ChatMessage{
			{Role: "system", Content: models.TextContent(systemPrompt("Read the conversation in the screenshot, judge their interest and mood, and suggest replies.", p))},
			{Role: "user", Content: models.PartsContent(parts...)},
		},
		Temperature:    0.7,
		MaxTokens:      800,
		CacheKeyParams: key,
		AuthMode:       mode,
		APIKey:         apiKey,
	}
}
