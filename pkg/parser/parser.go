// Package parser extracts a suggestion set from free-form model text and
// repairs the defects models commonly produce.
package parser

import (
	"encoding/json"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pario-ai/cupid/pkg/models"
)

// MaxTextLength caps sanitized strings, in characters.
const MaxTextLength = 1000

// Parse returns the normalized result for text, or nil when nothing usable is
// found. It never panics.
func Parse(text string) (result *models.AnalysisResult) {
	defer func() {
		if recover() != nil {
			result = nil
		}
	}()

	raw, ok := ExtractJSON(text)
	if !ok {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil
	}
	items, ok := doc["suggestions"].([]any)
	if !ok {
		return nil
	}

	suggestions := make([]models.Suggestion, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		s := models.Suggestion{
			Type:   coerceType(obj["type"]),
			Text:   Sanitize(stringField(obj["text"])),
			Reason: Sanitize(stringField(obj["reason"])),
		}
		if s.Text == "" {
			continue
		}
		suggestions = append(suggestions, s)
	}
	if len(suggestions) == 0 {
		return nil
	}

	out := &models.AnalysisResult{
		Suggestions: Repair(suggestions),
		ProTip:      Sanitize(stringField(doc["proTip"])),
		Mood:        Sanitize(stringField(doc["mood"])),
	}
	if lvl, ok := NormalizeInterest(doc["interestLevel"]); ok {
		out.InterestLevel = &lvl
	}
	return out
}

// ExtractJSON returns the first balanced {...} object in text. Braces inside
// JSON strings do not count toward balance.
func ExtractJSON(text string) (string, bool) {
	for start := strings.IndexByte(text, '{'); start >= 0; {
		if end, ok := matchBrace(text, start); ok {
			return text[start : end+1], true
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

func matchBrace(text string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

func coerceType(v any) models.SuggestionType {
	s, _ := v.(string)
	switch models.SuggestionType(strings.ToLower(strings.TrimSpace(s))) {
	case models.SuggestionSafe:
		return models.SuggestionSafe
	case models.SuggestionBold:
		return models.SuggestionBold
	default:
		return models.SuggestionBalanced
	}
}

func stringField(v any) string {
	s, _ := v.(string)
	return s
}

// Sanitize strips control characters, trims surrounding space and caps the
// result at MaxTextLength characters. Newlines and tabs become spaces.
func Sanitize(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == utf8.RuneError:
			continue
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteRune(' ')
		case unicode.IsControl(r), r == '\u200b', r == '\ufeff':
			continue
		default:
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if utf8.RuneCountInString(out) > MaxTextLength {
		out = strings.TrimSpace(string([]rune(out)[:MaxTextLength]))
	}
	return out
}

// Repair keeps the first suggestion of each type and synthesizes missing
// types from the first survivor: a missing safe goes to the front, missing
// balanced and bold are appended. The result has exactly three entries.
func Repair(in []models.Suggestion) []models.Suggestion {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[models.SuggestionType]bool, 3)
	kept := make([]models.Suggestion, 0, 3)
	for _, s := range in {
		if seen[s.Type] {
			continue
		}
		seen[s.Type] = true
		kept = append(kept, s)
	}

	template := in[0]
	synth := func(t models.SuggestionType) models.Suggestion {
		return models.Suggestion{Type: t, Text: template.Text, Reason: template.Reason}
	}
	if !seen[models.SuggestionSafe] {
		kept = append([]models.Suggestion{synth(models.SuggestionSafe)}, kept...)
	}
	for _, t := range []models.SuggestionType{models.SuggestionBalanced, models.SuggestionBold} {
		if !seen[t] && len(kept) < 3 {
			kept = append(kept, synth(t))
		}
	}
	if len(kept) > 3 {
		kept = kept[:3]
	}
	return kept
}

// NormalizeInterest maps a raw interest value to 0-100. Values up to 10 are
// read as a 1-10 scale. Non-numbers report false.
func NormalizeInterest(v any) (int, bool) {
	f, ok := v.(float64)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	if f <= 10 {
		f *= 10
	}
	f = math.Max(0, math.Min(100, f))
	return int(math.Round(f)), true
}
