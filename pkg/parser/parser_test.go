package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pario-ai/cupid/pkg/models"
)

func types(r *models.AnalysisResult) []models.SuggestionType {
	var out []models.SuggestionType
	for _, s := range r.Suggestions {
		out = append(out, s.Type)
	}
	return out
}

func TestParseComplete(t *testing.T) {
	text := `Sure! Here you go:
{"suggestions":[
  {"type":"safe","text":"That sounds lovely","reason":"warm"},
  {"type":"balanced","text":"Tell me more {curious}","reason":"engaging"},
  {"type":"bold","text":"Dinner Friday?","reason":"direct"}
 ],
 "proTip":"Ask open questions",
 "interestLevel":8,
 "mood":"playful"}
Hope that helps!`

	got := Parse(text)
	require.NotNil(t, got)
	require.Equal(t, []models.SuggestionType{models.SuggestionSafe, models.SuggestionBalanced, models.SuggestionBold}, types(got))
	require.Equal(t, "Tell me more {curious}", got.Suggestions[1].Text)
	require.Equal(t, "Ask open questions", got.ProTip)
	require.Equal(t, "playful", got.Mood)
	require.NotNil(t, got.InterestLevel)
	require.Equal(t, 80, *got.InterestLevel)
}

func TestParseRepairsMissingCategories(t *testing.T) {
	got := Parse(`{"suggestions":[{"type":"bold","text":"hi","reason":"r"}]}`)
	require.NotNil(t, got)
	require.Len(t, got.Suggestions, 3)
	require.ElementsMatch(t,
		[]models.SuggestionType{models.SuggestionSafe, models.SuggestionBalanced, models.SuggestionBold},
		types(got))
	require.Equal(t, models.SuggestionSafe, got.Suggestions[0].Type)
	for _, s := range got.Suggestions {
		require.Equal(t, "hi", s.Text)
		require.Equal(t, "r", s.Reason)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, in := range []string{
		"not json",
		`{"suggestions":[]}`,
		`{"suggestions":"nope"}`,
		`{"other":[1,2]}`,
		`{"suggestions":[{"type":"safe","text":"   "}]}`,
		`{"suggestions":[1, "two", null]}`,
		`{"suggestions":[{"text":"unterminated"`,
		"",
	} {
		require.Nil(t, Parse(in), "input %q", in)
	}
}

func TestParseDedupesAndCoercesTypes(t *testing.T) {
	got := Parse(`{"suggestions":[
		{"type":"SAFE","text":"one"},
		{"type":"safe","text":"two"},
		{"type":"spicy","text":"three"},
		{"text":"four"},
		{"type":"bold","text":"five"}
	]}`)
	require.NotNil(t, got)
	require.Equal(t, []models.SuggestionType{models.SuggestionSafe, models.SuggestionBalanced, models.SuggestionBold}, types(got))
	require.Equal(t, "one", got.Suggestions[0].Text)
	require.Equal(t, "three", got.Suggestions[1].Text)
	require.Equal(t, "five", got.Suggestions[2].Text)
}

func TestParseSkipsUnbalancedPrefix(t *testing.T) {
	got := Parse(`note: { broken ... then {"suggestions":[{"type":"safe","text":"ok"}]}`)
	// The first '{' never closes on its own, so the object that does is used.
	require.NotNil(t, got)
	require.Equal(t, "ok", got.Suggestions[0].Text)

	got = Parse(`{"x": "}"} {"suggestions":[{"type":"safe","text":"ok"}]}`)
	require.Nil(t, got, "first balanced object has no suggestions")

	got = Parse(`prefix {"suggestions":[{"type":"safe","text":"brace } in string"}]} suffix`)
	require.NotNil(t, got)
	require.Equal(t, "brace } in string", got.Suggestions[0].Text)
}

func TestInterestNormalization(t *testing.T) {
	cases := []struct {
		raw  any
		want int
		ok   bool
	}{
		{7.0, 70, true},
		{85.0, 85, true},
		{150.0, 100, true},
		{10.0, 100, true},
		{0.0, 0, true},
		{-3.0, 0, true},
		{7.5, 75, true},
		{"n/a", 0, false},
		{nil, 0, false},
	}
	for _, c := range cases {
		got, ok := NormalizeInterest(c.raw)
		require.Equal(t, c.ok, ok, "raw %v", c.raw)
		require.Equal(t, c.want, got, "raw %v", c.raw)
	}

	r := Parse(`{"suggestions":[{"type":"safe","text":"a"}],"interestLevel":"n/a"}`)
	require.NotNil(t, r)
	require.Nil(t, r.InterestLevel)

	r = Parse(`{"suggestions":[{"type":"safe","text":"a"}],"interestLevel":150}`)
	require.Equal(t, 100, *r.InterestLevel)
}

func TestSanitize(t *testing.T) {
	require.Equal(t, "hello world", Sanitize("  hello\x00\x07 world\u200b  "))
	require.Equal(t, "a b", Sanitize("a\nb"))
	require.Equal(t, "", Sanitize("\x01\x02"))

	long := strings.Repeat("é", MaxTextLength+50)
	out := Sanitize(long)
	require.Equal(t, MaxTextLength, len([]rune(out)))
}

func TestParseSanitizesProTipAndMood(t *testing.T) {
	r := Parse(`{"suggestions":[{"type":"safe","text":"a"}],"proTip":"  be\u0000 kind ","mood":"\u0007calm"}`)
	require.NotNil(t, r)
	require.Equal(t, "be kind", r.ProTip)
	require.Equal(t, "calm", r.Mood)
}

func TestRepairEmpty(t *testing.T) {
	require.Nil(t, Repair(nil))
}
