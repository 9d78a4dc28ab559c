package models

import (
	"encoding/json"
	"fmt"
)

// ContentPart is one element of a multi-part message (text or image).
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL references an image by URL or data URI.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// Content is a message body. It marshals as a plain string unless Parts is set,
// in which case it marshals as the OpenAI vision parts array.
type Content struct {
	Text  string
	Parts []ContentPart
}

// TextContent wraps a plain string.
func TextContent(s string) Content { return Content{Text: s} }

// PartsContent wraps a list of parts.
func PartsContent(parts ...ContentPart) Content { return Content{Parts: parts} }

// TextPart returns a text content part.
func TextPart(s string) ContentPart { return ContentPart{Type: "text", Text: s} }

// ImagePart returns an image content part for a URL or data URI.
func ImagePart(url string) ContentPart {
	return ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: url, Detail: "high"}}
}

// HasImage reports whether any part carries an image.
func (c Content) HasImage() bool {
	for _, p := range c.Parts {
		if p.ImageURL != nil {
			return true
		}
	}
	return false
}

// String returns the plain text, or the text parts joined by newlines.
func (c Content) String() string {
	if c.Parts == nil {
		return c.Text
	}
	var out string
	for _, p := range c.Parts {
		if p.Type != "text" || p.Text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += p.Text
	}
	return out
}

// MarshalJSON implements json.Marshaler.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Content) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		c.Text = ""
		return json.Unmarshal(data, &c.Parts)
	}
	if string(data) == "null" {
		*c = Content{}
		return nil
	}
	if err := json.Unmarshal(data, &c.Text); err != nil {
		return fmt.Errorf("message content: %w", err)
	}
	c.Parts = nil
	return nil
}

// ChatMessage represents a single message in a chat conversation.
type ChatMessage struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// ChatCompletionRequest is an OpenAI-compatible chat completion request.
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

// ChatCompletionResponse is an OpenAI-compatible chat completion response.
type ChatCompletionResponse struct {
	ID      string   `json:"id,omitempty"`
	Object  string   `json:"object,omitempty"`
	Created int64    `json:"created,omitempty"`
	Model   string   `json:"model,omitempty"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

// Completion is the provider-agnostic result of one chat call, whichever auth
// mode served it.
type Completion struct {
	Content string
	Model   string
	Usage   Usage
}
