package models

import "time"

// RequestType names the logical operation a request performs.
type RequestType string

const (
	RequestFlirtResponse       RequestType = "flirt-response"
	RequestScreenshotAnalysis  RequestType = "screenshot-analysis"
	RequestConversationStarter RequestType = "conversation-starter"
)

// AuthMode selects how a request reaches the upstream model.
type AuthMode string

const (
	AuthProxy  AuthMode = "proxy"
	AuthDirect AuthMode = "direct"
)

// RequestDescriptor describes one logical model call. Treat it as immutable
// once handed to the orchestrator.
type RequestDescriptor struct {
	RequestType    RequestType    `json:"request_type"`
	Model          string         `json:"model"`
	Messages       []ChatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	MaxTokens      int            `json:"max_tokens"`
	CacheKeyParams map[string]any `json:"cache_key_params,omitempty"`
	AuthMode       AuthMode       `json:"auth_mode"`
	APIKey         string         `json:"-"`
}

// HasImage reports whether any message carries an image part.
func (d RequestDescriptor) HasImage() bool {
	for _, m := range d.Messages {
		if m.Content.HasImage() {
			return true
		}
	}
	return false
}

// ChatRequest converts the descriptor into the wire body shared by both auth modes.
func (d RequestDescriptor) ChatRequest() ChatCompletionRequest {
	req := ChatCompletionRequest{Model: d.Model, Messages: d.Messages}
	temp := d.Temperature
	req.Temperature = &temp
	if d.MaxTokens > 0 {
		mt := d.MaxTokens
		req.MaxTokens = &mt
	}
	return req
}

// QueuedRequest is a request held for replay once connectivity returns.
type QueuedRequest struct {
	ID          string            `json:"id"`
	RequestType RequestType       `json:"request_type"`
	Params      RequestDescriptor `json:"params"`
	EnqueuedAt  time.Time         `json:"enqueued_at"`
	RetryCount  int               `json:"retry_count"`
}
