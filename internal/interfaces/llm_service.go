package interfaces

import "context"

// ChatContentPart is one element of a multimodal user message: either a
// text fragment or an image carried as a data URL.
type ChatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *ChatImageURL `json:"image_url,omitempty"`
}

// ChatImageURL wraps an image reference. URL is a base64 data URL.
type ChatImageURL struct {
	URL string `json:"url"`
}

// ChatMessage is one message of an OpenAI-style chat conversation.
type ChatMessage struct {
	Role    string            `json:"role"`
	Content []ChatContentPart `json:"content"`
}

// ChatRequest addresses one chat-completions call. Endpoint, model and
// key come from the project (with server-wide fallbacks applied by the
// caller). Temperature is left to the model default.
type ChatRequest struct {
	Endpoint string
	APIKey   string
	Model    string
	Messages []ChatMessage
	// MaxTokens caps the response when > 0.
	MaxTokens int
}

// ChatUsage is the token accounting a response may report.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResult is the assistant content plus usage for one call.
type ChatResult struct {
	Content string
	Usage   ChatUsage
}

// LLMClient speaks the OpenAI chat-completions protocol against a
// per-project endpoint. No streaming, function calling, or tool use.
type LLMClient interface {
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResult, error)
}
