// Package types holds the shared request/response shapes for language-model
// calls. Kept deliberately small: the call engine only ever sends text turns
// and reads text back.
package types

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of model-visible conversation history.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// MessageRequest is a provider-agnostic completion request.
type MessageRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// MessageResponse is a provider-agnostic completion result.
type MessageResponse struct {
	Content    string `json:"content"`
	StopReason string `json:"stop_reason,omitempty"`
	Model      string `json:"model,omitempty"`
	Usage      Usage  `json:"usage"`
}

// Usage reports token accounting for a single call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Temp is a convenience for building *float64 temperature values.
func Temp(v float64) *float64 { return &v }
