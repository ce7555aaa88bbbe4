// Package llm wraps the completion API used by every orchestration component:
// a single-call Client interface, a langchaingo-backed provider, and a
// resilient wrapper implementing the model-ladder fallback and retry policy.
package llm

import "context"

// Role identifies a message author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one history entry.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Tool describes one callable tool exposed to the model. Parameters is a
// JSON-schema object.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Usage reports token accounting for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Request is one completion request. Model is a single concrete model; ladder
// fallback lives in the resilient client above this interface.
type Request struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	Tools       []Tool    `json:"tools,omitempty"`
}

// Response is the provider's answer.
type Response struct {
	Text      string     `json:"text"`
	Model     string     `json:"model"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Client sends one completion request. Implementations must be safe for
// concurrent use; every call is a blocking network operation bounded by ctx.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
