// Package llm provides provider-agnostic chat completion clients.
package llm

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// ChatRequest is a single completion request. Conversation history is
// compressed into the prompt by the caller, so the facade only carries one
// system message and one user message.
type ChatRequest struct {
	System      string
	Prompt      string
	Temperature float32
	MaxTokens   int
}

// ChatResponse carries the completion text and token usage.
type ChatResponse struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChatClient is the surface the agent pipeline depends on.
// Use this interface for dependency injection to enable mocking in tests.
type ChatClient interface {
	// Chat performs a blocking chat completion.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// StreamChat performs a streaming completion, sending text deltas to out
	// as they arrive, and returns the assembled response once the stream
	// ends. The caller owns out; StreamChat never closes it.
	StreamChat(ctx context.Context, req *ChatRequest, out chan<- string) (*ChatResponse, error)

	// Model returns the configured model name.
	Model() string

	// Provider returns the provider identifier ("openai" or "anthropic").
	Provider() string
}

// Config holds configuration for creating a chat client.
type Config struct {
	Provider    string // "openai" or "anthropic"
	BaseURL     string // Optional endpoint override (vLLM, Ollama, gateways)
	APIKey      string // Optional for local endpoints
	Model       string // Model name, e.g. "gpt-4o"
	Temperature float32
	MaxTokens   int
}

// New creates a chat client for the configured provider.
func New(cfg *Config, logger *zap.Logger) (ChatClient, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIClient(cfg, logger)
	case "anthropic":
		return NewAnthropicClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
