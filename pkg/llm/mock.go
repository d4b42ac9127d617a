package llm

import (
	"context"
	"sync"
)

// MockChatClient is a test double for ChatClient.
// Set the function fields to control behavior; call counts are tracked.
type MockChatClient struct {
	mu sync.Mutex

	ChatFunc       func(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	StreamChatFunc func(ctx context.Context, req *ChatRequest, out chan<- string) (*ChatResponse, error)
	ModelName      string
	ProviderName   string

	ChatCalls       int
	StreamChatCalls int
	LastRequest     *ChatRequest
}

var _ ChatClient = (*MockChatClient)(nil)

// Chat implements ChatClient.
func (m *MockChatClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	m.mu.Lock()
	m.ChatCalls++
	m.LastRequest = req
	m.mu.Unlock()

	if m.ChatFunc != nil {
		return m.ChatFunc(ctx, req)
	}
	return &ChatResponse{Content: "mock response"}, nil
}

// StreamChat implements ChatClient.
func (m *MockChatClient) StreamChat(ctx context.Context, req *ChatRequest, out chan<- string) (*ChatResponse, error) {
	m.mu.Lock()
	m.StreamChatCalls++
	m.LastRequest = req
	m.mu.Unlock()

	if m.StreamChatFunc != nil {
		return m.StreamChatFunc(ctx, req, out)
	}

	resp := &ChatResponse{Content: "mock response"}
	select {
	case out <- resp.Content:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return resp, nil
}

// Model implements ChatClient.
func (m *MockChatClient) Model() string {
	if m.ModelName != "" {
		return m.ModelName
	}
	return "mock-model"
}

// Provider implements ChatClient.
func (m *MockChatClient) Provider() string {
	if m.ProviderName != "" {
		return m.ProviderName
	}
	return "mock"
}
