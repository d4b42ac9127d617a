package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/askviz/askviz-engine/pkg/retry"
)

func fastRetryConfig() *retry.Config {
	return &retry.Config{
		MaxRetries:       2,
		InitialDelay:     time.Millisecond,
		MaxDelay:         5 * time.Millisecond,
		Multiplier:       2.0,
		JitterFactor:     0,
		MaxSameErrorType: 5,
	}
}

func TestResilientClient_RetriesTransientFailures(t *testing.T) {
	calls := 0
	mock := &MockChatClient{
		ChatFunc: func(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
			calls++
			if calls < 3 {
				return nil, NewError(ErrorTypeEndpoint, "server error", true, errors.New("503"))
			}
			return &ChatResponse{Content: "ok"}, nil
		},
	}
	breaker := NewCircuitBreaker(DefaultCircuitBreakerConfig())
	client := NewResilientClient(mock, breaker, fastRetryConfig(), zap.NewNop())

	resp, err := client.Chat(context.Background(), &ChatRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("unexpected content: %q", resp.Content)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
	if breaker.State() != CircuitClosed {
		t.Errorf("expected closed breaker after success, got %v", breaker.State())
	}
}

func TestResilientClient_DoesNotRetryAuthFailures(t *testing.T) {
	calls := 0
	mock := &MockChatClient{
		ChatFunc: func(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
			calls++
			return nil, NewError(ErrorTypeAuth, "authentication failed", false, errors.New("401"))
		},
	}
	breaker := NewCircuitBreaker(DefaultCircuitBreakerConfig())
	client := NewResilientClient(mock, breaker, fastRetryConfig(), zap.NewNop())

	_, err := client.Chat(context.Background(), &ChatRequest{Prompt: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected a single attempt for auth failure, got %d", calls)
	}
	if GetErrorType(err) != ErrorTypeAuth {
		t.Errorf("expected auth error type, got %q", GetErrorType(err))
	}
}

func TestResilientClient_BreakerTripsAndRejects(t *testing.T) {
	mock := &MockChatClient{
		ChatFunc: func(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
			return nil, NewError(ErrorTypeEndpoint, "connection failed", false, errors.New("refused"))
		},
	}
	breaker := NewCircuitBreaker(CircuitBreakerConfig{Threshold: 2, ResetAfter: time.Minute})
	client := NewResilientClient(mock, breaker, fastRetryConfig(), zap.NewNop())

	for i := 0; i < 2; i++ {
		if _, err := client.Chat(context.Background(), &ChatRequest{Prompt: "hi"}); err == nil {
			t.Fatal("expected error")
		}
	}
	if breaker.State() != CircuitOpen {
		t.Fatalf("expected open breaker after 2 failures, got %v", breaker.State())
	}

	before := mock.ChatCalls
	_, err := client.Chat(context.Background(), &ChatRequest{Prompt: "hi"})
	if err == nil {
		t.Fatal("expected rejection while breaker open")
	}
	if mock.ChatCalls != before {
		t.Errorf("expected no provider call while breaker open, got %d extra", mock.ChatCalls-before)
	}
}

func TestResilientClient_StreamChatNotRetried(t *testing.T) {
	calls := 0
	mock := &MockChatClient{
		StreamChatFunc: func(ctx context.Context, req *ChatRequest, out chan<- string) (*ChatResponse, error) {
			calls++
			out <- "partial "
			return nil, NewError(ErrorTypeEndpoint, "server error", true, errors.New("503"))
		},
	}
	breaker := NewCircuitBreaker(DefaultCircuitBreakerConfig())
	client := NewResilientClient(mock, breaker, fastRetryConfig(), zap.NewNop())

	out := make(chan string, 8)
	_, err := client.StreamChat(context.Background(), &ChatRequest{Prompt: "hi"}, out)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected a single stream attempt, got %d", calls)
	}
	if breaker.ConsecutiveFailures() != 1 {
		t.Errorf("expected breaker to record the failure, got %d", breaker.ConsecutiveFailures())
	}
}

func TestResilientClient_DelegatesMetadata(t *testing.T) {
	mock := &MockChatClient{ModelName: "gpt-4o", ProviderName: "openai"}
	client := NewResilientClient(mock, NewCircuitBreaker(DefaultCircuitBreakerConfig()), nil, zap.NewNop())

	if client.Model() != "gpt-4o" {
		t.Errorf("unexpected model: %q", client.Model())
	}
	if client.Provider() != "openai" {
		t.Errorf("unexpected provider: %q", client.Provider())
	}
	if client.Breaker() == nil {
		t.Error("expected breaker accessor")
	}
}
