package llm

import (
	"context"

	"go.uber.org/zap"

	"github.com/askviz/askviz-engine/pkg/retry"
)

// ResilientClient wraps a ChatClient with a circuit breaker and retries.
// Transport failures, rate limits and 5xx responses are retried with
// backoff; auth and parse failures pass through untouched. The breaker
// trips after repeated failures so a dead provider fails fast.
type ResilientClient struct {
	inner    ChatClient
	breaker  *CircuitBreaker
	retryCfg *retry.Config
	logger   *zap.Logger
}

// NewResilientClient wraps inner with retry and circuit breaking.
func NewResilientClient(inner ChatClient, breaker *CircuitBreaker, retryCfg *retry.Config, logger *zap.Logger) *ResilientClient {
	if retryCfg == nil {
		retryCfg = retry.DefaultConfig()
	}
	return &ResilientClient{
		inner:    inner,
		breaker:  breaker,
		retryCfg: retryCfg,
		logger:   logger.Named("llm-resilient"),
	}
}

var _ ChatClient = (*ResilientClient)(nil)

// Chat implements ChatClient. Each attempt goes through the breaker's
// failure accounting so consecutive provider outages trip it open.
func (c *ResilientClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if allowed, err := c.breaker.Allow(); !allowed {
		c.logger.Warn("request rejected by circuit breaker",
			zap.String("state", c.breaker.State().String()))
		return nil, NewError(ErrorTypeEndpoint, "provider unavailable", false, err)
	}

	resp, err := retry.DoIfRetryableWithResult(ctx, c.retryCfg, func() (*ChatResponse, error) {
		return c.inner.Chat(ctx, req)
	})
	if err != nil {
		c.breaker.RecordFailure()
		return nil, err
	}

	c.breaker.RecordSuccess()
	return resp, nil
}

// StreamChat implements ChatClient. Streams are not retried: deltas may
// already have reached the caller, so a replay would duplicate output.
// The breaker still gates and records the attempt.
func (c *ResilientClient) StreamChat(ctx context.Context, req *ChatRequest, out chan<- string) (*ChatResponse, error) {
	if allowed, err := c.breaker.Allow(); !allowed {
		c.logger.Warn("stream rejected by circuit breaker",
			zap.String("state", c.breaker.State().String()))
		return nil, NewError(ErrorTypeEndpoint, "provider unavailable", false, err)
	}

	resp, err := c.inner.StreamChat(ctx, req, out)
	if err != nil {
		c.breaker.RecordFailure()
		return nil, err
	}

	c.breaker.RecordSuccess()
	return resp, nil
}

// Model implements ChatClient.
func (c *ResilientClient) Model() string {
	return c.inner.Model()
}

// Provider implements ChatClient.
func (c *ResilientClient) Provider() string {
	return c.inner.Provider()
}

// Breaker exposes the circuit breaker for health reporting.
func (c *ResilientClient) Breaker() *CircuitBreaker {
	return c.breaker
}
