package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/liushuangls/go-anthropic/v2"
	"go.uber.org/zap"
)

// AnthropicClient talks to the Anthropic Messages API.
type AnthropicClient struct {
	client *anthropic.Client
	model  string
	logger *zap.Logger

	defaultTemperature float32
	defaultMaxTokens   int
}

// NewAnthropicClient creates a client for the Anthropic API.
func NewAnthropicClient(cfg *Config, logger *zap.Logger) (*AnthropicClient, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required for anthropic")
	}

	var opts []anthropic.ClientOption
	if cfg.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")))
	}

	return &AnthropicClient{
		client:             anthropic.NewClient(cfg.APIKey, opts...),
		model:              cfg.Model,
		logger:             logger.Named("llm"),
		defaultTemperature: cfg.Temperature,
		defaultMaxTokens:   cfg.MaxTokens,
	}, nil
}

var _ ChatClient = (*AnthropicClient)(nil)

// Chat implements ChatClient.
func (c *AnthropicClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	c.logger.Debug("LLM request",
		zap.String("model", c.model),
		zap.Int("prompt_len", len(req.Prompt)))

	start := time.Now()

	resp, err := c.client.CreateMessages(ctx, c.buildRequest(req))
	if err != nil {
		c.logger.Error("LLM request failed",
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return nil, ClassifyError(err)
	}

	content := textFromContent(resp.Content)
	if content == "" {
		return nil, NewError(ErrorTypeParse, "no text content in response", false, nil)
	}

	c.logger.Info("LLM request completed",
		zap.Int("prompt_tokens", resp.Usage.InputTokens),
		zap.Int("completion_tokens", resp.Usage.OutputTokens),
		zap.Duration("elapsed", time.Since(start)))

	return &ChatResponse{
		Content:          content,
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}, nil
}

// StreamChat implements ChatClient.
func (c *AnthropicClient) StreamChat(ctx context.Context, req *ChatRequest, out chan<- string) (*ChatResponse, error) {
	start := time.Now()

	var content strings.Builder

	resp, err := c.client.CreateMessagesStream(ctx, anthropic.MessagesStreamRequest{
		MessagesRequest: c.buildRequest(req),
		OnContentBlockDelta: func(data anthropic.MessagesEventContentBlockDeltaData) {
			if data.Delta.Text == nil || *data.Delta.Text == "" {
				return
			}
			content.WriteString(*data.Delta.Text)
			select {
			case out <- *data.Delta.Text:
			case <-ctx.Done():
			}
		},
	})
	if err != nil {
		return nil, ClassifyError(err)
	}
	if ctx.Err() != nil {
		return nil, ClassifyError(ctx.Err())
	}

	c.logger.Info("LLM stream completed",
		zap.Int("completion_tokens", resp.Usage.OutputTokens),
		zap.Duration("elapsed", time.Since(start)))

	return &ChatResponse{
		Content:          content.String(),
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}, nil
}

// Model implements ChatClient.
func (c *AnthropicClient) Model() string {
	return c.model
}

// Provider implements ChatClient.
func (c *AnthropicClient) Provider() string {
	return "anthropic"
}

func (c *AnthropicClient) buildRequest(req *ChatRequest) anthropic.MessagesRequest {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.defaultMaxTokens
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	prompt := req.Prompt
	r := anthropic.MessagesRequest{
		Model:     anthropic.Model(c.model),
		System:    req.System,
		MaxTokens: maxTokens,
		Messages: []anthropic.Message{
			{Role: anthropic.RoleUser, Content: []anthropic.MessageContent{
				{Type: "text", Text: &prompt},
			}},
		},
	}

	temp := req.Temperature
	if temp <= 0 {
		temp = c.defaultTemperature
	}
	if temp > 0 {
		r.Temperature = &temp
	}

	return r
}

// textFromContent concatenates the text blocks of a response.
func textFromContent(blocks []anthropic.MessageContent) string {
	var sb strings.Builder
	for _, block := range blocks {
		if block.Type == "text" && block.Text != nil {
			sb.WriteString(*block.Text)
		}
	}
	return sb.String()
}
