package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/liu-kaining/ThetaMind-sub004/internal/domain"
)

// Config holds the OpenAI-compatible backend settings.
type Config struct {
	APIKey  string
	BaseURL string // optional; empty uses the default endpoint
	// Model answers ungrounded requests.
	Model string
	// SearchModel answers grounded requests; it must be a model that
	// performs server-side web search (e.g. the search-preview family).
	SearchModel string
	Temperature float32
	MaxTokens   int
}

// OpenAIClient implements Client on top of the OpenAI chat-completions API.
type OpenAIClient struct {
	api *openai.Client
	cfg Config
}

// NewOpenAIClient builds a client from cfg.
func NewOpenAIClient(cfg Config) *OpenAIClient {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.SearchModel == "" {
		cfg.SearchModel = cfg.Model
	}
	return &OpenAIClient{api: openai.NewClientWithConfig(apiCfg), cfg: cfg}
}

// Generate performs one chat completion. Rate limits, server errors and
// network failures are classified as transient so stage retry policies
// apply; everything else is permanent.
func (c *OpenAIClient) Generate(ctx context.Context, req Request) (string, error) {
	model := c.cfg.Model
	if req.Grounding {
		model = c.cfg.SearchModel
	}

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.cfg.Temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.cfg.MaxTokens
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", &domain.TransientProviderError{Provider: "llm", Err: errors.New("empty completion")}
	}
	return resp.Choices[0].Message.Content, nil
}

// classify maps API errors onto the engine's error taxonomy.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500 {
			return &domain.TransientProviderError{Provider: "llm", Err: err}
		}
		return fmt.Errorf("llm request rejected: %w", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &domain.TransientProviderError{Provider: "llm", Err: err}
	}
	return fmt.Errorf("llm call: %w", err)
}

// StripFences removes markdown code fences the model sometimes wraps
// around JSON output.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```json") {
		s = strings.TrimPrefix(s, "```json")
	} else if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
