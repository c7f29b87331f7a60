// Package providers adapts concrete model backends to routing.ExecuteFunc.
package providers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/jeeves-cluster-organization/stageflow/coreengine/config"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/routing"
)

// DefaultBaseURL is used when a backend does not configure one.
const DefaultBaseURL = "https://api.openai.com/v1"

// ErrEmptyCompletion is returned when a backend answers with no choices.
var ErrEmptyCompletion = errors.New("completion has no choices")

// OpenAI calls an OpenAI-compatible chat completions endpoint. Local
// runtimes such as Ollama or vLLM work through BaseURL.
type OpenAI struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
}

// NewOpenAI builds a provider for one configured backend. The API key is
// read from the environment variable named by APIKeyEnv.
func NewOpenAI(b config.BackendConfig) (*OpenAI, error) {
	if b.Model == "" {
		return nil, config.NewConfigError("backends."+b.Name+".model", "is required")
	}
	apiKey := ""
	if b.APIKeyEnv != "" {
		apiKey = os.Getenv(b.APIKeyEnv)
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = DefaultBaseURL
	if b.BaseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(b.BaseURL, "/")
	}
	return &OpenAI{
		client:      openai.NewClientWithConfig(cfg),
		model:       b.Model,
		temperature: b.Temperature,
		maxTokens:   b.MaxTokens,
	}, nil
}

// Execute sends input as the user message. opts override the backend's
// model, temperature and token limit.
func (p *OpenAI) Execute(ctx context.Context, input string, opts routing.Options) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       p.model,
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
	}
	if opts.Model != "" {
		req.Model = opts.Model
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.System != "" {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: opts.System,
		})
	}
	req.Messages = append(req.Messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: input,
	})

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	return resp.Choices[0].Message.Content, nil
}

// ExecuteFunc returns p.Execute as a routing.ExecuteFunc.
func (p *OpenAI) ExecuteFunc() routing.ExecuteFunc {
	return p.Execute
}

// RegisterAll builds a provider for every configured backend and registers
// it on router.
func RegisterAll(router *routing.Router, cfg *config.WorkflowConfig) error {
	for _, b := range cfg.Backends {
		p, err := NewOpenAI(b)
		if err != nil {
			return err
		}
		if err := router.RegisterBackend(routing.DescriptorFromConfig(cfg, b), p.ExecuteFunc()); err != nil {
			return fmt.Errorf("register backend %s: %w", b.Name, err)
		}
	}
	return nil
}
