package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/goosewin/cotloop/internal/backend"
)

// defaultBaseURL points at Ollama's OpenAI-compatible API.
const defaultBaseURL = "http://localhost:11434/v1"

type Backend struct {
	client *goopenai.Client
}

var _ backend.Backend = (*Backend)(nil)

func init() {
	if err := backend.Register("openai", func(opts backend.Options) (backend.Backend, error) {
		return New(opts), nil
	}); err != nil {
		panic(err)
	}
}

// New returns a client for any OpenAI-compatible chat completions endpoint.
func New(opts backend.Options) *Backend {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		// Local servers ignore the key but the header must be present.
		apiKey = "ollama"
	}
	cfg := goopenai.DefaultConfig(apiKey)
	baseURL := strings.TrimSpace(opts.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	cfg.HTTPClient = &http.Client{Timeout: timeout}
	return &Backend{client: goopenai.NewClientWithConfig(cfg)}
}

func (b *Backend) Name() string {
	return "openai"
}

func (b *Backend) Generate(ctx context.Context, req backend.Request) (string, error) {
	if strings.TrimSpace(req.Model) == "" {
		return "", errors.New("model is required")
	}

	messages := make([]goopenai.ChatCompletionMessage, 0, 2)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleUser, Content: req.Prompt})

	completion := goopenai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
	}
	if req.Temperature != nil {
		completion.Temperature = float32(*req.Temperature)
		// omitempty drops an explicit zero.
		if completion.Temperature == 0 {
			completion.Temperature = math.SmallestNonzeroFloat32
		}
	}
	if req.MaxTokens > 0 {
		completion.MaxTokens = req.MaxTokens
	}

	resp, err := b.client.CreateChatCompletion(ctx, completion)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}

	slog.Debug("openai response received", "model", req.Model, "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}

func (b *Backend) ListModels(ctx context.Context) ([]string, error) {
	list, err := b.client.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	names := make([]string, 0, len(list.Models))
	for _, model := range list.Models {
		names = append(names, model.ID)
	}
	return names, nil
}
