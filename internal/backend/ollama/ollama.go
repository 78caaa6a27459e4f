package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/goosewin/cotloop/internal/backend"
)

const (
	defaultBaseURL = "http://localhost:11434"
	defaultTimeout = 120 * time.Second
)

var tracer = otel.Tracer("cotloop.backend.ollama")

// StatusError is returned when the server answers with a non-200 status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ollama returned status %d: %s", e.StatusCode, e.Body)
}

type Backend struct {
	httpClient *http.Client
	baseURL    string
}

type generateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	System  string                 `json:"system,omitempty"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type generateResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Response  string `json:"response"`
	Done      bool   `json:"done"`
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

var _ backend.Backend = (*Backend)(nil)

func init() {
	if err := backend.Register("ollama", func(opts backend.Options) (backend.Backend, error) {
		return New(opts), nil
	}); err != nil {
		panic(err)
	}
}

// New returns an Ollama client. OLLAMA_HOST style values without a scheme
// ("127.0.0.1:11434") are accepted.
func New(opts backend.Options) *Backend {
	baseURL := strings.TrimSpace(opts.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Backend{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

func (b *Backend) Name() string {
	return "ollama"
}

// Generate calls /api/generate with streaming disabled.
func (b *Backend) Generate(ctx context.Context, req backend.Request) (string, error) {
	if strings.TrimSpace(req.Model) == "" {
		return "", errors.New("model is required")
	}

	ctx, span := tracer.Start(ctx, "ollama.Generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.prompt_chars", len(req.Prompt)),
	)

	options := map[string]interface{}{}
	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}

	payload, err := json.Marshal(generateRequest{
		Model:   req.Model,
		Prompt:  req.Prompt,
		System:  req.System,
		Stream:  false,
		Options: options,
	})
	if err != nil {
		return "", fmt.Errorf("marshal generate request: %w", err)
	}

	body, err := b.do(ctx, http.MethodPost, "/api/generate", payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound && strings.Contains(statusErr.Body, "not found") {
			return "", fmt.Errorf("model %q not found, run: ollama pull %s: %w", req.Model, req.Model, err)
		}
		return "", err
	}

	var decoded generateResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("decode generate response: %w", err)
	}

	span.SetAttributes(attribute.Int("llm.response_chars", len(decoded.Response)))
	slog.Debug("ollama response received", "model", req.Model, "chars", len(decoded.Response))
	return decoded.Response, nil
}

// ListModels returns the names reported by /api/tags.
func (b *Backend) ListModels(ctx context.Context) ([]string, error) {
	body, err := b.do(ctx, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return nil, err
	}

	var decoded tagsResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode tags response: %w", err)
	}

	names := make([]string, 0, len(decoded.Models))
	for _, model := range decoded.Models {
		names = append(names, model.Name)
	}
	return names, nil
}

func (b *Backend) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create ollama request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read ollama response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	return body, nil
}
