package backend

import (
	"context"
	"time"
)

// Request is a single prompt submitted to an inference endpoint.
type Request struct {
	Model       string
	Prompt      string
	System      string
	Temperature *float64
	MaxTokens   int
}

// Options configures a backend instance.
type Options struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Backend defines the interface for inference endpoints. Generate is a
// single synchronous request/response call.
type Backend interface {
	Name() string
	Generate(ctx context.Context, req Request) (string, error)
	ListModels(ctx context.Context) ([]string, error)
}

// Factory builds a backend from options.
type Factory func(opts Options) (Backend, error)
