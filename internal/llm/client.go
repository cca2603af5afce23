// Package llm holds the generation backend clients. Each client streams
// incremental content deltas over a channel pair: the content channel
// carries text chunks in order, the error channel (capacity 1) reports a
// pre-stream or mid-stream failure. Both are closed by the client when
// the stream ends. Streams are finite and not restartable.
package llm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"deskmate/internal/convo"
)

// Request is one generation call.
type Request struct {
	System  string
	History []convo.Turn
}

// Client is the generation backend boundary.
type Client interface {
	// StreamGenerate opens a generation stream. The caller must drain the
	// content channel; cancellation is via ctx.
	StreamGenerate(ctx context.Context, req Request) (<-chan string, <-chan error)

	// Model returns the configured model name.
	Model() string
}

// Config selects and tunes a provider.
type Config struct {
	Provider string // "gemini" or "grok"
	APIKey   string
	Model    string
	BaseURL  string
	Timeout  time.Duration
}

// New builds a client for the configured provider.
func New(cfg Config, log *zap.Logger) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key not configured")
	}
	switch cfg.Provider {
	case "gemini", "":
		return NewGeminiClient(cfg, log), nil
	case "grok", "xai":
		return NewGrokClient(cfg, log), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %s", cfg.Provider)
	}
}
