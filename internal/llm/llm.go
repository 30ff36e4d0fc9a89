// Package llm provides a minimal completion client for the advisory hook.
// Two providers are supported: a local Ollama server (default) and the
// OpenAI chat API. Both expose the same Client interface so the advisor
// does not care which one is behind it.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Client produces a single completion for a prompt. Implementations must be
// safe for sequential reuse across cycles; they are never called concurrently.
type Client interface {
	// Complete sends the prompt and returns the raw model output.
	Complete(ctx context.Context, prompt string) (string, error)
	// Name identifies the provider and model for logging.
	Name() string
}

// Options configures a provider-backed client.
type Options struct {
	Provider string        // "ollama" or "openai"
	Model    string        // provider model name; defaults per provider
	BaseURL  string        // override endpoint (ollama only)
	APIKey   string        // openai only
	Timeout  time.Duration // per-request limit
}

const defaultTimeout = 30 * time.Second

// New builds a Client for the configured provider.
func New(opts Options) (Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	switch strings.ToLower(opts.Provider) {
	case "", "ollama":
		return newOllamaClient(opts), nil
	case "openai":
		if opts.APIKey == "" {
			return nil, fmt.Errorf("openai provider requires an API key")
		}
		return newOpenAIClient(opts), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", opts.Provider)
	}
}
