package ai

import (
	"context"
	"log/slog"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/config"
)

// Provider abstracts calls to a language model.
// To add a new provider:
//  1. Create a file in internal/ai/ (e.g. mymodel.go)
//  2. Implement Provider
//  3. Register in New()
type Provider interface {
	// Name returns the provider identifier (e.g. "openai", "ollama").
	Name() string

	// Configured reports whether calls can be attempted at all.
	Configured() bool

	// Complete sends one system+user exchange and returns the model's reply.
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// CompletionRequest is a single-turn chat exchange.
type CompletionRequest struct {
	System string
	User   string
	// JSON asks the model for a JSON object response.
	JSON bool
}

// Local OpenAI-compatible endpoints.
const (
	defaultOllamaBase   = "http://localhost:11434/v1"
	defaultLMStudioBase = "http://localhost:1234/v1"
)

// New returns the configured Provider.
// If no provider is set, or the hosted provider has no API key, it returns a
// NoopProvider; callers check Configured() before doing any AI work.
func New(cfg config.AIConfig) (Provider, error) {
	switch cfg.Provider {
	case "":
		return &NoopProvider{}, nil
	case "openai":
		if cfg.APIKey == "" {
			slog.Warn("ai: openai selected but no API key set; fix generation disabled")
			return &NoopProvider{}, nil
		}
		return NewOpenAI(cfg)
	case "ollama":
		if cfg.BaseURL == "" {
			cfg.BaseURL = defaultOllamaBase
		}
		return NewOpenAI(cfg)
	case "lmstudio":
		if cfg.BaseURL == "" {
			cfg.BaseURL = defaultLMStudioBase
		}
		return NewOpenAI(cfg)
	default:
		slog.Warn("ai: unknown provider; fix generation disabled", "provider", cfg.Provider)
		return &NoopProvider{}, nil
	}
}
