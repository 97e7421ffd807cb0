package ai

import (
	"context"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/apperr"
)

// errNoAI is returned by NoopProvider for every call.
var errNoAI = apperr.Errorf(apperr.Config,
	"AI provider not configured: set OPENAI_API_KEY or ai.provider to openai, ollama or lmstudio")

// NoopProvider is used when no AI provider is configured.
// Configured always returns false and Complete returns errNoAI, so the rest
// of the codebase degrades to scan-only mode.
type NoopProvider struct{}

func (n *NoopProvider) Name() string     { return "none" }
func (n *NoopProvider) Configured() bool { return false }

func (n *NoopProvider) Complete(_ context.Context, _ CompletionRequest) (string, error) {
	return "", errNoAI
}
