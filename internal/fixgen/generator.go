// Package fixgen turns scanner findings into fix candidates: source edits
// drafted by a language model and deterministic dependency upgrades.
package fixgen

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/ai"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/apperr"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/profiles"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

const (
	defaultContextLines = 5
	defaultCallTimeout  = 90 * time.Second

	// DependencyConfidence is assigned to every version-bump candidate.
	DependencyConfidence = 0.9
	// fallbackConfidence is used when the model reply carries no usable score.
	fallbackConfidence  = 0.5
	fallbackExplanation = "AI-generated security fix"
)

// Options tunes a Generator.
type Options struct {
	// ContextLines is the snippet window on each side of a finding.
	ContextLines int
	// CallTimeout bounds each model call.
	CallTimeout time.Duration
	// RPS limits model calls per second; 0 disables limiting.
	RPS   float64
	Burst int
	// Profile, when set, skips findings outside its focus and appends its
	// guidance to the system prompt.
	Profile *profiles.Profile

	Tracer trace.Tracer
}

// Generator produces fix candidates. It is safe for concurrent use; the rate
// limit is shared by every caller.
type Generator struct {
	provider ai.Provider
	limiter  *rate.Limiter
	system   string
	opts     Options
}

// New creates a Generator backed by provider.
func New(provider ai.Provider, opts Options) *Generator {
	if opts.ContextLines <= 0 {
		opts.ContextLines = defaultContextLines
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("fixgen")
	}
	limit := rate.Inf
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	system := systemPrompt
	if opts.Profile != nil && opts.Profile.Body != "" {
		system += "\n\n" + opts.Profile.Body
	}
	return &Generator{
		provider: provider,
		limiter:  rate.NewLimiter(limit, burst),
		system:   system,
		opts:     opts,
	}
}

// Enabled reports whether a language model is configured.
func (g *Generator) Enabled() bool { return g.provider.Configured() }

// Result is the outcome of one Generate call. Every input finding has exactly
// one entry in Outcomes.
type Result struct {
	Fixes    []models.FixCandidate `json:"fixes"`
	Outcomes []models.FixOutcome   `json:"outcomes"`
}

// Generate builds fix candidates for findings against the checkout at
// repoPath. A failure on one finding is recorded in Outcomes and never stops
// the batch. It fails fast with an apperr.Config error when no language model
// is configured, and returns early with the partial result if ctx ends.
func (g *Generator) Generate(ctx context.Context, findings []models.Finding, repoPath string) (*Result, error) {
	if !g.provider.Configured() {
		return nil, apperr.Errorf(apperr.Config,
			"language model not configured: set OPENAI_API_KEY or ai.provider")
	}

	ctx, span := g.opts.Tracer.Start(ctx, "fixgen.generate", trace.WithAttributes(
		attribute.Int("findings", len(findings)),
		attribute.String("ai.provider", g.provider.Name()),
	))
	defer span.End()

	res := &Result{Fixes: []models.FixCandidate{}, Outcomes: make([]models.FixOutcome, 0, len(findings))}
	for _, f := range findings {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		fix, skip, err := g.generateOne(ctx, f, repoPath)
		out := models.FixOutcome{FindingRef: f.Ref()}
		switch {
		case err != nil:
			out.Status = models.FixOutcomeFailed
			out.Error = err.Error()
			slog.Warn("Fix generation failed", "finding", f.Ref(), "error", err)
		case skip != "":
			out.Status = models.FixOutcomeSkipped
			out.Error = skip
			slog.Debug("Fix generation skipped", "finding", f.Ref(), "reason", skip)
		default:
			out.Status = models.FixOutcomeGenerated
			res.Fixes = append(res.Fixes, *fix)
		}
		res.Outcomes = append(res.Outcomes, out)
	}

	span.SetAttributes(attribute.Int("fixes", len(res.Fixes)))
	slog.Info("Fix generation finished", "findings", len(findings), "fixes", len(res.Fixes))
	return res, nil
}

// generateOne returns a fix, a skip reason, or an error.
func (g *Generator) generateOne(ctx context.Context, f models.Finding, repoPath string) (*models.FixCandidate, string, error) {
	switch p := g.opts.Profile; {
	case p != nil && !p.Allows(f):
		return nil, fmt.Sprintf("outside fix profile %q", p.Name), nil
	case f.IsDependency():
		return dependencyFix(f)
	case f.Class == models.ClassSecrets:
		return nil, "leaked secrets must be rotated; no code fix generated", nil
	default:
		return g.codeFix(ctx, f, repoPath)
	}
}

func (g *Generator) codeFix(ctx context.Context, f models.Finding, repoPath string) (*models.FixCandidate, string, error) {
	if f.Location.File == "" || f.Location.Line <= 0 {
		return nil, "finding has no source location", nil
	}
	snip, err := readSnippet(repoPath, f.Location, g.opts.ContextLines)
	if err != nil {
		return nil, "", err
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, "", fmt.Errorf("waiting for model rate limit: %w", err)
	}
	callCtx, cancel := context.WithTimeout(ctx, g.opts.CallTimeout)
	defer cancel()

	reply, err := g.provider.Complete(callCtx, ai.CompletionRequest{
		System: g.system,
		User:   buildFixPrompt(f, snip),
		JSON:   true,
	})
	if err != nil {
		return nil, "", err
	}

	parsed, ok := parseFixReply(reply)
	if !ok {
		return nil, "", fmt.Errorf("model reply contained neither fix JSON nor a code block")
	}
	return &models.FixCandidate{
		Type:         models.FixTypeCode,
		FindingRef:   f.Ref(),
		Scanner:      f.Scanner,
		Severity:     f.Severity,
		Issue:        f.Message,
		File:         f.Location.File,
		Line:         f.Location.Line,
		OriginalCode: snip.Vulnerable,
		FixedCode:    parsed.FixedCode,
		Confidence:   parsed.Confidence,
		Explanation:  parsed.Explanation,
	}, "", nil
}
