// Package publisher applies accepted fix candidates to a fresh checkout and
// opens a pull request with them.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/apperr"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/repository"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/workspace"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

// ErrNoHighConfidenceFixes is returned when no fix meets the confidence
// threshold. It is an outcome, not a failure.
var ErrNoHighConfidenceFixes = errors.New("no high-confidence fixes to apply")

// DefaultMinConfidence is the publish threshold when none is configured.
const DefaultMinConfidence = 0.7

// Cloner fetches a repository into a directory the caller owns.
type Cloner interface {
	Clone(ctx context.Context, repoURL, targetDir string) (*repository.CloneResult, error)
}

// PushFunc pushes the checked-out HEAD of repoPath to branch.
type PushFunc func(ctx context.Context, repoPath, remoteURL, branch, token string) error

// Options tunes a Publisher.
type Options struct {
	MinConfidence float64
	BranchPrefix  string
	Author        repository.Author
	Draft         bool
	// Timeout bounds a whole Publish call, PR retries included.
	Timeout time.Duration

	Tracer trace.Tracer
	Now    func() time.Time
	// Push defaults to repository.Push.
	Push PushFunc
	// NewBackOff builds the PR creation retry policy.
	NewBackOff func() backoff.BackOff
}

// Publisher turns fix candidates into a pull request.
type Publisher struct {
	workspaces *workspace.Manager
	cloner     Cloner
	resolver   repository.Resolver
	opts       Options
}

// New creates a Publisher.
func New(ws *workspace.Manager, cloner Cloner, resolver repository.Resolver, opts Options) *Publisher {
	if opts.MinConfidence <= 0 {
		opts.MinConfidence = DefaultMinConfidence
	}
	if opts.BranchPrefix == "" {
		opts.BranchPrefix = "ctrlscan/fix"
	}
	if opts.Author.Name == "" {
		opts.Author = repository.Author{Name: "ctrlscan", Email: "ctrlscan@users.noreply.github.com"}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("publisher")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Push == nil {
		opts.Push = repository.Push
	}
	if opts.NewBackOff == nil {
		timeout := opts.Timeout
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 2 * time.Second
			b.MaxElapsedTime = timeout / 2
			return b
		}
	}
	return &Publisher{workspaces: ws, cloner: cloner, resolver: resolver, opts: opts}
}

// MinConfidence returns the publish threshold.
func (p *Publisher) MinConfidence() float64 { return p.opts.MinConfidence }

// Accepted returns the fixes that meet the confidence threshold.
func (p *Publisher) Accepted(fixes []models.FixCandidate) []models.FixCandidate {
	var out []models.FixCandidate
	for _, f := range fixes {
		if f.Confidence >= p.opts.MinConfidence {
			out = append(out, f)
		}
	}
	return out
}

// Publish applies the accepted subset of fixes to a fresh clone of repoURL on
// a new branch, pushes it and opens a pull request. scanID names the branch.
// The working copy is removed on every path.
func (p *Publisher) Publish(ctx context.Context, scanID, repoURL string, fixes []models.FixCandidate) (*models.PullRequestResult, error) {
	accepted := p.Accepted(fixes)
	if len(accepted) == 0 {
		return nil, ErrNoHighConfidenceFixes
	}

	repo, err := repository.ParseRepoURL(repoURL)
	if err != nil {
		return nil, apperr.E(apperr.Validation, "publish", err)
	}
	provider, err := p.resolver.ProviderFor(repo)
	if err != nil {
		return nil, apperr.E(apperr.Config, "publish", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()
	ctx, span := p.opts.Tracer.Start(ctx, "publisher.publish", trace.WithAttributes(
		attribute.String("scan.id", scanID),
		attribute.String("repo", repo.FullName()),
		attribute.Int("fixes.accepted", len(accepted)),
	))
	defer span.End()

	lease, err := p.workspaces.Allocate("publish-" + scanID)
	if err != nil {
		return nil, fmt.Errorf("allocating workspace: %w", err)
	}
	defer func() { _ = lease.Release() }()

	clone, err := p.cloner.Clone(ctx, repoURL, lease.Path)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	branch := fmt.Sprintf("%s-%s-%d", p.opts.BranchPrefix, sanitizeRef(scanID), p.opts.Now().Unix())
	if err := repository.CreateBranch(lease.Path, branch); err != nil {
		return nil, err
	}

	var applied []models.FixCandidate
	var fixErrors []models.FixApplyError
	for _, fix := range accepted {
		if err := applyFix(lease.Path, fix); err != nil {
			slog.Warn("Fix could not be applied", "finding", fix.FindingRef, "file", fix.File, "error", err)
			fixErrors = append(fixErrors, models.FixApplyError{FindingRef: fix.FindingRef, File: fix.File, Error: err.Error()})
			continue
		}
		applied = append(applied, fix)
	}
	if len(applied) == 0 {
		return nil, apperr.Errorf(apperr.Validation, "no fixes could be applied: %s", joinFixErrors(fixErrors))
	}

	if _, err := repository.CommitAll(lease.Path, commitMessage(applied), p.opts.Author); err != nil {
		return nil, err
	}
	if err := p.opts.Push(ctx, lease.Path, repoURL, branch, provider.AuthToken()); err != nil {
		span.RecordError(err)
		return nil, apperr.E(apperr.ExternalService, "push", err)
	}

	base := clone.Branch
	if base == "" {
		base = "main"
	}
	pr, err := p.createPR(ctx, provider, repository.CreatePROptions{
		Owner:      repo.Owner,
		Repo:       repo.Name,
		Title:      prTitle(applied),
		Body:       prBody(scanID, applied, fixErrors),
		HeadBranch: branch,
		BaseBranch: base,
		Draft:      p.opts.Draft,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	pr.Branch = branch
	pr.AppliedFixes = len(applied)
	pr.FixErrors = fixErrors

	span.SetAttributes(attribute.Int("pr.number", pr.Number), attribute.Int("fixes.applied", len(applied)))
	slog.Info("Fix pull request opened",
		"repo", repo.FullName(),
		"pr", pr.URL,
		"branch", branch,
		"applied", len(applied),
		"failed", len(fixErrors),
	)
	return pr, nil
}

// createPR retries transient hosting API failures with exponential backoff.
func (p *Publisher) createPR(ctx context.Context, provider repository.HostingProvider, opts repository.CreatePROptions) (*models.PullRequestResult, error) {
	var pr *models.PullRequestResult
	attempt := 0
	op := func() error {
		attempt++
		res, err := provider.CreatePR(ctx, opts)
		if err == nil {
			pr = res
			return nil
		}
		if !isRetryablePRCreationError(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		slog.Warn("PR creation failed; retrying", "repo", opts.Owner+"/"+opts.Repo, "attempt", attempt, "error", err)
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(p.opts.NewBackOff(), ctx)); err != nil {
		return nil, apperr.E(apperr.ExternalService, "create pull request",
			fmt.Errorf("after %d attempt(s): %w", attempt, err))
	}
	return pr, nil
}

func isRetryablePRCreationError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"job scheduled on github side",
		"try again later",
		"rate limit",
		"timeout",
		"temporar",
		"502", "503", "504",
		"connection reset",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func sanitizeRef(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, s)
}

func joinFixErrors(errs []models.FixApplyError) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, fmt.Sprintf("%s: %s", e.FindingRef, e.Error))
	}
	return strings.Join(parts, "; ")
}
