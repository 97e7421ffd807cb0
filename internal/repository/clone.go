package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	gogit "github.com/go-git/go-git/v5"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/apperr"
)

// CloneResult holds information about a completed clone operation.
type CloneResult struct {
	LocalPath string
	Branch    string
	Commit    string
}

// TokenSource returns the clone credential for a repository URL.
type TokenSource interface {
	TokenFor(repoURL string) string
}

// Acquirer performs shallow clones into caller-owned directories.
type Acquirer struct {
	tokens TokenSource
	depth  int
}

// NewAcquirer creates an Acquirer. tokens may be nil for anonymous clones.
func NewAcquirer(tokens TokenSource) *Acquirer {
	return &Acquirer{tokens: tokens, depth: 1}
}

// Clone performs a depth-1 clone of repoURL into targetDir, which must be
// empty or absent. Any failure is an apperr.Acquisition error; the caller owns
// targetDir and is responsible for removing it.
func (a *Acquirer) Clone(ctx context.Context, repoURL, targetDir string) (*CloneResult, error) {
	if err := ValidateCloneURL(repoURL); err != nil {
		return nil, apperr.E(apperr.Acquisition, "clone", err)
	}

	cloneOpts := &gogit.CloneOptions{
		URL:          repoURL,
		Depth:        a.depth,
		SingleBranch: true,
		Tags:         gogit.NoTags,
	}
	if a.tokens != nil {
		if token := a.tokens.TokenFor(repoURL); token != "" {
			cloneOpts.Auth = &githttp.BasicAuth{
				Username: "ctrlscan",
				Password: token,
			}
		}
	}

	slog.Debug("Cloning repository",
		"url", repoURL,
		"depth", a.depth,
		"dest", targetDir,
	)

	repo, err := gogit.PlainCloneContext(ctx, targetDir, false, cloneOpts)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out: %w", err)
		}
		return nil, apperr.E(apperr.Acquisition, "clone "+redact(repoURL), err)
	}

	head, err := repo.Head()
	if err != nil {
		return nil, apperr.E(apperr.Acquisition, "resolving HEAD", err)
	}

	return &CloneResult{
		LocalPath: targetDir,
		Branch:    head.Name().Short(),
		Commit:    head.Hash().String(),
	}, nil
}

// redact strips credentials embedded in a URL before it reaches logs or
// error messages.
func redact(repoURL string) string {
	u, err := url.Parse(repoURL)
	if err != nil || u.User == nil {
		return repoURL
	}
	u.User = nil
	return u.String()
}
