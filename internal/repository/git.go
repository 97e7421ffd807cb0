package repository

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Author identifies the committer of generated fixes.
type Author struct {
	Name  string
	Email string
}

// CreateBranch creates branch at HEAD and checks it out, keeping local
// modifications.
func CreateBranch(repoPath, branch string) error {
	repo, err := gogit.PlainOpen(repoPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", repoPath, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}
	if err := wt.Checkout(&gogit.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branch),
		Create: true,
		Keep:   true,
	}); err != nil {
		return fmt.Errorf("creating branch %s: %w", branch, err)
	}
	return nil
}

// CommitAll stages every change in the worktree and commits it.
func CommitAll(repoPath, message string, author Author) (string, error) {
	repo, err := gogit.PlainOpen(repoPath)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", repoPath, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("opening worktree: %w", err)
	}
	if err := wt.AddWithOptions(&gogit.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("staging changes: %w", err)
	}
	sig := &object.Signature{Name: author.Name, Email: author.Email, When: time.Now()}
	hash, err := wt.Commit(message, &gogit.CommitOptions{Author: sig, Committer: sig})
	if err != nil {
		return "", fmt.Errorf("committing: %w", err)
	}
	return hash.String(), nil
}

// Push pushes HEAD to branch on remoteURL. It shells out to git because the
// working copy is shallow and the git CLI negotiates shallow pushes.
func Push(ctx context.Context, repoPath, remoteURL, branch, token string) error {
	authedURL := injectToken(remoteURL, token)
	// #nosec G204 -- "git" is a literal; args are controlled by callers
	cmd := exec.CommandContext(ctx, "git", "push", authedURL, "HEAD:refs/heads/"+branch)
	cmd.Dir = repoPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.ReplaceAll(string(out), authedURL, redact(authedURL))
		return fmt.Errorf("git push %s: %w\n%s", branch, err, msg)
	}
	return nil
}

func injectToken(repoURL, token string) string {
	if token == "" || !strings.Contains(repoURL, "://") {
		return repoURL
	}
	parts := strings.SplitN(repoURL, "://", 2)
	return parts[0] + "://ctrlscan:" + token + "@" + parts[1]
}
