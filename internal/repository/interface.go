package repository

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/config"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

// HostingProvider abstracts the hosting-platform calls the orchestrator makes.
// Implementations: GitHub, GitLab.
type HostingProvider interface {
	// Name identifies the provider ("github" or "gitlab").
	Name() string

	// AuthToken returns the credential used for git clone and push.
	AuthToken() string

	// CreatePR opens a pull (merge) request.
	CreatePR(ctx context.Context, opts CreatePROptions) (*models.PullRequestResult, error)

	// CommentOnPR posts a comment on an existing pull (merge) request.
	CommentOnPR(ctx context.Context, owner, repo string, number int, body string) error
}

// CreatePROptions contains all fields needed to open a pull request.
type CreatePROptions struct {
	Owner      string
	Repo       string
	Title      string
	Body       string
	HeadBranch string // branch containing the fix
	BaseBranch string // target branch (usually "main" or "master")
	Draft      bool
}

// Resolver returns the hosting provider responsible for a repository.
type Resolver interface {
	ProviderFor(repo models.Repo) (HostingProvider, error)
}

// ConfigResolver builds providers from configured credentials.
type ConfigResolver struct {
	cfg *config.Config
}

// NewResolver returns a Resolver backed by cfg.
func NewResolver(cfg *config.Config) *ConfigResolver {
	return &ConfigResolver{cfg: cfg}
}

// ProviderFor implements Resolver.
func (r *ConfigResolver) ProviderFor(repo models.Repo) (HostingProvider, error) {
	return New(repo.Provider, repo.Host, r.cfg)
}

// TokenFor returns the clone credential for repoURL, or "" when none is
// configured (public repositories still clone).
func (r *ConfigResolver) TokenFor(repoURL string) string {
	repo, err := ParseRepoURL(repoURL)
	if err != nil {
		return ""
	}
	return TokenForProvider(r.cfg, repo.Provider, repo.Host)
}

// DetectProvider infers the hosting platform from a repository URL.
func DetectProvider(repoURL string) (string, error) {
	lower := strings.ToLower(repoURL)
	switch {
	case strings.Contains(lower, "github.com"), strings.Contains(lower, "github."):
		return "github", nil
	case strings.Contains(lower, "gitlab.com"), strings.Contains(lower, "gitlab."):
		return "gitlab", nil
	default:
		return "", fmt.Errorf("cannot detect provider from URL %q", repoURL)
	}
}

// ParseRepoURL extracts provider, host, owner and name from a git URL.
// Supports HTTPS (https://github.com/owner/repo.git) and SCP-style SSH
// (git@github.com:owner/repo.git). GitLab subgroups end up in Owner
// (group/subgroup).
func ParseRepoURL(repoURL string) (models.Repo, error) {
	raw := strings.TrimSpace(repoURL)
	if raw == "" {
		return models.Repo{}, fmt.Errorf("empty repository URL")
	}

	var host, path string
	switch {
	case strings.Contains(raw, "://"):
		u, err := url.Parse(raw)
		if err != nil {
			return models.Repo{}, fmt.Errorf("parsing repository URL: %w", err)
		}
		host, path = u.Hostname(), u.Path
	case strings.Contains(raw, "@") && strings.Contains(raw, ":"):
		// git@github.com:owner/repo
		at := strings.Index(raw, "@")
		colon := strings.Index(raw[at:], ":") + at
		host, path = raw[at+1:colon], raw[colon+1:]
	default:
		return models.Repo{}, fmt.Errorf("unsupported repository URL %q", repoURL)
	}

	path = strings.Trim(strings.TrimSuffix(strings.Trim(path, "/"), ".git"), "/")
	idx := strings.LastIndex(path, "/")
	if host == "" || idx <= 0 || idx == len(path)-1 {
		return models.Repo{}, fmt.Errorf("repository URL %q has no owner/name", repoURL)
	}

	provider, _ := DetectProvider(host)
	return models.Repo{
		Provider: provider,
		Host:     strings.ToLower(host),
		Owner:    path[:idx],
		Name:     path[idx+1:],
		CloneURL: raw,
	}, nil
}

// ValidateCloneURL rejects values that cannot name a clonable repository.
// Remote URLs, SCP-style SSH and absolute local paths are accepted.
func ValidateCloneURL(repoURL string) error {
	raw := strings.TrimSpace(repoURL)
	switch {
	case raw == "":
		return fmt.Errorf("repository URL is required")
	case filepath.IsAbs(raw):
		return nil
	case strings.Contains(raw, "://"):
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid repository URL: %w", err)
		}
		switch u.Scheme {
		case "http", "https", "ssh", "git":
			if u.Host == "" {
				return fmt.Errorf("repository URL %q has no host", repoURL)
			}
			return nil
		case "file":
			return nil
		default:
			return fmt.Errorf("unsupported repository URL scheme %q", u.Scheme)
		}
	case strings.Contains(raw, "@") && strings.Contains(raw, ":"):
		return nil
	default:
		return fmt.Errorf("unsupported repository URL %q", repoURL)
	}
}

// IsLocal reports whether repoURL names a repository on this host's
// filesystem (an absolute path or a file:// URL).
func IsLocal(repoURL string) bool {
	raw := strings.TrimSpace(repoURL)
	if filepath.IsAbs(raw) {
		return true
	}
	u, err := url.Parse(raw)
	return err == nil && strings.EqualFold(u.Scheme, "file")
}

// TokenForProvider returns the auth token for provider from cfg. An entry
// whose host matches wins over the first configured entry.
func TokenForProvider(cfg *config.Config, provider, host string) string {
	if cfg == nil {
		return ""
	}
	switch provider {
	case "github":
		return pickToken(host, len(cfg.Git.GitHub), func(i int) (string, string) {
			return cfg.Git.GitHub[i].Host, cfg.Git.GitHub[i].Token
		})
	case "gitlab":
		return pickToken(host, len(cfg.Git.GitLab), func(i int) (string, string) {
			return cfg.Git.GitLab[i].Host, cfg.Git.GitLab[i].Token
		})
	}
	return ""
}

func pickToken(host string, n int, at func(int) (string, string)) string {
	fallback := ""
	for i := 0; i < n; i++ {
		h, tok := at(i)
		if tok == "" {
			continue
		}
		if host != "" && strings.EqualFold(h, host) {
			return tok
		}
		if fallback == "" {
			fallback = tok
		}
	}
	return fallback
}

// New returns the HostingProvider for the given platform and host.
func New(provider, host string, cfg *config.Config) (HostingProvider, error) {
	switch provider {
	case "github":
		tok := TokenForProvider(cfg, provider, host)
		if tok == "" {
			return nil, fmt.Errorf("no GitHub token configured")
		}
		return NewGitHub(config.GitHubConfig{Token: tok, Host: host})
	case "gitlab":
		tok := TokenForProvider(cfg, provider, host)
		if tok == "" {
			return nil, fmt.Errorf("no GitLab token configured")
		}
		return NewGitLab(config.GitLabConfig{Token: tok, Host: host})
	default:
		return nil, fmt.Errorf("unsupported provider %q", provider)
	}
}
