package repository

import (
	"context"
	"fmt"

	gitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/config"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

// GitLabProvider implements HostingProvider for GitLab (cloud and self-hosted).
type GitLabProvider struct {
	client *gitlab.Client
	token  string
	host   string
}

// NewGitLab creates a GitLabProvider from the given configuration.
func NewGitLab(cfg config.GitLabConfig) (*GitLabProvider, error) {
	opts := []gitlab.ClientOptionFunc{}
	if cfg.Host != "" && cfg.Host != "gitlab.com" {
		base := fmt.Sprintf("https://%s/api/v4/", cfg.Host)
		opts = append(opts, gitlab.WithBaseURL(base))
	}

	client, err := gitlab.NewClient(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GitLab client: %w", err)
	}

	return &GitLabProvider{client: client, token: cfg.Token, host: cfg.Host}, nil
}

func (g *GitLabProvider) Name() string      { return "gitlab" }
func (g *GitLabProvider) AuthToken() string { return g.token }

func (g *GitLabProvider) CreatePR(ctx context.Context, opts CreatePROptions) (*models.PullRequestResult, error) {
	nameWithNS := opts.Owner + "/" + opts.Repo
	title := opts.Title
	if opts.Draft {
		title = "Draft: " + title
	}
	removeSource := true
	mr, _, err := g.client.MergeRequests.CreateMergeRequest(nameWithNS, &gitlab.CreateMergeRequestOptions{
		Title:              &title,
		Description:        &opts.Body,
		SourceBranch:       &opts.HeadBranch,
		TargetBranch:       &opts.BaseBranch,
		RemoveSourceBranch: &removeSource,
	}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("creating MR on %s: %w", nameWithNS, err)
	}

	url := mr.WebURL
	if url == "" {
		host := g.host
		if host == "" {
			host = "gitlab.com"
		}
		url = fmt.Sprintf("https://%s/%s/-/merge_requests/%d", host, nameWithNS, mr.IID)
	}
	return &models.PullRequestResult{
		URL:    url,
		Number: int(mr.IID),
		Branch: mr.SourceBranch,
	}, nil
}

func (g *GitLabProvider) CommentOnPR(ctx context.Context, owner, repo string, number int, body string) error {
	nameWithNS := owner + "/" + repo
	_, _, err := g.client.Notes.CreateMergeRequestNote(nameWithNS, int64(number), &gitlab.CreateMergeRequestNoteOptions{
		Body: &body,
	}, gitlab.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("commenting on %s!%d: %w", nameWithNS, number, err)
	}
	return nil
}
