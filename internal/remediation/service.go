// Package remediation drives fix generation and publication for scan jobs.
// Both the HTTP API and the push webhook go through it.
package remediation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/apperr"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/fixgen"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/publisher"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/repository"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/workspace"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

// JobSource looks up scan jobs by id.
type JobSource interface {
	Get(id string) (models.ScanJob, error)
}

// Cloner fetches a repository into a directory the caller owns.
type Cloner interface {
	Clone(ctx context.Context, repoURL, targetDir string) (*repository.CloneResult, error)
}

// Service generates and publishes fixes.
type Service struct {
	jobs       JobSource
	generator  *fixgen.Generator
	publisher  *publisher.Publisher
	workspaces *workspace.Manager
	cloner     Cloner
	observer   Observer
	notifier   PullRequestNotifier
}

// Observer receives fix generation and publication outcomes.
type Observer interface {
	ObserveFixOutcomes(outcomes []models.FixOutcome)
	ObservePullRequest(result string)
}

// PullRequestNotifier is told about every opened fix pull request.
type PullRequestNotifier interface {
	PullRequestOpened(scanID, repoURL string, pr *models.PullRequestResult)
}

// NewService wires a Service.
func NewService(jobs JobSource, gen *fixgen.Generator, pub *publisher.Publisher, ws *workspace.Manager, cloner Cloner) *Service {
	return &Service{jobs: jobs, generator: gen, publisher: pub, workspaces: ws, cloner: cloner}
}

// SetObserver installs o. It must be called before the service is used.
func (s *Service) SetObserver(o Observer) { s.observer = o }

// SetNotifier installs n. It must be called before the service is used.
func (s *Service) SetNotifier(n PullRequestNotifier) { s.notifier = n }

// GenerateRequest asks for fixes for a scan. Findings overrides the job's own
// findings; RepoURL defaults to the job's repository.
type GenerateRequest struct {
	ScanID   string
	RepoURL  string
	Findings []models.Finding
}

// Generate clones the repository into a temporary workspace, drafts fixes
// for the findings and removes the workspace again.
func (s *Service) Generate(ctx context.Context, req GenerateRequest) (*fixgen.Result, error) {
	if !s.generator.Enabled() {
		return nil, apperr.Errorf(apperr.Config,
			"language model not configured: set OPENAI_API_KEY or ai.provider")
	}

	repoURL := strings.TrimSpace(req.RepoURL)
	findings := req.Findings
	if findings == nil || repoURL == "" {
		job, err := s.jobs.Get(req.ScanID)
		switch {
		case err == nil:
			if findings == nil {
				if job.Status != models.JobCompleted {
					return nil, apperr.Errorf(apperr.Validation,
						"scan %s is %s; findings are available once it completes", req.ScanID, job.Status)
				}
				findings = job.Findings()
			}
			if repoURL == "" {
				repoURL = job.RepoURL
			}
		case findings == nil:
			return nil, err
		}
	}
	if repoURL == "" {
		return nil, apperr.Errorf(apperr.Validation, "repoUrl is required")
	}
	if err := repository.ValidateCloneURL(repoURL); err != nil {
		return nil, apperr.E(apperr.Validation, "generate fixes", err)
	}
	if len(findings) == 0 {
		return &fixgen.Result{Fixes: []models.FixCandidate{}, Outcomes: []models.FixOutcome{}}, nil
	}

	lease, err := s.workspaces.Allocate("autofix-" + req.ScanID)
	if err != nil {
		return nil, fmt.Errorf("allocating workspace: %w", err)
	}
	defer func() { _ = lease.Release() }()

	if _, err := s.cloner.Clone(ctx, repoURL, lease.Path); err != nil {
		return nil, err
	}
	res, err := s.generator.Generate(ctx, findings, lease.Path)
	if res != nil && s.observer != nil {
		s.observer.ObserveFixOutcomes(res.Outcomes)
	}
	return res, err
}

// Publish opens a pull request for the confident subset of fixes. When none
// qualify it returns publisher.ErrNoHighConfidenceFixes.
func (s *Service) Publish(ctx context.Context, scanID, repoURL string, fixes []models.FixCandidate) (*models.PullRequestResult, error) {
	repoURL = strings.TrimSpace(repoURL)
	if repoURL == "" {
		job, err := s.jobs.Get(scanID)
		if err != nil {
			return nil, err
		}
		repoURL = job.RepoURL
	}
	pr, err := s.publisher.Publish(ctx, scanID, repoURL, fixes)
	if s.observer != nil {
		switch {
		case errors.Is(err, publisher.ErrNoHighConfidenceFixes):
			s.observer.ObservePullRequest("no_confident_fixes")
		case err != nil:
			s.observer.ObservePullRequest("failed")
		default:
			s.observer.ObservePullRequest("created")
		}
	}
	if err == nil && s.notifier != nil {
		s.notifier.PullRequestOpened(scanID, repoURL, pr)
	}
	return pr, err
}

// Autofix generates fixes for a completed job and publishes them. It returns
// (nil, nil) when the job has no findings or no fix is confident enough.
func (s *Service) Autofix(ctx context.Context, job models.ScanJob) (*models.PullRequestResult, error) {
	if job.Status != models.JobCompleted || job.Score == nil || job.Score.TotalIssues == 0 {
		return nil, nil
	}
	res, err := s.Generate(ctx, GenerateRequest{ScanID: job.ID, RepoURL: job.RepoURL, Findings: job.Findings()})
	if err != nil {
		return nil, err
	}
	pr, err := s.Publish(ctx, job.ID, job.RepoURL, res.Fixes)
	if errors.Is(err, publisher.ErrNoHighConfidenceFixes) {
		slog.Info("Autofix produced no confident fixes", "job_id", job.ID, "fixes", len(res.Fixes))
		return nil, nil
	}
	return pr, err
}

// MinConfidence is the publish threshold.
func (s *Service) MinConfidence() float64 { return s.publisher.MinConfidence() }

// AIEnabled reports whether fix generation can run.
func (s *Service) AIEnabled() bool { return s.generator.Enabled() }
