// Package webhook authenticates hosting-platform webhooks and turns push and
// pull request events into scan jobs.
package webhook

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v68/github"
	gitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/apperr"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/jobs"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/repository"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

// Supported platforms.
const (
	PlatformGitHub = "github"
	PlatformGitLab = "gitlab"
)

// Submitter starts scan jobs.
type Submitter interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (*jobs.Handle, error)
}

// Autofixer generates and publishes fixes for a finished job.
type Autofixer interface {
	Autofix(ctx context.Context, job models.ScanJob) (*models.PullRequestResult, error)
}

// Options tunes a Dispatcher.
type Options struct {
	// Secret is shared with the hosting platform. Empty disables verification.
	Secret string
	// AutofixOnPush opens a fix PR after a push-triggered scan finds issues.
	AutofixOnPush bool
	// FollowUpTimeout bounds waiting for a job plus the comment or autofix.
	FollowUpTimeout time.Duration
	// Scanners overrides the registry defaults for webhook-triggered jobs.
	Scanners []models.ScannerKind
	// Observe is called once per accepted delivery with its outcome.
	Observe func(platform, event, outcome string)
}

// Response is the acknowledgement returned to the platform.
type Response struct {
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
	ScanID  string `json:"scanId,omitempty"`
}

// Dispatcher handles webhook deliveries. Follow-up work runs in goroutines
// it owns; Wait blocks until they have finished.
type Dispatcher struct {
	jobs     Submitter
	resolver repository.Resolver
	autofix  Autofixer
	opts     Options

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Dispatcher. autofix may be nil when fix generation is not
// available.
func New(submitter Submitter, resolver repository.Resolver, autofix Autofixer, opts Options) *Dispatcher {
	if opts.FollowUpTimeout <= 0 {
		opts.FollowUpTimeout = 45 * time.Minute
	}
	if opts.Secret == "" {
		slog.Warn("Webhook secret not configured; deliveries are accepted without verification")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		jobs:     submitter,
		resolver: resolver,
		autofix:  autofix,
		opts:     opts,
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Wait blocks until every follow-up started so far has finished.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Close cancels outstanding follow-ups and waits for them.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

// Handle authenticates and processes one delivery. An authentication failure
// returns an apperr.Signature error and has no side effects.
func (d *Dispatcher) Handle(ctx context.Context, platform string, header http.Header, body []byte) (*Response, error) {
	switch platform {
	case PlatformGitHub:
		if err := d.verifyGitHub(header, body); err != nil {
			return nil, err
		}
		return d.handleGitHub(ctx, header.Get("X-GitHub-Event"), body)
	case PlatformGitLab:
		if err := d.verifyGitLab(header); err != nil {
			return nil, err
		}
		return d.handleGitLab(ctx, header.Get("X-Gitlab-Event"), body)
	default:
		return nil, apperr.Errorf(apperr.NotFound, "unsupported webhook platform %q", platform)
	}
}

func (d *Dispatcher) verifyGitHub(header http.Header, body []byte) error {
	if d.opts.Secret == "" {
		return nil
	}
	sig := header.Get("X-Hub-Signature-256")
	if sig == "" {
		return apperr.Errorf(apperr.Signature, "missing signature")
	}
	if err := github.ValidateSignature(sig, body, []byte(d.opts.Secret)); err != nil {
		slog.Warn("Rejected webhook with invalid signature", "platform", PlatformGitHub)
		return apperr.Errorf(apperr.Signature, "invalid signature")
	}
	return nil
}

func (d *Dispatcher) verifyGitLab(header http.Header) error {
	if d.opts.Secret == "" {
		return nil
	}
	tok := header.Get("X-Gitlab-Token")
	if tok == "" {
		return apperr.Errorf(apperr.Signature, "missing token")
	}
	if subtle.ConstantTimeCompare([]byte(tok), []byte(d.opts.Secret)) != 1 {
		slog.Warn("Rejected webhook with invalid token", "platform", PlatformGitLab)
		return apperr.Errorf(apperr.Signature, "invalid token")
	}
	return nil
}

func (d *Dispatcher) handleGitHub(ctx context.Context, event string, body []byte) (*Response, error) {
	switch event {
	case "ping":
		d.observe(PlatformGitHub, event, "pong")
		return &Response{Message: "pong", Event: event}, nil
	case "push", "pull_request":
	default:
		slog.Debug("Ignoring webhook event", "platform", PlatformGitHub, "event", event)
		d.observe(PlatformGitHub, event, "ignored")
		return &Response{Message: "event ignored", Event: event}, nil
	}

	parsed, err := github.ParseWebHook(event, body)
	if err != nil {
		return nil, apperr.E(apperr.Validation, "parse github webhook", err)
	}
	switch ev := parsed.(type) {
	case *github.PushEvent:
		repo := ev.GetRepo()
		return d.onPush(ctx, PlatformGitHub, pushInfo{
			cloneURL:      repo.GetCloneURL(),
			fullName:      repo.GetFullName(),
			ref:           ev.GetRef(),
			defaultBranch: repo.GetDefaultBranch(),
			commits:       len(ev.Commits),
		})
	case *github.PullRequestEvent:
		repo := ev.GetRepo()
		return d.onPullRequest(ctx, PlatformGitHub, prInfo{
			cloneURL: repo.GetCloneURL(),
			fullName: repo.GetFullName(),
			action:   ev.GetAction(),
			number:   ev.GetNumber(),
		}, "opened", "synchronize")
	default:
		return nil, apperr.Errorf(apperr.Validation, "unexpected payload for event %q", event)
	}
}

func (d *Dispatcher) handleGitLab(ctx context.Context, event string, body []byte) (*Response, error) {
	et := gitlab.EventType(event)
	if et != gitlab.EventTypePush && et != gitlab.EventTypeMergeRequest {
		slog.Debug("Ignoring webhook event", "platform", PlatformGitLab, "event", event)
		d.observe(PlatformGitLab, event, "ignored")
		return &Response{Message: "event ignored", Event: event}, nil
	}

	parsed, err := gitlab.ParseWebhook(et, body)
	if err != nil {
		return nil, apperr.E(apperr.Validation, "parse gitlab webhook", err)
	}
	switch ev := parsed.(type) {
	case *gitlab.PushEvent:
		return d.onPush(ctx, PlatformGitLab, pushInfo{
			cloneURL:      ev.Project.GitHTTPURL,
			fullName:      ev.Project.PathWithNamespace,
			ref:           ev.Ref,
			defaultBranch: ev.Project.DefaultBranch,
			commits:       len(ev.Commits),
		})
	case *gitlab.MergeEvent:
		return d.onPullRequest(ctx, PlatformGitLab, prInfo{
			cloneURL: ev.Project.GitHTTPURL,
			fullName: ev.Project.PathWithNamespace,
			action:   ev.ObjectAttributes.Action,
			number:   int(ev.ObjectAttributes.IID),
		}, "open", "update")
	default:
		return nil, apperr.Errorf(apperr.Validation, "unexpected payload for event %q", event)
	}
}

type pushInfo struct {
	cloneURL      string
	fullName      string
	ref           string
	defaultBranch string
	commits       int
}

type prInfo struct {
	cloneURL string
	fullName string
	action   string
	number   int
}

// IsScannableBranch reports whether a push to ref should be scanned: the
// repository default branch, or main/master when the default is unknown.
func IsScannableBranch(ref, defaultBranch string) bool {
	branch := strings.TrimPrefix(ref, "refs/heads/")
	if branch == ref && strings.HasPrefix(ref, "refs/") {
		return false
	}
	if defaultBranch != "" {
		return branch == defaultBranch
	}
	return branch == "main" || branch == "master"
}

func (d *Dispatcher) onPush(ctx context.Context, platform string, p pushInfo) (*Response, error) {
	const event = "push"
	if !IsScannableBranch(p.ref, p.defaultBranch) {
		slog.Info("Skipping push to non-default branch", "repo", p.fullName, "ref", p.ref)
		d.observe(platform, event, "skipped")
		return &Response{Message: "push to non-default branch ignored", Event: event}, nil
	}
	if p.commits == 0 {
		d.observe(platform, event, "skipped")
		return &Response{Message: "no commits to scan", Event: event}, nil
	}

	h, err := d.submit(ctx, p.cloneURL, platform+":push")
	if err != nil {
		return nil, err
	}
	slog.Info("Scan started from push", "repo", p.fullName, "ref", p.ref, "job_id", h.ID())
	d.observe(platform, event, "scan_started")

	if d.opts.AutofixOnPush && d.autofix != nil {
		d.followUp(h, func(ctx context.Context, job models.ScanJob) {
			pr, err := d.autofix.Autofix(ctx, job)
			switch {
			case err != nil:
				slog.Error("Autofix after push failed", "repo", p.fullName, "job_id", job.ID, "error", err)
			case pr != nil:
				slog.Info("Autofix pull request created", "repo", p.fullName, "job_id", job.ID, "pr", pr.URL, "fixes", pr.AppliedFixes)
			}
		})
	}
	return &Response{Message: "scan started", Event: event, ScanID: h.ID()}, nil
}

func (d *Dispatcher) onPullRequest(ctx context.Context, platform string, p prInfo, actions ...string) (*Response, error) {
	const event = "pull_request"
	if !containsString(actions, p.action) {
		d.observe(platform, event, "ignored")
		return &Response{Message: fmt.Sprintf("pull request action %q ignored", p.action), Event: event}, nil
	}

	h, err := d.submit(ctx, p.cloneURL, fmt.Sprintf("%s:pr#%d", platform, p.number))
	if err != nil {
		return nil, err
	}
	slog.Info("Scan started from pull request", "repo", p.fullName, "number", p.number, "job_id", h.ID())
	d.observe(platform, event, "scan_started")

	d.followUp(h, func(ctx context.Context, job models.ScanJob) {
		if err := d.comment(ctx, p, job); err != nil {
			slog.Error("Posting scan summary failed", "repo", p.fullName, "number", p.number, "error", err)
		}
	})
	return &Response{Message: "scan started", Event: event, ScanID: h.ID()}, nil
}

func (d *Dispatcher) submit(ctx context.Context, cloneURL, trigger string) (*jobs.Handle, error) {
	if cloneURL == "" {
		return nil, apperr.Errorf(apperr.Validation, "payload has no clone URL")
	}
	return d.jobs.Submit(ctx, jobs.SubmitRequest{
		RepoURL:  cloneURL,
		Scanners: d.opts.Scanners,
		Trigger:  "webhook:" + trigger,
	})
}

// followUp waits for the job in a tracked goroutine and runs fn when it
// completes. Failed jobs are only logged.
func (d *Dispatcher) followUp(h *jobs.Handle, fn func(context.Context, models.ScanJob)) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Webhook follow-up panicked", "job_id", h.ID(), "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(d.baseCtx, d.opts.FollowUpTimeout)
		defer cancel()

		job, err := h.Wait(ctx)
		if err != nil {
			slog.Warn("Gave up waiting for webhook scan", "job_id", h.ID(), "error", err)
			return
		}
		if job.Status != models.JobCompleted {
			slog.Warn("Webhook scan did not complete", "job_id", job.ID, "status", job.Status, "error", job.Error)
			return
		}
		fn(ctx, job)
	}()
}

func (d *Dispatcher) comment(ctx context.Context, p prInfo, job models.ScanJob) error {
	repo, err := repository.ParseRepoURL(p.cloneURL)
	if err != nil {
		return err
	}
	provider, err := d.resolver.ProviderFor(repo)
	if err != nil {
		return err
	}
	return provider.CommentOnPR(ctx, repo.Owner, repo.Name, p.number, FormatComment(job))
}

func (d *Dispatcher) observe(platform, event, outcome string) {
	if d.opts.Observe != nil {
		d.opts.Observe(platform, event, outcome)
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
