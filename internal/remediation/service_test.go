package remediation

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/ai"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/apperr"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/fixgen"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/publisher"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/repository"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/workspace"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

const (
	repoURL = "https://github.com/acme/shop.git"
	appJS   = "const q = req.query.expr;\nconst result = eval(q);\nres.send(result);\n"
)

type jobStore map[string]models.ScanJob

func (s jobStore) Get(id string) (models.ScanJob, error) {
	job, ok := s[id]
	if !ok {
		return models.ScanJob{}, apperr.Errorf(apperr.NotFound, "scan %s not found", id)
	}
	return job, nil
}

type gitCloner struct {
	mu    sync.Mutex
	dirs  []string
	clone int
}

func (c *gitCloner) Clone(_ context.Context, _ string, dir string) (*repository.CloneResult, error) {
	c.mu.Lock()
	c.clone++
	c.dirs = append(c.dirs, dir)
	c.mu.Unlock()

	repo, err := gogit.PlainInit(dir, false)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "app.js"), []byte(appJS), 0o644); err != nil {
		return nil, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, err
	}
	if _, err := wt.Add("app.js"); err != nil {
		return nil, err
	}
	sig := &object.Signature{Name: "t", Email: "t@example.com", When: time.Now()}
	if _, err := wt.Commit("init", &gogit.CommitOptions{Author: sig}); err != nil {
		return nil, err
	}
	return &repository.CloneResult{LocalPath: dir, Branch: "main"}, nil
}

type replyProvider struct {
	reply string
	calls int
}

func (p *replyProvider) Name() string     { return "fake" }
func (p *replyProvider) Configured() bool { return true }

func (p *replyProvider) Complete(context.Context, ai.CompletionRequest) (string, error) {
	p.calls++
	return p.reply, nil
}

type host struct{ prs int }

func (h *host) Name() string      { return "github" }
func (h *host) AuthToken() string { return "tok" }
func (h *host) CreatePR(context.Context, repository.CreatePROptions) (*models.PullRequestResult, error) {
	h.prs++
	return &models.PullRequestResult{URL: "https://github.com/acme/shop/pull/1", Number: 1}, nil
}
func (h *host) CommentOnPR(context.Context, string, string, int, string) error { return nil }

type resolver struct{ h *host }

func (r resolver) ProviderFor(models.Repo) (repository.HostingProvider, error) { return r.h, nil }

func evalFinding() models.Finding {
	return models.Finding{
		Scanner:  models.ScannerSemgrep,
		Class:    models.ClassSAST,
		Severity: models.SeverityHigh,
		Location: models.Location{File: "app.js", Line: 2, EndLine: 2},
		Message:  "eval with user input",
		RuleID:   "js.eval",
	}
}

func completedJob() models.ScanJob {
	return models.ScanJob{
		ID:       "scan-1",
		RepoURL:  repoURL,
		Scanners: []models.ScannerKind{models.ScannerSemgrep},
		Status:   models.JobCompleted,
		Results: map[models.ScannerKind]*models.ScannerResult{
			models.ScannerSemgrep: {Scanner: models.ScannerSemgrep, Status: models.ScannerStatusCompleted, Findings: []models.Finding{evalFinding()}},
		},
		Score: &models.SecurityScore{Score: 95, Grade: "A", TotalIssues: 1},
	}
}

type fixture struct {
	svc      *Service
	provider *replyProvider
	cloner   *gitCloner
	host     *host
	ws       *workspace.Manager
	pushes   int
}

func newFixture(t *testing.T, reply string) *fixture {
	t.Helper()
	f := &fixture{
		provider: &replyProvider{reply: reply},
		cloner:   &gitCloner{},
		host:     &host{},
		ws:       workspace.NewManager(t.TempDir()),
	}
	pub := publisher.New(f.ws, f.cloner, resolver{f.host}, publisher.Options{
		Push: func(context.Context, string, string, string, string) error {
			f.pushes++
			return nil
		},
		NewBackOff: func() backoff.BackOff { return &backoff.StopBackOff{} },
	})
	jobs := jobStore{"scan-1": completedJob(), "running": {ID: "running", RepoURL: repoURL, Status: models.JobScanning}}
	f.svc = NewService(jobs, fixgen.New(f.provider, fixgen.Options{}), pub, f.ws, f.cloner)
	return f
}

func assertNoWorkspaces(t *testing.T, ws *workspace.Manager) {
	t.Helper()
	entries, _ := os.ReadDir(ws.Root())
	assert.Empty(t, entries)
}

func TestGenerateUsesJobFindingsAndReleasesWorkspace(t *testing.T) {
	f := newFixture(t, `{"fixed_code":"const result = Number(q);","explanation":"no eval","confidence":0.9}`)

	res, err := f.svc.Generate(context.Background(), GenerateRequest{ScanID: "scan-1"})
	require.NoError(t, err)
	require.Len(t, res.Fixes, 1)
	assert.Equal(t, "const result = eval(q);", res.Fixes[0].OriginalCode)
	assert.Equal(t, 1, f.cloner.clone)
	assertNoWorkspaces(t, f.ws)
}

func TestGenerateWithExplicitFindings(t *testing.T) {
	f := newFixture(t, `{"fixed_code":"x","confidence":0.9}`)

	res, err := f.svc.Generate(context.Background(), GenerateRequest{
		ScanID:   "unknown",
		RepoURL:  repoURL,
		Findings: []models.Finding{evalFinding()},
	})
	require.NoError(t, err)
	assert.Len(t, res.Fixes, 1)
}

func TestGenerateErrors(t *testing.T) {
	f := newFixture(t, "")

	_, err := f.svc.Generate(context.Background(), GenerateRequest{ScanID: "missing"})
	assert.ErrorIs(t, err, apperr.NotFound)

	_, err = f.svc.Generate(context.Background(), GenerateRequest{ScanID: "running"})
	assert.ErrorIs(t, err, apperr.Validation)

	_, err = f.svc.Generate(context.Background(), GenerateRequest{ScanID: "x", Findings: []models.Finding{evalFinding()}})
	assert.ErrorIs(t, err, apperr.Validation)

	res, err := f.svc.Generate(context.Background(), GenerateRequest{ScanID: "x", RepoURL: repoURL, Findings: []models.Finding{}})
	require.NoError(t, err)
	assert.Empty(t, res.Fixes)
	assert.Zero(t, f.cloner.clone)

	disabled := NewService(jobStore{}, fixgen.New(&ai.NoopProvider{}, fixgen.Options{}), nil, f.ws, f.cloner)
	_, err = disabled.Generate(context.Background(), GenerateRequest{ScanID: "scan-1"})
	assert.ErrorIs(t, err, apperr.Config)
	assert.Zero(t, f.cloner.clone)
}

func TestAutofixOpensPullRequest(t *testing.T) {
	f := newFixture(t, `{"fixed_code":"const result = Number(q);","confidence":0.95}`)
	obs := &recordingObserver{}
	f.svc.SetObserver(obs)
	f.svc.SetNotifier(obs)

	pr, err := f.svc.Autofix(context.Background(), completedJob())
	require.NoError(t, err)
	require.NotNil(t, pr)
	assert.Equal(t, 1, pr.AppliedFixes)
	assert.Equal(t, 1, f.host.prs)
	assert.Equal(t, 1, f.pushes)
	assertNoWorkspaces(t, f.ws)

	assert.Equal(t, []string{"created"}, obs.results)
	assert.Equal(t, []string{models.FixOutcomeGenerated}, obs.outcomes)
	assert.Equal(t, []string{"scan-1 " + repoURL}, obs.opened)
}

type recordingObserver struct {
	outcomes []string
	results  []string
	opened   []string
}

func (o *recordingObserver) ObserveFixOutcomes(outcomes []models.FixOutcome) {
	for _, oc := range outcomes {
		o.outcomes = append(o.outcomes, oc.Status)
	}
}

func (o *recordingObserver) ObservePullRequest(result string) { o.results = append(o.results, result) }

func (o *recordingObserver) PullRequestOpened(scanID, repoURL string, _ *models.PullRequestResult) {
	o.opened = append(o.opened, scanID+" "+repoURL)
}

func TestAutofixWithoutConfidentFixes(t *testing.T) {
	f := newFixture(t, `{"fixed_code":"const result = Number(q);","confidence":0.3}`)

	pr, err := f.svc.Autofix(context.Background(), completedJob())
	require.NoError(t, err)
	assert.Nil(t, pr)
	assert.Zero(t, f.host.prs)

	clean := completedJob()
	clean.Score.TotalIssues = 0
	pr, err = f.svc.Autofix(context.Background(), clean)
	require.NoError(t, err)
	assert.Nil(t, pr)
	assert.Equal(t, 1, f.provider.calls)
}

func TestPublishDefaultsRepoURLFromJob(t *testing.T) {
	f := newFixture(t, "")
	fix := models.FixCandidate{
		Type:         models.FixTypeCode,
		FindingRef:   "r",
		File:         "app.js",
		OriginalCode: "const result = eval(q);",
		FixedCode:    "const result = Number(q);",
		Confidence:   0.8,
	}

	pr, err := f.svc.Publish(context.Background(), "scan-1", "", []models.FixCandidate{fix})
	require.NoError(t, err)
	assert.Equal(t, 1, pr.Number)

	_, err = f.svc.Publish(context.Background(), "scan-1", repoURL, []models.FixCandidate{{Confidence: 0.1}})
	assert.ErrorIs(t, err, publisher.ErrNoHighConfidenceFixes)
}
