package publisher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/apperr"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/repository"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/workspace"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

const repoURL = "https://github.com/acme/shop.git"

// localCloner builds a one-commit git repository from files instead of
// cloning.
type localCloner struct {
	files map[string]string
	err   error
}

func (c *localCloner) Clone(_ context.Context, _ string, dir string) (*repository.CloneResult, error) {
	if c.err != nil {
		return nil, c.err
	}
	repo, err := gogit.PlainInit(dir, false)
	if err != nil {
		return nil, err
	}
	for name, body := range c.files {
		full := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(full, []byte(body), 0o644); err != nil {
			return nil, err
		}
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, err
	}
	if err := wt.AddWithOptions(&gogit.AddOptions{All: true}); err != nil {
		return nil, err
	}
	sig := &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()}
	hash, err := wt.Commit("initial", &gogit.CommitOptions{Author: sig})
	if err != nil {
		return nil, err
	}
	return &repository.CloneResult{LocalPath: dir, Branch: "main", Commit: hash.String()}, nil
}

type fakeHost struct {
	mu       sync.Mutex
	failures []error
	opts     []repository.CreatePROptions
}

func (h *fakeHost) Name() string      { return "github" }
func (h *fakeHost) AuthToken() string { return "tok" }

func (h *fakeHost) CreatePR(_ context.Context, opts repository.CreatePROptions) (*models.PullRequestResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opts = append(h.opts, opts)
	if len(h.failures) > 0 {
		err := h.failures[0]
		h.failures = h.failures[1:]
		return nil, err
	}
	return &models.PullRequestResult{URL: "https://github.com/acme/shop/pull/7", Number: 7}, nil
}

func (h *fakeHost) CommentOnPR(context.Context, string, string, int, string) error { return nil }

type fakeResolver struct {
	host *fakeHost
	err  error
}

func (r fakeResolver) ProviderFor(models.Repo) (repository.HostingProvider, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.host, nil
}

type pushRecord struct {
	branch  string
	token   string
	files   map[string]string
	pushErr error
	calls   int
}

func (p *pushRecord) push(watch ...string) PushFunc {
	return func(_ context.Context, repoPath, _, branch, token string) error {
		p.calls++
		p.branch, p.token = branch, token
		p.files = map[string]string{}
		for _, name := range watch {
			data, err := os.ReadFile(filepath.Join(repoPath, name))
			if err == nil {
				p.files[name] = string(data)
			}
		}
		return p.pushErr
	}
}

func newTestPublisher(t *testing.T, cloner Cloner, host *fakeHost, push PushFunc) (*Publisher, *workspace.Manager) {
	t.Helper()
	ws := workspace.NewManager(t.TempDir())
	p := New(ws, cloner, fakeResolver{host: host}, Options{
		Now:  func() time.Time { return time.Unix(1700000000, 0) },
		Push: push,
		NewBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 3)
		},
	})
	return p, ws
}

func assertWorkspaceEmpty(t *testing.T, ws *workspace.Manager) {
	t.Helper()
	entries, err := os.ReadDir(ws.Root())
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	require.NoError(t, err)
	assert.Empty(t, entries, "publish workspace must be removed")
}

const appJS = "const q = req.query.expr;\nconst result = eval(q);\nres.send(result);\n"

func codeFix(confidence float64) models.FixCandidate {
	return models.FixCandidate{
		Type:         models.FixTypeCode,
		FindingRef:   "semgrep:js.eval:src/app.js:2",
		Severity:     models.SeverityHigh,
		Issue:        "Use of eval",
		File:         "src/app.js",
		Line:         2,
		OriginalCode: "const result = eval(q);",
		FixedCode:    "const result = Number(q);",
		Confidence:   confidence,
		Explanation:  "Parse the number instead of evaluating it",
	}
}

func TestPublishAppliesFixesAndOpensPR(t *testing.T) {
	cloner := &localCloner{files: map[string]string{
		"src/app.js": appJS,
		"package.json": `{
  "name": "shop",
  "dependencies": {
    "lodash": "^4.17.15",
    "express": "4.18.0"
  }
}
`,
	}}
	host := &fakeHost{}
	rec := &pushRecord{}
	p, ws := newTestPublisher(t, cloner, host, rec.push("src/app.js", "package.json"))

	dep := models.FixCandidate{
		Type:           models.FixTypeDependency,
		FindingRef:     "trivy:CVE-2020-8203:lodash",
		Severity:       models.SeverityCritical,
		Package:        "lodash",
		Ecosystem:      "npm",
		File:           "package.json",
		CurrentVersion: "4.17.15",
		FixedVersion:   "4.17.21",
		Confidence:     0.9,
	}
	low := codeFix(0.4)
	low.FindingRef = "semgrep:low"

	pr, err := p.Publish(context.Background(), "scan-1", repoURL, []models.FixCandidate{codeFix(0.8), dep, low})
	require.NoError(t, err)

	assert.Equal(t, 7, pr.Number)
	assert.Equal(t, "https://github.com/acme/shop/pull/7", pr.URL)
	assert.Equal(t, 2, pr.AppliedFixes)
	assert.Empty(t, pr.FixErrors)
	assert.Equal(t, "ctrlscan/fix-scan-1-1700000000", pr.Branch)

	assert.Equal(t, pr.Branch, rec.branch)
	assert.Equal(t, "tok", rec.token)
	assert.Contains(t, rec.files["src/app.js"], "const result = Number(q);")
	assert.NotContains(t, rec.files["src/app.js"], "eval(")
	assert.Contains(t, rec.files["package.json"], `"lodash": "^4.17.21"`)
	assert.Contains(t, rec.files["package.json"], `"express": "4.18.0"`)

	require.Len(t, host.opts, 1)
	opts := host.opts[0]
	assert.Equal(t, "acme", opts.Owner)
	assert.Equal(t, "shop", opts.Repo)
	assert.Equal(t, "main", opts.BaseBranch)
	assert.Equal(t, pr.Branch, opts.HeadBranch)
	assert.Contains(t, opts.Body, "Code fixes: 1")
	assert.Contains(t, opts.Body, "Dependency updates: 1")
	assert.Contains(t, opts.Body, "CRITICAL: 1, HIGH: 1")
	assert.NotContains(t, opts.Body, "semgrep:low")

	assertWorkspaceEmpty(t, ws)
}

func TestPublishNoHighConfidenceFixes(t *testing.T) {
	host := &fakeHost{}
	rec := &pushRecord{}
	p, ws := newTestPublisher(t, &localCloner{}, host, rec.push())

	_, err := p.Publish(context.Background(), "scan-1", repoURL, []models.FixCandidate{codeFix(0.69)})
	assert.ErrorIs(t, err, ErrNoHighConfidenceFixes)
	assert.Zero(t, rec.calls)
	assert.Empty(t, host.opts)
	assertWorkspaceEmpty(t, ws)
}

func TestPublishRecordsFixesThatDoNotApply(t *testing.T) {
	cloner := &localCloner{files: map[string]string{"src/app.js": appJS}}
	host := &fakeHost{}
	rec := &pushRecord{}
	p, _ := newTestPublisher(t, cloner, host, rec.push())

	stale := codeFix(0.9)
	stale.FindingRef = "semgrep:stale"
	stale.OriginalCode = "this line is gone"
	escape := codeFix(0.9)
	escape.FindingRef = "semgrep:escape"
	escape.File = "../../etc/passwd"

	pr, err := p.Publish(context.Background(), "scan-2", repoURL, []models.FixCandidate{codeFix(0.9), stale, escape})
	require.NoError(t, err)
	assert.Equal(t, 1, pr.AppliedFixes)
	require.Len(t, pr.FixErrors, 2)
	assert.Equal(t, "semgrep:stale", pr.FixErrors[0].FindingRef)
	assert.Contains(t, pr.FixErrors[0].Error, "original snippet not found")
	assert.Equal(t, "semgrep:escape", pr.FixErrors[1].FindingRef)
	assert.Contains(t, host.opts[0].Body, "Not applied")
}

func TestPublishFailsWhenNothingApplies(t *testing.T) {
	cloner := &localCloner{files: map[string]string{"src/app.js": "unrelated\n"}}
	host := &fakeHost{}
	rec := &pushRecord{}
	p, ws := newTestPublisher(t, cloner, host, rec.push())

	_, err := p.Publish(context.Background(), "scan-3", repoURL, []models.FixCandidate{codeFix(0.9)})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.Validation)
	assert.Zero(t, rec.calls)
	assertWorkspaceEmpty(t, ws)
}

func TestPublishRetriesTransientPRErrors(t *testing.T) {
	cloner := &localCloner{files: map[string]string{"src/app.js": appJS}}
	host := &fakeHost{failures: []error{
		errors.New("POST /pulls: 502 Bad Gateway"),
		errors.New("secondary rate limit exceeded"),
	}}
	rec := &pushRecord{}
	p, _ := newTestPublisher(t, cloner, host, rec.push())

	pr, err := p.Publish(context.Background(), "scan-4", repoURL, []models.FixCandidate{codeFix(0.9)})
	require.NoError(t, err)
	assert.Equal(t, 7, pr.Number)
	assert.Len(t, host.opts, 3)
}

func TestPublishDoesNotRetryPermanentPRErrors(t *testing.T) {
	cloner := &localCloner{files: map[string]string{"src/app.js": appJS}}
	host := &fakeHost{failures: []error{errors.New("422 Validation Failed: a pull request already exists")}}
	rec := &pushRecord{}
	p, ws := newTestPublisher(t, cloner, host, rec.push())

	_, err := p.Publish(context.Background(), "scan-5", repoURL, []models.FixCandidate{codeFix(0.9)})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ExternalService)
	assert.Contains(t, err.Error(), "already exists")
	assert.Len(t, host.opts, 1)
	assertWorkspaceEmpty(t, ws)
}

func TestPublishPushFailure(t *testing.T) {
	cloner := &localCloner{files: map[string]string{"src/app.js": appJS}}
	host := &fakeHost{}
	rec := &pushRecord{pushErr: errors.New("remote rejected")}
	p, ws := newTestPublisher(t, cloner, host, rec.push())

	_, err := p.Publish(context.Background(), "scan-6", repoURL, []models.FixCandidate{codeFix(0.9)})
	assert.ErrorIs(t, err, apperr.ExternalService)
	assert.Empty(t, host.opts)
	assertWorkspaceEmpty(t, ws)
}

func TestPublishCloneAndResolverErrors(t *testing.T) {
	cloneErr := apperr.Errorf(apperr.Acquisition, "repository not found")
	p, ws := newTestPublisher(t, &localCloner{err: cloneErr}, &fakeHost{}, (&pushRecord{}).push())
	_, err := p.Publish(context.Background(), "scan-7", repoURL, []models.FixCandidate{codeFix(0.9)})
	assert.ErrorIs(t, err, apperr.Acquisition)
	assertWorkspaceEmpty(t, ws)

	_, err = p.Publish(context.Background(), "scan-7", "not a url", []models.FixCandidate{codeFix(0.9)})
	assert.ErrorIs(t, err, apperr.Validation)

	p = New(workspace.NewManager(t.TempDir()), &localCloner{}, fakeResolver{err: errors.New("no GitHub token configured")}, Options{})
	_, err = p.Publish(context.Background(), "scan-7", repoURL, []models.FixCandidate{codeFix(0.9)})
	assert.ErrorIs(t, err, apperr.Config)
}

func TestBumpRequirements(t *testing.T) {
	in := "flask==1.0\nDjango_Rest-Framework>=3.9 ; python_version >= \"3.6\"  # api\nrequests\n"

	out, err := bumpRequirements(in, "django-rest-framework", "3.15.2")
	require.NoError(t, err)
	assert.Contains(t, out, "Django_Rest-Framework==3.15.2 ; python_version >= \"3.6\"  # api\n")
	assert.Contains(t, out, "flask==1.0\n")

	out, err = bumpRequirements(in, "requests", "2.32.0")
	require.NoError(t, err)
	assert.Contains(t, out, "requests==2.32.0\n")

	_, err = bumpRequirements(in, "numpy", "2.0.0")
	assert.Error(t, err)
}

func TestBumpRequirementsStaysOnItsLine(t *testing.T) {
	out, err := bumpRequirements("flask==1.0\nrequests\n", "requests", "2.32.0")
	require.NoError(t, err)
	assert.Equal(t, "flask==1.0\nrequests==2.32.0\n", out)

	out, err = bumpRequirements("requests\n# pinned below\nflask==1.0\n", "requests", "2.32.0")
	require.NoError(t, err)
	assert.Equal(t, "requests==2.32.0\n# pinned below\nflask==1.0\n", out)

	out, err = bumpRequirements("requests\nrequests-oauthlib==1.0\n", "requests", "2.32.0")
	require.NoError(t, err)
	assert.Equal(t, "requests==2.32.0\nrequests-oauthlib==1.0\n", out)
}

func TestBumpGoMod(t *testing.T) {
	in := "module x\n\nrequire (\n\tgolang.org/x/net v0.0.1 // indirect\n\tgithub.com/a/b v1.0.0\n)\n\nrequire golang.org/x/text v0.3.0\n"

	out, err := bumpGoMod(in, "golang.org/x/net", "0.23.0")
	require.NoError(t, err)
	assert.Contains(t, out, "\tgolang.org/x/net v0.23.0 // indirect\n")

	out, err = bumpGoMod(in, "golang.org/x/text", "v0.3.8")
	require.NoError(t, err)
	assert.Contains(t, out, "require golang.org/x/text v0.3.8\n")

	_, err = bumpGoMod(in, "golang.org/x/crypto", "v0.1.0")
	assert.Error(t, err)
}

func TestBumpGoModLeavesReplaceDirectives(t *testing.T) {
	in := "module x\n\nrequire (\n\tgithub.com/a/b v1.0.0\n)\n\nreplace (\n\tgithub.com/a/b v1.0.0 => ../b\n)\n\nreplace github.com/a/b v0.9.0 => ../old\n"

	out, err := bumpGoMod(in, "github.com/a/b", "v1.2.0")
	require.NoError(t, err)
	assert.Contains(t, out, "require (\n\tgithub.com/a/b v1.2.0\n)")
	assert.Contains(t, out, "\tgithub.com/a/b v1.0.0 => ../b\n")
	assert.Contains(t, out, "replace github.com/a/b v0.9.0 => ../old\n")

	_, err = bumpGoMod("module x\n\nreplace (\n\tgithub.com/a/b v1.0.0 => ../b\n)\n", "github.com/a/b", "v1.2.0")
	assert.Error(t, err, "a replace-only module is not a requirement")
}

func TestBumpPackageJSONRequiresDirectDependency(t *testing.T) {
	_, err := bumpPackageJSON(`{"dependencies":{"express":"4.0.0"}}`, "lodash", "4.17.21")
	assert.Error(t, err)

	out, err := bumpPackageJSON(`{"devDependencies":{"jest":"~26.0.0"}}`, "jest", "26.6.3")
	require.NoError(t, err)
	assert.Equal(t, `{"devDependencies":{"jest":"~26.6.3"}}`, out)
}

func TestPRTitle(t *testing.T) {
	assert.Equal(t, "fix(security): bump lodash to 4.17.21",
		prTitle([]models.FixCandidate{{Type: models.FixTypeDependency, Package: "lodash", FixedVersion: "4.17.21"}}))
	assert.Equal(t, "fix(security): apply 2 automated security fixes",
		prTitle([]models.FixCandidate{{Type: models.FixTypeCode}, {Type: models.FixTypeCode}}))

	long := prTitle([]models.FixCandidate{{Type: models.FixTypeCode, Issue: strings.Repeat("é", 70)}})
	assert.True(t, utf8.ValidString(long))
	assert.Equal(t, "fix(security): "+strings.Repeat("é", maxTitleIssue-3)+"...", long)
}

func TestIsRetryablePRCreationError(t *testing.T) {
	assert.True(t, isRetryablePRCreationError(errors.New("Job scheduled on GitHub side; try again later")))
	assert.True(t, isRetryablePRCreationError(errors.New("dial tcp: i/o timeout")))
	assert.False(t, isRetryablePRCreationError(errors.New("404 Not Found")))
	assert.False(t, isRetryablePRCreationError(nil))
}
