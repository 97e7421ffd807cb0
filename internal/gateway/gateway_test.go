package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/apperr"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/config"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/fixgen"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/jobs"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/publisher"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/remediation"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/repository"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/scanner"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/webhook"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/workspace"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

type stubCloner struct{}

func (stubCloner) Clone(_ context.Context, _ string, dir string) (*repository.CloneResult, error) {
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o600); err != nil {
		return nil, err
	}
	return &repository.CloneResult{LocalPath: dir, Branch: "main", Commit: "abc123"}, nil
}

type stubRunner struct{}

func (stubRunner) Supports(k models.ScannerKind) bool { return k.Valid() }

func (stubRunner) RunAll(_ context.Context, kinds []models.ScannerKind, _ string, _ int, done func(scanner.Result)) map[models.ScannerKind]scanner.Result {
	out := make(map[models.ScannerKind]scanner.Result, len(kinds))
	for _, k := range kinds {
		res := scanner.Result{Scanner: k, Output: &scanner.Output{Scanner: k, Findings: []models.Finding{{
			Scanner:  k,
			Class:    k.Class(),
			Severity: models.SeverityHigh,
			Location: models.Location{File: "main.go", Line: 1},
			Message:  "finding from " + string(k),
			RuleID:   "rule-" + string(k),
		}}}}
		done(res)
		out[k] = res
	}
	return out
}

type fakeRemediator struct {
	mu      sync.Mutex
	genReqs []remediation.GenerateRequest
	genRes  *fixgen.Result
	genErr  error

	pubRepo  string
	pubFixes int
	pr       *models.PullRequestResult
	pubErr   error
}

func (f *fakeRemediator) Generate(_ context.Context, req remediation.GenerateRequest) (*fixgen.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.genReqs = append(f.genReqs, req)
	if f.genErr != nil {
		return nil, f.genErr
	}
	if f.genRes != nil {
		return f.genRes, nil
	}
	return &fixgen.Result{}, nil
}

func (f *fakeRemediator) Publish(_ context.Context, _ string, repoURL string, fixes []models.FixCandidate) (*models.PullRequestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pubRepo = repoURL
	f.pubFixes = len(fixes)
	return f.pr, f.pubErr
}

func (f *fakeRemediator) AIEnabled() bool { return true }

type fakeWebhooks struct {
	platform string
	body     []byte
	resp     *webhook.Response
	err      error
}

func (f *fakeWebhooks) Handle(_ context.Context, platform string, _ http.Header, body []byte) (*webhook.Response, error) {
	f.platform = platform
	f.body = body
	return f.resp, f.err
}

type harness struct {
	gw      *Gateway
	reg     *jobs.Registry
	rem     *fakeRemediator
	hooks   *fakeWebhooks
	handler http.Handler
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	reg, err := jobs.NewRegistry(workspace.NewManager(t.TempDir()), stubCloner{}, stubRunner{}, jobs.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })

	h := &harness{reg: reg, rem: &fakeRemediator{}, hooks: &fakeWebhooks{}}
	h.gw, err = New(reg, h.rem, h.hooks, opts)
	require.NoError(t, err)
	h.handler = h.gw.Handler()
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, httptest.NewRequest(method, path, r))
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), rr.Body.String())
	return v
}

func TestStartScanRunsToCompletion(t *testing.T) {
	h := newHarness(t, Options{})

	rr := h.do(t, http.MethodPost, "/scan/start", map[string]any{
		"repoUrl":   "https://github.com/acme/shop.git",
		"scanTypes": []string{"semgrep", "trufflehog"},
	})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	started := decode[startScanResponse](t, rr)
	assert.Equal(t, "started", started.Status)
	require.NotEmpty(t, started.ScanID)

	require.Eventually(t, func() bool {
		job, err := h.reg.Get(started.ScanID)
		return err == nil && job.Status == models.JobCompleted
	}, 5*time.Second, 10*time.Millisecond)

	rr = h.do(t, http.MethodGet, "/scan/status/"+started.ScanID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	job := decode[models.ScanJob](t, rr)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, "api", job.Trigger)
	assert.ElementsMatch(t, []models.ScannerKind{models.ScannerSemgrep, models.ScannerTrufflehog}, job.Scanners)
	require.NotNil(t, job.Score)
	assert.Equal(t, 2, job.Score.TotalIssues)

	rr = h.do(t, http.MethodGet, "/scan/list", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[struct {
		Scans []models.JobSummary `json:"scans"`
	}](t, rr)
	require.Len(t, list.Scans, 1)
	assert.Equal(t, started.ScanID, list.Scans[0].ID)
}

func TestStartScanValidation(t *testing.T) {
	h := newHarness(t, Options{})

	for name, tc := range map[string]struct {
		body string
		want string
	}{
		"missing repo":    {`{"scanTypes":["semgrep"]}`, "Repository URL is required"},
		"unknown scanner": {`{"repoUrl":"https://github.com/a/b","scanTypes":["nmap"]}`, "unknown scanner"},
		"bad json":        {`{"repoUrl":`, "invalid JSON body"},
		"bad url":         {`{"repoUrl":"not a url"}`, ""},
	} {
		t.Run(name, func(t *testing.T) {
			rr := h.do(t, http.MethodPost, "/scan/start", tc.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
			assert.Contains(t, rr.Body.String(), tc.want)
		})
	}
	assert.Empty(t, h.reg.List())
}

func TestLocalRepositoriesRejectedOverAPI(t *testing.T) {
	h := newHarness(t, Options{})
	fix := []models.FixCandidate{{Type: models.FixTypeCode, File: "main.go", Confidence: 0.95}}

	for _, repo := range []string{"/etc", "file:///root/.ssh"} {
		rr := h.do(t, http.MethodPost, "/scan/start", map[string]any{"repoUrl": repo})
		assert.Equal(t, http.StatusBadRequest, rr.Code, repo)
		assert.Contains(t, rr.Body.String(), "local repository paths are not accepted")

		rr = h.do(t, http.MethodPost, "/autofix/generate/scan-1", map[string]any{"repoUrl": repo})
		assert.Equal(t, http.StatusBadRequest, rr.Code, repo)

		rr = h.do(t, http.MethodPost, "/autofix/create-pr/scan-1", map[string]any{"repoUrl": repo, "fixes": fix})
		assert.Equal(t, http.StatusBadRequest, rr.Code, repo)
	}
	assert.Empty(t, h.reg.List())
	assert.Empty(t, h.rem.genReqs)
	assert.Zero(t, h.rem.pubFixes)

	allowed := newHarness(t, Options{AllowLocalRepos: true})
	rr := allowed.do(t, http.MethodPost, "/scan/start", map[string]any{"repoUrl": "/srv/repos/app"})
	assert.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
}

func TestStartScanBodyLimit(t *testing.T) {
	h := newHarness(t, Options{MaxBodyBytes: 32})
	rr := h.do(t, http.MethodPost, "/scan/start", `{"repoUrl":"https://github.com/acme/a-very-long-repository-name"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "exceeds 32 bytes")
}

func TestScanStatusUnknownID(t *testing.T) {
	h := newHarness(t, Options{})
	rr := h.do(t, http.MethodGet, "/scan/status/nope", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.JSONEq(t, `{"error":"Scan not found"}`, rr.Body.String())

	rr = h.do(t, http.MethodGet, "/scan/list", nil)
	assert.JSONEq(t, `{"scans":[]}`, rr.Body.String())
}

func TestGenerateFixesAcceptsBothResultShapes(t *testing.T) {
	h := newHarness(t, Options{})
	h.rem.genRes = &fixgen.Result{
		Fixes:    []models.FixCandidate{{Type: models.FixTypeCode, File: "main.go", Confidence: 0.9}},
		Outcomes: []models.FixOutcome{{FindingRef: "r1", Status: models.FixOutcomeGenerated}},
	}
	finding := `{"scanner":"semgrep","class":"sast","severity":"HIGH","location":{"file":"main.go","line":3},"message":"m","rule_id":"r"}`

	rr := h.do(t, http.MethodPost, "/autofix/generate/scan-1", `{"repoUrl":"https://github.com/acme/shop","scanResults":[`+finding+`]}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode[generateFixesResponse](t, rr)
	assert.Equal(t, "scan-1", resp.ScanID)
	assert.Equal(t, 1, resp.FixesGenerated)
	assert.Len(t, resp.Outcomes, 1)

	rr = h.do(t, http.MethodPost, "/autofix/generate/scan-1", `{"scanResults":{"findings":[`+finding+`,`+finding+`]}}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = h.do(t, http.MethodPost, "/autofix/generate/scan-1", `{"repoUrl":"https://github.com/acme/shop"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	require.Len(t, h.rem.genReqs, 3)
	assert.Len(t, h.rem.genReqs[0].Findings, 1)
	assert.Equal(t, "https://github.com/acme/shop", h.rem.genReqs[0].RepoURL)
	assert.Len(t, h.rem.genReqs[1].Findings, 2)
	assert.Nil(t, h.rem.genReqs[2].Findings, "omitted scanResults defers to the job's findings")
}

func TestGenerateFixesErrorMapping(t *testing.T) {
	for name, tc := range map[string]struct {
		err  error
		code int
	}{
		"no model":      {apperr.Errorf(apperr.Config, "language model not configured"), http.StatusServiceUnavailable},
		"unknown scan":  {apperr.Errorf(apperr.NotFound, "scan x not found"), http.StatusNotFound},
		"still running": {apperr.Errorf(apperr.Validation, "scan x is scanning"), http.StatusBadRequest},
		"clone failed":  {apperr.E(apperr.Acquisition, "clone", fmt.Errorf("exit status 128")), http.StatusInternalServerError},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, Options{})
			h.rem.genErr = tc.err
			rr := h.do(t, http.MethodPost, "/autofix/generate/x", `{}`)
			assert.Equal(t, tc.code, rr.Code)
			assert.Contains(t, rr.Body.String(), `"error"`)
		})
	}
}

func TestCreatePR(t *testing.T) {
	fixes := map[string]any{
		"repoUrl": "https://github.com/acme/shop",
		"fixes":   []models.FixCandidate{{Type: models.FixTypeCode, File: "main.go", Confidence: 0.95}},
	}

	t.Run("created", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.rem.pr = &models.PullRequestResult{URL: "https://github.com/acme/shop/pull/4", Number: 4, Branch: "ctrlscan/fix-scan-1", AppliedFixes: 1}
		rr := h.do(t, http.MethodPost, "/autofix/create-pr/scan-1", fixes)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		resp := decode[createPRResponse](t, rr)
		assert.Equal(t, "https://github.com/acme/shop/pull/4", resp.PRURL)
		assert.Equal(t, 4, resp.PRNumber)
		assert.Equal(t, 1, resp.AppliedFixes)
		assert.Equal(t, "Pull request created successfully", resp.Message)
		assert.Equal(t, "https://github.com/acme/shop", h.rem.pubRepo)
		assert.Equal(t, 1, h.rem.pubFixes)
	})

	t.Run("nothing confident", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.rem.pubErr = publisher.ErrNoHighConfidenceFixes
		rr := h.do(t, http.MethodPost, "/autofix/create-pr/scan-1", fixes)
		require.Equal(t, http.StatusOK, rr.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, "No high-confidence fixes to apply", body["message"])
		assert.EqualValues(t, 0, body["appliedFixes"])
	})

	t.Run("hosting failure", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.rem.pubErr = apperr.Errorf(apperr.ExternalService, "creating pull request after 3 attempt(s): 503")
		rr := h.do(t, http.MethodPost, "/autofix/create-pr/scan-1", fixes)
		assert.Equal(t, http.StatusBadGateway, rr.Code)
	})

	t.Run("no fixes", func(t *testing.T) {
		h := newHarness(t, Options{})
		rr := h.do(t, http.MethodPost, "/autofix/create-pr/scan-1", `{"repoUrl":"https://github.com/acme/shop","fixes":[]}`)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Zero(t, h.rem.pubFixes)
	})
}

type tokenHost struct{ token string }

func (h tokenHost) Name() string      { return "github" }
func (h tokenHost) AuthToken() string { return h.token }
func (tokenHost) CreatePR(context.Context, repository.CreatePROptions) (*models.PullRequestResult, error) {
	return nil, nil
}
func (tokenHost) CommentOnPR(context.Context, string, string, int, string) error { return nil }

type tokenResolver struct{}

func (tokenResolver) ProviderFor(models.Repo) (repository.HostingProvider, error) {
	return tokenHost{token: "ghp_x"}, nil
}

func TestRepoInfo(t *testing.T) {
	h := newHarness(t, Options{Resolver: tokenResolver{}})

	rr := h.do(t, http.MethodGet, "/autofix/repo-info?repoUrl=git@gitlab.com:group/sub/app.git", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	info := decode[repoInfoResponse](t, rr)
	assert.Equal(t, "gitlab", info.Repo.Provider)
	assert.Equal(t, "group/sub", info.Repo.Owner)
	assert.Equal(t, "app", info.Repo.Name)
	assert.True(t, info.AIEnabled)
	assert.True(t, info.ProviderReady)

	rr = h.do(t, http.MethodGet, "/autofix/repo-info", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestWebhookPassesRawBodyAndMapsErrors(t *testing.T) {
	h := newHarness(t, Options{})
	h.hooks.resp = &webhook.Response{Message: "scan started", Event: "push", ScanID: "id-1"}

	rr := h.do(t, http.MethodPost, "/webhook/github", `{"ref":"refs/heads/main"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"message":"scan started","event":"push","scanId":"id-1"}`, rr.Body.String())
	assert.Equal(t, "github", h.hooks.platform)
	assert.Equal(t, `{"ref":"refs/heads/main"}`, string(h.hooks.body))

	h.hooks.err = apperr.Errorf(apperr.Signature, "invalid signature")
	rr = h.do(t, http.MethodPost, "/webhook/github", `{}`)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	h.hooks.err = apperr.Errorf(apperr.NotFound, `unsupported platform "bitbucket"`)
	rr = h.do(t, http.MethodPost, "/webhook/bitbucket", `{}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSchedulesListAndTrigger(t *testing.T) {
	h := newHarness(t, Options{Schedules: []config.ScheduleConfig{
		{Name: "nightly", Expr: "0 2 * * *", Repos: []string{"https://github.com/acme/a", "https://github.com/acme/b"}, Scanners: []string{"trivy"}},
		{Name: "hourly", Expr: "@hourly", Repos: []string{"https://github.com/acme/c"}},
	}})

	rr := h.do(t, http.MethodGet, "/schedules", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[struct {
		Schedules []ScheduleStatus `json:"schedules"`
	}](t, rr)
	require.Len(t, list.Schedules, 2)
	assert.Equal(t, "hourly", list.Schedules[0].Name)
	assert.Empty(t, list.Schedules[1].LastRunAt)

	rr = h.do(t, http.MethodPost, "/schedules/nightly/trigger", nil)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	resp := decode[struct {
		ScanIDs []string `json:"scanIds"`
	}](t, rr)
	require.Len(t, resp.ScanIDs, 2)
	for _, id := range resp.ScanIDs {
		job, err := h.reg.Get(id)
		require.NoError(t, err)
		assert.Equal(t, "schedule:nightly", job.Trigger)
		assert.Equal(t, []models.ScannerKind{models.ScannerTrivy}, job.Scanners)
	}
	assert.NotEmpty(t, h.gw.scheduler.List()[1].LastRunAt)

	rr = h.do(t, http.MethodPost, "/schedules/weekly/trigger", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestInvalidScheduleExpressionFailsConstruction(t *testing.T) {
	reg, err := jobs.NewRegistry(workspace.NewManager(t.TempDir()), stubCloner{}, stubRunner{}, jobs.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })

	_, err = New(reg, &fakeRemediator{}, &fakeWebhooks{}, Options{Schedules: []config.ScheduleConfig{
		{Name: "bad", Expr: "every tuesday", Repos: []string{"https://github.com/acme/a"}},
	}})
	assert.ErrorIs(t, err, apperr.Validation)
}

func TestEventsStreamsJobLifecycle(t *testing.T) {
	h := newHarness(t, Options{})
	srv := httptest.NewServer(h.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := bufio.NewReader(resp.Body)
	next := func() SSEEvent {
		t.Helper()
		for {
			line, err := frames.ReadString('\n')
			require.NoError(t, err)
			if data, ok := strings.CutPrefix(strings.TrimSpace(line), "data: "); ok {
				var evt SSEEvent
				require.NoError(t, json.Unmarshal([]byte(data), &evt))
				return evt
			}
		}
	}
	assert.Equal(t, "connected", next().Type)

	rr := h.do(t, http.MethodPost, "/scan/start", `{"repoUrl":"https://github.com/acme/shop","scanTypes":["semgrep"]}`)
	require.Equal(t, http.StatusAccepted, rr.Code)

	var seen []string
	for len(seen) == 0 || seen[len(seen)-1] != string(jobs.EventJobCompleted) {
		seen = append(seen, next().Type)
	}
	assert.Equal(t, string(jobs.EventJobStarted), seen[0])
	assert.Contains(t, seen, string(jobs.EventScannerDone))
	cancel()
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	h := newHarness(t, Options{Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ctrlscan_jobs_started_total 0\n")
	})})

	rr := h.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	hs := decode[HealthStatus](t, rr)
	assert.Equal(t, "ok", hs.Status)
	assert.Zero(t, hs.JobsInFlight)

	rr = h.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "ctrlscan_jobs_started_total")

	rr = h.do(t, http.MethodGet, "/", nil)
	assert.Contains(t, rr.Body.String(), "GET /metrics")
}

func TestHealthReportsStuckJobs(t *testing.T) {
	h := newHarness(t, Options{})
	hm := h.gw.health
	hm.now = func() time.Time { return time.Now().Add(2 * stuckThreshold) }

	h.gw.jobs = &fixedList{JobService: h.reg, jobs: []models.JobSummary{
		{ID: "j1", Status: models.JobScanning, StartedAt: time.Now()},
		{ID: "j2", Status: models.JobCompleted, StartedAt: time.Now()},
	}}

	hs := hm.computeStatus()
	assert.Equal(t, "degraded", hs.Status)
	assert.Equal(t, 1, hs.JobsInFlight)
	assert.Equal(t, 1, hs.StuckJobs)
}

type fixedList struct {
	JobService
	jobs []models.JobSummary
}

func (f *fixedList) List() []models.JobSummary { return f.jobs }
