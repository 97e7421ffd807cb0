package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/config"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/jobs"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

type recordingChannel struct {
	mu     sync.Mutex
	events []Event
}

func (c *recordingChannel) Name() string       { return "recording" }
func (c *recordingChannel) IsConfigured() bool { return true }
func (c *recordingChannel) Send(_ context.Context, evt Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *recordingChannel) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}

func completedJob(sevs ...models.SeverityLevel) models.ScanJob {
	var fs []models.Finding
	for _, s := range sevs {
		fs = append(fs, models.Finding{
			Scanner:  models.ScannerSemgrep,
			Class:    models.ClassSAST,
			Severity: s,
			Location: models.Location{File: "app.py", Line: 1},
			RuleID:   "rule",
		})
	}
	return models.ScanJob{
		ID:       "job-1",
		RepoURL:  "https://github.com/acme/shop.git",
		Scanners: []models.ScannerKind{models.ScannerSemgrep},
		Status:   models.JobCompleted,
		Results: map[models.ScannerKind]*models.ScannerResult{
			models.ScannerSemgrep: {Scanner: models.ScannerSemgrep, Status: models.ScannerStatusCompleted, Findings: fs},
		},
		Score: &models.SecurityScore{Score: 70, Grade: "C", TotalIssues: len(fs)},
	}
}

func TestDefaultEventsAlertOnSevereFindings(t *testing.T) {
	ch := &recordingChannel{}
	d := newDispatcher(config.NotifyConfig{}, ch)

	d.ObserveJobEvent(jobs.Event{Type: jobs.EventJobCompleted, Job: completedJob(models.SeverityLow, models.SeverityCritical, models.SeverityHigh)})
	d.Wait()

	require.Equal(t, []string{EventCriticalFinding}, ch.types(), "scan_completed is not a default event")
	alert := ch.events[0]
	assert.Equal(t, models.SeverityCritical, alert.Severity)
	assert.Equal(t, "2 HIGH+ finding(s) in github.com/acme/shop", alert.Title)
	assert.Contains(t, alert.Body, "[CRITICAL] rule: app.py")
	assert.NotContains(t, alert.Body, "[LOW]")
}

func TestNoAlertBelowThreshold(t *testing.T) {
	ch := &recordingChannel{}
	d := newDispatcher(config.NotifyConfig{MinSeverity: "critical"}, ch)

	d.ObserveJobEvent(jobs.Event{Type: jobs.EventJobCompleted, Job: completedJob(models.SeverityHigh)})
	d.Wait()
	assert.Empty(t, ch.types())
}

func TestConfiguredEventsAndFailures(t *testing.T) {
	ch := &recordingChannel{}
	d := newDispatcher(config.NotifyConfig{Events: []string{EventScanCompleted, EventScanFailed, EventPROpened}}, ch)

	d.ObserveJobEvent(jobs.Event{Type: jobs.EventJobCompleted, Job: completedJob()})
	d.ObserveJobEvent(jobs.Event{Type: jobs.EventJobFailed, Job: models.ScanJob{ID: "job-2", RepoURL: "git@gitlab.com:acme/api.git", Status: models.JobFailed, Error: "clone failed"}})
	d.ObserveJobEvent(jobs.Event{Type: jobs.EventScannerDone, Job: completedJob()})
	d.PullRequestOpened("job-1", "https://github.com/acme/shop", &models.PullRequestResult{URL: "https://github.com/acme/shop/pull/3", Number: 3, Branch: "ctrlscan/fix-job-1", AppliedFixes: 2})
	d.Wait()

	assert.ElementsMatch(t, []string{EventScanCompleted, EventScanFailed, EventPROpened}, ch.types())
	for _, e := range ch.events {
		switch e.Type {
		case EventScanFailed:
			assert.Equal(t, "Scan failed: gitlab.com/acme/api", e.Title)
			assert.Equal(t, "clone failed", e.Body)
		case EventPROpened:
			assert.Equal(t, "https://github.com/acme/shop/pull/3", e.URL)
			assert.Contains(t, e.Body, "2 fix(es)")
		}
	}
}

func TestNothingConfiguredIsSilent(t *testing.T) {
	d := NewDispatcher(config.NotifyConfig{})
	assert.False(t, d.IsAnyConfigured())
	d.ObserveJobEvent(jobs.Event{Type: jobs.EventJobFailed, Job: models.ScanJob{ID: "x"}})
	d.Wait()
}

func TestWebhookChannelSignsPayload(t *testing.T) {
	var (
		body []byte
		sig  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		sig = r.Header.Get(SignatureHeader)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ch := NewWebhook(config.WebhookNotifyConfig{URL: srv.URL, Secret: "k"})
	require.True(t, ch.IsConfigured())
	require.NoError(t, ch.Send(context.Background(), Event{Type: EventScanFailed, Title: "t", ScanID: "job-9", RepoURL: "https://github.com/a/b"}))

	mac := hmac.New(sha256.New, []byte("k"))
	mac.Write(body)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), sig)
	assert.Equal(t, Sign("k", body), sig)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "job-9", payload["scan_id"])
	assert.Equal(t, "https://github.com/a/b", payload["repo"])
	assert.NotContains(t, payload, "score")
}

func TestSlackChannel(t *testing.T) {
	var payload map[string]any
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	ch := NewSlack(config.SlackNotifyConfig{WebhookURL: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ch.Send(ctx, Event{
		Title:    "alert",
		Severity: models.SeverityCritical,
		URL:      "https://x",
		ScanID:   "job-1",
		Score:    &models.SecurityScore{Score: 72, Grade: "C"},
	}))
	attachments := payload["attachments"].([]any)
	require.Len(t, attachments, 1)
	att := attachments[0].(map[string]any)
	assert.Equal(t, "#FF0000", att["color"])
	assert.Equal(t, "https://x", att["title_link"])
	fields := att["fields"].([]any)
	require.Len(t, fields, 2)
	assert.Equal(t, "72/100 (C)", fields[1].(map[string]any)["value"])

	status = http.StatusInternalServerError
	assert.Error(t, ch.Send(ctx, Event{Title: "alert"}))
}
