package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/jobs"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

func TestObserveJobEvents(t *testing.T) {
	m := New()
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	end := start.Add(90 * time.Second)

	m.ObserveJobEvent(jobs.Event{Type: jobs.EventJobStarted})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsInFlight))

	m.ObserveJobEvent(jobs.Event{
		Type:    jobs.EventScannerDone,
		Scanner: models.ScannerTrivy,
		Result:  &models.ScannerResult{Status: models.ScannerStatusFailed},
	})
	m.ObserveJobEvent(jobs.Event{
		Type: jobs.EventJobCompleted,
		Job: models.ScanJob{
			Status:    models.JobCompleted,
			Scanners:  []models.ScannerKind{models.ScannerSemgrep},
			StartedAt: start,
			EndedAt:   &end,
			Results: map[models.ScannerKind]*models.ScannerResult{
				models.ScannerSemgrep: {Findings: []models.Finding{
					{Class: models.ClassSAST, Severity: models.SeverityHigh},
					{Class: models.ClassSAST, Severity: models.SeverityHigh},
				}},
			},
		},
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsStarted))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.JobsInFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsFinished.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScannerRuns.WithLabelValues("trivy", "failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Findings.WithLabelValues("sast", "HIGH")))
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.ObserveWebhook("github", "push", "scan_started")
	m.ObserveFixOutcomes([]models.FixOutcome{{Status: models.FixOutcomeGenerated}, {Status: models.FixOutcomeSkipped}})
	m.ObservePullRequest("created")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	out := string(body)
	assert.Contains(t, out, `ctrlscan_webhook_deliveries_total{event="push",outcome="scan_started",platform="github"} 1`)
	assert.Contains(t, out, `ctrlscan_fix_outcomes_total{status="skipped"} 1`)
	assert.Contains(t, out, `ctrlscan_pull_requests_total{result="created"} 1`)
	assert.Contains(t, out, "go_goroutines")
}
