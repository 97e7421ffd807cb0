package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/config"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/jobs"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

const (
	sendTimeout = 15 * time.Second
	// findingsListed caps the findings spelled out in a finding alert.
	findingsListed = 5
)

// Dispatcher fans out events to all configured channels.
type Dispatcher struct {
	channels []Channel
	minSev   models.SeverityLevel // threshold for finding alerts and the severity filter
	events   map[string]bool      // event types to send
	limiter  *rate.Limiter

	wg sync.WaitGroup
}

// defaultEvents is the set of event types that trigger notifications when cfg.Events is empty.
var defaultEvents = map[string]bool{
	EventCriticalFinding: true,
	EventPROpened:        true,
	EventScanFailed:      true,
}

// NewDispatcher creates a Dispatcher from the given config.
// Only channels with IsConfigured() == true are active.
func NewDispatcher(cfg config.NotifyConfig) *Dispatcher {
	return newDispatcher(cfg, NewSlack(cfg.Slack), NewWebhook(cfg.Webhook))
}

func newDispatcher(cfg config.NotifyConfig, channels ...Channel) *Dispatcher {
	d := &Dispatcher{
		minSev:  models.SeverityHigh,
		events:  defaultEvents,
		limiter: rate.NewLimiter(rate.Every(time.Second), 10),
	}
	if cfg.MinSeverity != "" {
		d.minSev = models.MapSeverity(cfg.MinSeverity)
	}
	if len(cfg.Events) > 0 {
		d.events = make(map[string]bool, len(cfg.Events))
		for _, e := range cfg.Events {
			d.events[strings.TrimSpace(e)] = true
		}
	}
	for _, ch := range channels {
		if ch.IsConfigured() {
			d.channels = append(d.channels, ch)
		}
	}
	return d
}

// IsAnyConfigured returns true if at least one channel is ready to send.
func (d *Dispatcher) IsAnyConfigured() bool {
	return len(d.channels) > 0
}

// Notify sends evt to all configured channels. Errors are logged but never returned.
func (d *Dispatcher) Notify(ctx context.Context, evt Event) {
	if !d.shouldSend(evt) {
		return
	}
	if err := d.limiter.Wait(ctx); err != nil {
		slog.Warn("notify: dropped event", "event", evt.Type, "error", err)
		return
	}
	for _, ch := range d.channels {
		if err := ch.Send(ctx, evt); err != nil {
			slog.Warn("notify: channel send failed", "channel", ch.Name(), "event", evt.Type, "error", err)
		}
	}
}

// Wait blocks until every notification started by ObserveJobEvent or
// PullRequestOpened has been sent.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// ObserveJobEvent turns terminal job events into notifications. Register it
// with Registry.Subscribe; sends happen off the dispatch goroutine.
func (d *Dispatcher) ObserveJobEvent(evt jobs.Event) {
	if !d.IsAnyConfigured() {
		return
	}
	job := evt.Job
	switch evt.Type {
	case jobs.EventJobFailed:
		d.async(Event{
			Type:    EventScanFailed,
			Title:   "Scan failed: " + repoLabel(job.RepoURL),
			Body:    job.Error,
			RepoURL: job.RepoURL,
			ScanID:  job.ID,
		})
	case jobs.EventJobCompleted:
		if job.Score != nil {
			d.async(Event{
				Type:    EventScanCompleted,
				Title:   "Scan completed: " + repoLabel(job.RepoURL),
				Body:    fmt.Sprintf("Score %d/100 (grade %s), %d issue(s).", job.Score.Score, job.Score.Grade, job.Score.TotalIssues),
				RepoURL: job.RepoURL,
				ScanID:  job.ID,
				Score:   job.Score,
			})
		}
		if alert, ok := d.findingAlert(job); ok {
			d.async(alert)
		}
	}
}

// PullRequestOpened announces a fix pull request.
func (d *Dispatcher) PullRequestOpened(scanID, repoURL string, pr *models.PullRequestResult) {
	if pr == nil || !d.IsAnyConfigured() {
		return
	}
	d.async(Event{
		Type:    EventPROpened,
		Title:   fmt.Sprintf("Fix pull request #%d opened for %s", pr.Number, repoLabel(repoURL)),
		Body:    fmt.Sprintf("%d fix(es) applied on branch %s.", pr.AppliedFixes, pr.Branch),
		URL:     pr.URL,
		RepoURL: repoURL,
		ScanID:  scanID,
	})
}

// findingAlert summarises the findings of job at or above the threshold.
func (d *Dispatcher) findingAlert(job models.ScanJob) (Event, bool) {
	var severe []models.Finding
	top := models.SeverityUnknown
	for _, f := range job.Findings() {
		if !f.Severity.AtLeast(d.minSev) {
			continue
		}
		severe = append(severe, f)
		if f.Severity.Rank() > top.Rank() {
			top = f.Severity
		}
	}
	if len(severe) == 0 {
		return Event{}, false
	}
	var b strings.Builder
	for i, f := range severe {
		if i == findingsListed {
			fmt.Fprintf(&b, "... and %d more\n", len(severe)-findingsListed)
			break
		}
		where := f.Location.File
		if f.IsDependency() {
			where = f.Package + "@" + f.InstalledVersion
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", f.Severity, f.RuleID, where)
	}
	return Event{
		Type:     EventCriticalFinding,
		Title:    fmt.Sprintf("%d %s+ finding(s) in %s", len(severe), d.minSev, repoLabel(job.RepoURL)),
		Body:     strings.TrimRight(b.String(), "\n"),
		Severity: top,
		RepoURL:  job.RepoURL,
		ScanID:   job.ID,
	}, true
}

func (d *Dispatcher) async(evt Event) {
	if !d.shouldSend(evt) {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		d.Notify(ctx, evt)
	}()
}

func (d *Dispatcher) shouldSend(evt Event) bool {
	if !d.events[evt.Type] {
		return false
	}
	// Severity filter only applies to finding events.
	if evt.Severity != "" {
		return evt.Severity.AtLeast(d.minSev)
	}
	return true
}

// repoLabel shortens a clone URL to host/owner/name for titles.
func repoLabel(repoURL string) string {
	s := strings.TrimSuffix(strings.TrimSpace(repoURL), ".git")
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.Index(s, "@"); i >= 0 {
		s = strings.Replace(s[i+1:], ":", "/", 1)
	}
	return s
}
