// Package gateway is the HTTP front door of the orchestrator. It serves the
// scan and autofix API, receives hosting webhooks, streams job events over
// SSE, exposes Prometheus metrics and fires configured cron schedules.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/config"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/fixgen"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/jobs"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/remediation"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/repository"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/webhook"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

const defaultMaxBodyBytes = 10 << 20

// JobService submits and reads scan jobs.
type JobService interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (*jobs.Handle, error)
	Get(id string) (models.ScanJob, error)
	List() []models.JobSummary
	Subscribe(l jobs.Listener)
}

// Remediator generates and publishes fixes.
type Remediator interface {
	Generate(ctx context.Context, req remediation.GenerateRequest) (*fixgen.Result, error)
	Publish(ctx context.Context, scanID, repoURL string, fixes []models.FixCandidate) (*models.PullRequestResult, error)
	AIEnabled() bool
}

// WebhookHandler authenticates and dispatches one platform delivery.
type WebhookHandler interface {
	Handle(ctx context.Context, platform string, header http.Header, body []byte) (*webhook.Response, error)
}

// Options configures a Gateway. Everything but Addr is optional.
type Options struct {
	Addr         string
	MaxBodyBytes int64 // default 10 MiB
	Metrics      http.Handler
	Resolver     repository.Resolver
	Schedules    []config.ScheduleConfig
	// AllowLocalRepos accepts absolute paths and file:// URLs from API
	// callers. Off by default.
	AllowLocalRepos bool
}

// Gateway wires the HTTP API to the job registry, the remediation service and
// the webhook dispatcher.
type Gateway struct {
	opts        Options
	jobs        JobService
	remediator  Remediator
	webhooks    WebhookHandler
	scheduler   *Scheduler
	broadcaster *Broadcaster
	health      *HealthMonitor

	mu        sync.RWMutex
	startedAt time.Time
}

// New creates a Gateway and subscribes it to job events. Call Start to serve.
func New(js JobService, rem Remediator, hooks WebhookHandler, opts Options) (*Gateway, error) {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:6080"
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	gw := &Gateway{
		opts:        opts,
		jobs:        js,
		remediator:  rem,
		webhooks:    hooks,
		broadcaster: newBroadcaster(),
		startedAt:   time.Now(),
	}
	sched, err := newScheduler(opts.Schedules, gw.triggerSchedule, gw.broadcaster.send)
	if err != nil {
		return nil, err
	}
	gw.scheduler = sched
	gw.health = newHealthMonitor(gw)
	js.Subscribe(gw.onJobEvent)
	return gw, nil
}

// Handler returns the routed API. Start uses it; tests call it directly.
func (gw *Gateway) Handler() http.Handler { return buildHandler(gw) }

// onJobEvent forwards registry events to SSE subscribers as job summaries.
// Terminal events add the score and error.
func (gw *Gateway) onJobEvent(evt jobs.Event) {
	payload := map[string]any{"job": evt.Job.Summary()}
	switch evt.Type {
	case jobs.EventScannerDone:
		payload["scanner"] = evt.Scanner
		if evt.Result != nil {
			payload["status"] = evt.Result.Status
			payload["findings"] = len(evt.Result.Findings)
		}
	case jobs.EventJobCompleted, jobs.EventJobFailed:
		payload["score"] = evt.Job.Score
		payload["error"] = evt.Job.Error
	}
	gw.broadcaster.send(SSEEvent{Type: string(evt.Type), Payload: payload})
}

// triggerSchedule submits one scan per repository of sched.
func (gw *Gateway) triggerSchedule(ctx context.Context, sched config.ScheduleConfig) []string {
	kinds, err := parseScanners(sched.Scanners)
	if err != nil {
		slog.Warn("gateway: schedule has invalid scanners", "name", sched.Name, "error", err)
		return nil
	}
	var ids []string
	for _, repo := range sched.Repos {
		h, err := gw.jobs.Submit(ctx, jobs.SubmitRequest{
			RepoURL:  repo,
			Scanners: kinds,
			Trigger:  "schedule:" + sched.Name,
		})
		if err != nil {
			slog.Warn("gateway: scheduled scan not submitted", "name", sched.Name, "repo", repo, "error", err)
			continue
		}
		ids = append(ids, h.ID())
	}
	return ids
}

// Start runs the gateway until ctx is cancelled. It starts the scheduler and
// the health monitor, then blocks serving HTTP.
func (gw *Gateway) Start(ctx context.Context) error {
	gw.mu.Lock()
	gw.startedAt = time.Now()
	gw.mu.Unlock()

	gw.scheduler.Start()
	go gw.health.run(ctx)

	srv := &http.Server{
		Addr:              gw.opts.Addr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(gw.broadcaster.close)

	go func() {
		<-ctx.Done()
		gw.scheduler.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("gateway: listening", "addr", "http://"+gw.opts.Addr)
	gw.broadcaster.send(SSEEvent{
		Type:    "gateway.started",
		Payload: map[string]string{"addr": "http://" + gw.opts.Addr},
	})

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (gw *Gateway) uptime() time.Duration {
	gw.mu.RLock()
	defer gw.mu.RUnlock()
	return time.Since(gw.startedAt)
}
