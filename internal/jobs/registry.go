// Package jobs owns every scan job: it accepts submissions, drives each job
// through clone → scan → score on its own goroutine, and serves snapshots of
// the evolving state to readers.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/apperr"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/repository"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/scanner"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/scoring"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/workspace"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

// ErrClosed is returned by Submit after Shutdown has begun.
var ErrClosed = errors.New("jobs: registry is shut down")

// Cloner fetches a repository into a directory the caller owns.
type Cloner interface {
	Clone(ctx context.Context, repoURL, targetDir string) (*repository.CloneResult, error)
}

// ScanRunner executes scanners against a checked-out tree.
type ScanRunner interface {
	Supports(kind models.ScannerKind) bool
	RunAll(ctx context.Context, kinds []models.ScannerKind, repoPath string, parallelism int, done func(scanner.Result)) map[models.ScannerKind]scanner.Result
}

// ArtifactSink stores raw scanner output. Failures are logged, never fatal.
type ArtifactSink interface {
	PutRawOutput(ctx context.Context, jobID string, kind models.ScannerKind, raw []byte) error
}

// Enricher completes findings in place with data the scanners left out.
// Errors other than a dead context are logged by the implementation.
type Enricher interface {
	Enrich(ctx context.Context, findings []models.Finding) error
}

// Options tunes a Registry. Zero values fall back to the defaults noted.
type Options struct {
	// DefaultScanners is used when a submission names none.
	DefaultScanners []models.ScannerKind
	// Parallelism bounds concurrent scanners per job; 0 runs all at once.
	Parallelism int

	JobTimeout   time.Duration // default 30m
	CloneTimeout time.Duration // default 5m

	// WorkspaceRetention delays clone removal after a job ends.
	WorkspaceRetention time.Duration
	// JobRetention is how long terminal jobs stay listed; 0 keeps them forever.
	JobRetention time.Duration
	// SweepSpec is the cron spec of the eviction sweep; empty disables it.
	SweepSpec string

	Weights   scoring.WeightTable // default scoring.DefaultWeights()
	Tracer    trace.Tracer
	Artifacts ArtifactSink
	// Enricher runs over dependency findings before scoring; nil skips it.
	Enricher Enricher
	Now      func() time.Time
}

func (o *Options) setDefaults() {
	if len(o.DefaultScanners) == 0 {
		o.DefaultScanners = []models.ScannerKind{models.ScannerSemgrep, models.ScannerTrivy}
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 30 * time.Minute
	}
	if o.CloneTimeout <= 0 {
		o.CloneTimeout = 5 * time.Minute
	}
	if o.Weights == nil {
		o.Weights = scoring.DefaultWeights()
	}
	if o.Tracer == nil {
		o.Tracer = noop.NewTracerProvider().Tracer("jobs")
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// SubmitRequest asks for a new scan.
type SubmitRequest struct {
	RepoURL  string
	Scanners []models.ScannerKind
	// Trigger records who asked (api, webhook:push, cli, ...).
	Trigger string
}

// Registry is the in-memory store of scan jobs and the controller that drives
// them. All methods are safe for concurrent use.
type Registry struct {
	opts       Options
	workspaces *workspace.Manager
	cloner     Cloner
	runner     ScanRunner

	mu     sync.RWMutex
	jobs   map[string]*record
	closed bool

	listenersMu sync.RWMutex
	listeners   []Listener

	eventsMu     sync.RWMutex
	events       chan Event
	eventsClosed bool
	dispatchDone chan struct{}

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	sweeper *cron.Cron
}

// record is the registry-private state of one job. job is only mutated under
// Registry.mu by the job's own pipeline goroutine.
type record struct {
	job      models.ScanJob
	slots    map[models.ScannerKind]*models.ScannerResult
	finished int
	done     chan struct{}
}

// NewRegistry creates a Registry and starts its event dispatcher and eviction
// sweeper.
func NewRegistry(ws *workspace.Manager, cloner Cloner, runner ScanRunner, opts Options) (*Registry, error) {
	opts.setDefaults()
	if err := opts.Weights.Validate(); err != nil {
		return nil, apperr.E(apperr.Validation, "jobs", err)
	}
	for _, k := range opts.DefaultScanners {
		if !runner.Supports(k) {
			return nil, apperr.Errorf(apperr.Validation, "default scanner %q is not supported", k)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		opts:         opts,
		workspaces:   ws,
		cloner:       cloner,
		runner:       runner,
		jobs:         make(map[string]*record),
		events:       make(chan Event, eventBuffer),
		dispatchDone: make(chan struct{}),
		baseCtx:      ctx,
		cancel:       cancel,
	}

	if opts.SweepSpec != "" {
		r.sweeper = cron.New()
		if _, err := r.sweeper.AddFunc(opts.SweepSpec, func() {
			if n := r.EvictExpired(); n > 0 {
				slog.Info("jobs: evicted expired jobs", "count", n)
			}
		}); err != nil {
			cancel()
			return nil, apperr.E(apperr.Validation, "jobs", fmt.Errorf("invalid sweep schedule %q: %w", opts.SweepSpec, err))
		}
		r.sweeper.Start()
	}

	go r.dispatch()
	return r, nil
}

// Handle refers to one submitted job.
type Handle struct {
	id   string
	done <-chan struct{}
	reg  *Registry
}

// ID returns the job id.
func (h *Handle) ID() string { return h.id }

// Done is closed once the job is terminal.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the job is terminal or ctx ends, then returns the
// latest snapshot.
func (h *Handle) Wait(ctx context.Context) (models.ScanJob, error) {
	select {
	case <-h.done:
		return h.reg.Get(h.id)
	case <-ctx.Done():
		return models.ScanJob{}, ctx.Err()
	}
}

// Submit validates req, records a new job as started and launches its
// pipeline. It never blocks on the pipeline.
func (r *Registry) Submit(_ context.Context, req SubmitRequest) (*Handle, error) {
	if req.RepoURL == "" {
		return nil, apperr.Errorf(apperr.Validation, "repository URL is required")
	}
	if err := repository.ValidateCloneURL(req.RepoURL); err != nil {
		return nil, apperr.E(apperr.Validation, "submit", err)
	}
	kinds, err := r.resolveScanners(req.Scanners)
	if err != nil {
		return nil, err
	}

	rec := &record{
		job: models.ScanJob{
			ID:        uuid.NewString(),
			RepoURL:   req.RepoURL,
			Scanners:  kinds,
			Trigger:   req.Trigger,
			Status:    models.JobStarted,
			StartedAt: r.opts.Now().UTC(),
		},
		slots: make(map[models.ScannerKind]*models.ScannerResult, len(kinds)),
		done:  make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.jobs[rec.job.ID] = rec
	r.wg.Add(1)
	snap := rec.job.Clone()
	r.mu.Unlock()

	slog.Info("Scan job submitted", "job_id", snap.ID, "repo", snap.RepoURL, "scanners", kinds, "trigger", req.Trigger)
	r.publish(Event{Type: EventJobStarted, Job: snap})

	go r.run(rec)
	return &Handle{id: snap.ID, done: rec.done, reg: r}, nil
}

func (r *Registry) resolveScanners(requested []models.ScannerKind) ([]models.ScannerKind, error) {
	if len(requested) == 0 {
		return append([]models.ScannerKind(nil), r.opts.DefaultScanners...), nil
	}
	seen := make(map[models.ScannerKind]bool, len(requested))
	out := make([]models.ScannerKind, 0, len(requested))
	for _, k := range requested {
		if !k.Valid() || !r.runner.Supports(k) {
			return nil, apperr.Errorf(apperr.Validation, "unsupported scanner %q", k)
		}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out, nil
}

// Get returns a snapshot of job id, or an apperr.NotFound error.
func (r *Registry) Get(id string) (models.ScanJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.jobs[id]
	if !ok {
		return models.ScanJob{}, apperr.Errorf(apperr.NotFound, "scan %s not found", id)
	}
	return rec.job.Clone(), nil
}

// List returns a summary of every known job, most recent first.
func (r *Registry) List() []models.JobSummary {
	r.mu.RLock()
	out := make([]models.JobSummary, 0, len(r.jobs))
	for _, rec := range r.jobs {
		out = append(out, rec.job.Summary())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// EvictExpired removes terminal jobs that ended more than JobRetention ago
// and returns how many were removed. Jobs still in flight are never touched.
func (r *Registry) EvictExpired() int {
	if r.opts.JobRetention <= 0 {
		return 0
	}
	cutoff := r.opts.Now().Add(-r.opts.JobRetention)

	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, rec := range r.jobs {
		if !rec.job.Status.IsTerminal() || rec.job.EndedAt == nil {
			continue
		}
		if rec.job.EndedAt.Before(cutoff) {
			delete(r.jobs, id)
			n++
		}
	}
	return n
}

// Shutdown stops accepting jobs, cancels in-flight pipelines, waits for them
// to record their terminal state and removes every retained workspace.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	if r.sweeper != nil {
		<-r.sweeper.Stop().Done()
	}
	r.cancel()

	waited := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(waited)
	}()
	var err error
	select {
	case <-waited:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for scan pipelines: %w", ctx.Err())
	}

	r.workspaces.Flush(ctx)

	r.eventsMu.Lock()
	r.eventsClosed = true
	close(r.events)
	r.eventsMu.Unlock()
	select {
	case <-r.dispatchDone:
	case <-ctx.Done():
	}
	return err
}

// update applies fn to rec under the write lock and returns a snapshot taken
// afterwards.
func (r *Registry) update(rec *record, fn func(rec *record) error) (models.ScanJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := fn(rec)
	return rec.job.Clone(), err
}

// transition moves rec to next, validating the edge and raising progress.
func (r *Registry) transition(rec *record, next models.JobStatus, progress int) (models.ScanJob, error) {
	snap, err := r.update(rec, func(rec *record) error {
		if err := rec.job.Status.ValidateTransition(next); err != nil {
			return err
		}
		rec.job.Status = next
		setProgress(&rec.job, progress)
		return nil
	})
	if err == nil {
		r.publish(Event{Type: EventJobStatus, Job: snap})
	}
	return snap, err
}

// setProgress only ever raises progress.
func setProgress(job *models.ScanJob, p int) {
	if p > 100 {
		p = 100
	}
	if p > job.Progress {
		job.Progress = p
	}
}
