package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/repository"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/scanner"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/scoring"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/workspace"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

// Progress checkpoints.
const (
	progressCloning  = 10
	progressScanning = 30
	progressScanned  = 70
	progressScoring  = 90
	progressDone     = 100
)

// run drives one job to a terminal state. It is the only writer of rec.
func (r *Registry) run(rec *record) {
	defer r.wg.Done()
	defer close(rec.done)

	ctx, cancel := context.WithTimeout(r.baseCtx, r.opts.JobTimeout)
	defer cancel()
	ctx, span := r.opts.Tracer.Start(ctx, "jobs.pipeline", trace.WithAttributes(
		attribute.String("job.id", rec.job.ID),
		attribute.String("repo.url", rec.job.RepoURL),
	))
	defer span.End()

	var lease *workspace.Lease
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Scan pipeline panicked", "job_id", rec.job.ID, "panic", p)
			r.fail(rec, fmt.Errorf("internal error: %v", p))
		}
		if lease != nil {
			lease.ReleaseAfter(r.opts.WorkspaceRetention)
		}
	}()

	if err := r.pipeline(ctx, rec, &lease); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.fail(rec, err)
	}
}

func (r *Registry) pipeline(ctx context.Context, rec *record, lease **workspace.Lease) error {
	id := rec.job.ID
	if _, err := r.transition(rec, models.JobCloning, progressCloning); err != nil {
		return err
	}

	l, err := r.workspaces.Allocate(id)
	if err != nil {
		return fmt.Errorf("allocating workspace: %w", err)
	}
	*lease = l

	clone, err := r.clone(ctx, rec, l.Path)
	if err != nil {
		// Nothing worth inspecting; remove the partial clone now.
		_ = l.Release()
		*lease = nil
		return err
	}

	if _, err := r.update(rec, func(rec *record) error {
		rec.job.WorkspacePath = l.Path
		rec.job.Branch = clone.Branch
		rec.job.Commit = clone.Commit
		return nil
	}); err != nil {
		return err
	}
	if _, err := r.transition(rec, models.JobScanning, progressScanning); err != nil {
		return err
	}

	results := r.runner.RunAll(ctx, rec.job.Scanners, l.Path, r.opts.Parallelism, func(res scanner.Result) {
		r.recordScanner(ctx, rec, res)
	})
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("scan exceeded job timeout of %s", r.opts.JobTimeout)
		}
		return fmt.Errorf("scan cancelled: %w", err)
	}
	r.storeArtifacts(ctx, id, results)
	if err := r.enrich(ctx, rec); err != nil {
		return fmt.Errorf("enriching findings: %w", err)
	}

	return r.complete(ctx, rec)
}

func (r *Registry) clone(ctx context.Context, rec *record, dir string) (*repository.CloneResult, error) {
	ctx, span := r.opts.Tracer.Start(ctx, "jobs.clone")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, r.opts.CloneTimeout)
	defer cancel()

	res, err := r.cloner.Clone(ctx, rec.job.RepoURL, dir)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("git.commit", res.Commit), attribute.String("git.branch", res.Branch))
	return res, nil
}

// recordScanner stores one scanner's outcome in its slot and advances
// progress. Called concurrently from scanner goroutines.
func (r *Registry) recordScanner(ctx context.Context, rec *record, res scanner.Result) {
	slot := &models.ScannerResult{
		Scanner: res.Scanner,
		Class:   res.Scanner.Class(),
	}
	var dur time.Duration
	if res.Output != nil {
		slot.ExitCode = res.Output.ExitCode
		dur = res.Output.Duration
		slot.DurationMs = dur.Milliseconds()
	}
	if res.Err != nil {
		slot.Status = models.ScannerStatusFailed
		slot.Error = res.Err.Error()
		slog.Warn("Scanner failed", "job_id", rec.job.ID, "scanner", res.Scanner, "error", res.Err)
	} else {
		slot.Status = models.ScannerStatusCompleted
		slot.Findings = res.Output.Findings
		if slot.Findings == nil {
			slot.Findings = []models.Finding{}
		}
	}

	end := r.opts.Now()
	_, span := r.opts.Tracer.Start(ctx, "jobs.scan."+string(res.Scanner),
		trace.WithTimestamp(end.Add(-dur)),
		trace.WithAttributes(
			attribute.String("scanner.status", slot.Status),
			attribute.Int("scanner.findings", len(slot.Findings)),
			attribute.Int("scanner.exit_code", slot.ExitCode),
		))
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	span.End(trace.WithTimestamp(end))

	snap, _ := r.update(rec, func(rec *record) error {
		rec.slots[res.Scanner] = slot
		rec.finished++
		n := len(rec.job.Scanners)
		setProgress(&rec.job, progressScanning+(progressScanned-progressScanning)*rec.finished/n)
		return nil
	})
	slotCopy := *slot
	r.publish(Event{Type: EventScannerDone, Job: snap, Scanner: res.Scanner, Result: &slotCopy})
}

func (r *Registry) storeArtifacts(ctx context.Context, jobID string, results map[models.ScannerKind]scanner.Result) {
	if r.opts.Artifacts == nil {
		return
	}
	for kind, res := range results {
		if res.Output == nil || len(res.Output.Raw) == 0 {
			continue
		}
		if err := r.opts.Artifacts.PutRawOutput(ctx, jobID, kind, res.Output.Raw); err != nil {
			slog.Warn("Failed to store raw scanner output", "job_id", jobID, "scanner", kind, "error", err)
		}
	}
}

// enrich passes copies of the dependency findings through the Enricher and
// stores the result. The lock is not held during enrichment.
func (r *Registry) enrich(ctx context.Context, rec *record) error {
	if r.opts.Enricher == nil {
		return nil
	}
	ctx, span := r.opts.Tracer.Start(ctx, "jobs.enrich")
	defer span.End()

	r.mu.RLock()
	batch := make(map[models.ScannerKind][]models.Finding)
	for k, slot := range rec.slots {
		if slot.Status == models.ScannerStatusCompleted && k.Class() == models.ClassSCA && len(slot.Findings) > 0 {
			batch[k] = append([]models.Finding(nil), slot.Findings...)
		}
	}
	r.mu.RUnlock()

	for k, fs := range batch {
		if err := r.opts.Enricher.Enrich(ctx, fs); err != nil {
			span.RecordError(err)
			return err
		}
		span.SetAttributes(attribute.Int("enrich."+string(k), len(fs)))
	}
	_, err := r.update(rec, func(rec *record) error {
		for k, fs := range batch {
			rec.slots[k].Findings = fs
		}
		return nil
	})
	return err
}

// complete scores the successful scanner slots and publishes them as the
// job's results.
func (r *Registry) complete(ctx context.Context, rec *record) error {
	_, span := r.opts.Tracer.Start(ctx, "jobs.score")
	defer span.End()

	snap, err := r.update(rec, func(rec *record) error {
		if err := rec.job.Status.ValidateTransition(models.JobCompleted); err != nil {
			return err
		}
		setProgress(&rec.job, progressScoring)

		byScanner := make(map[models.ScannerKind][]models.Finding, len(rec.slots))
		for k, slot := range rec.slots {
			if slot.Status == models.ScannerStatusCompleted {
				byScanner[k] = slot.Findings
			}
		}
		score := scoring.Score(byScanner, r.opts.Weights)
		now := r.opts.Now().UTC()

		rec.job.Results = rec.slots
		rec.job.Score = &score
		rec.job.Status = models.JobCompleted
		setProgress(&rec.job, progressDone)
		rec.job.EndedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("score", snap.Score.Score), attribute.String("grade", snap.Score.Grade))

	slog.Info("Scan job completed",
		"job_id", snap.ID,
		"repo", snap.RepoURL,
		"score", snap.Score.Score,
		"grade", snap.Score.Grade,
		"issues", snap.Score.TotalIssues,
	)
	r.publish(Event{Type: EventJobCompleted, Job: snap})
	return nil
}

// fail moves rec to failed unless it is already terminal.
func (r *Registry) fail(rec *record, cause error) {
	snap, err := r.update(rec, func(rec *record) error {
		if rec.job.Status.IsTerminal() {
			return errAlreadyTerminal
		}
		now := r.opts.Now().UTC()
		rec.job.Status = models.JobFailed
		rec.job.Error = cause.Error()
		rec.job.Results = nil
		rec.job.Score = nil
		rec.job.EndedAt = &now
		return nil
	})
	if err != nil {
		return
	}
	slog.Error("Scan job failed", "job_id", snap.ID, "repo", snap.RepoURL, "error", cause)
	r.publish(Event{Type: EventJobFailed, Job: snap})
}

var errAlreadyTerminal = errors.New("job already terminal")
