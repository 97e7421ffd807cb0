package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/artifacts"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/config"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/jobs"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/osv"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/repository"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/scanner"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/scoring"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/workspace"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

// tracerName names spans from every component. Without an SDK installed by
// the embedding binary the global provider is a no-op.
const tracerName = "github.com/CosmoTheDev/ctrlscan-orchestrator"

// scanStack is the part of the wiring shared by serve and scan.
type scanStack struct {
	cfg        *config.Config
	workspaces *workspace.Manager
	resolver   *repository.ConfigResolver
	acquirer   *repository.Acquirer
	registry   *jobs.Registry
}

func buildScanStack(ctx context.Context, cfg *config.Config) (*scanStack, error) {
	weights, err := scoring.BuildWeights(cfg.Scoring.Weights, cfg.Scoring.SeverityWeights)
	if err != nil {
		return nil, fmt.Errorf("scoring weights: %w", err)
	}
	defaults, err := parseScannerKinds(cfg.Scan.Scanners)
	if err != nil {
		return nil, fmt.Errorf("scan.scanners: %w", err)
	}

	ws := workspace.NewManager(cfg.Scan.WorkspaceRoot)
	resolver := repository.NewResolver(cfg)
	acquirer := repository.NewAcquirer(resolver)
	runner := scanner.NewRunner(scanner.DefaultAdapters(), scanner.RunnerOptions{
		BinDir:       cfg.Tools.BinDir,
		PreferDocker: cfg.Tools.PreferDocker,
		Timeout:      cfg.Timeouts.Scanner,
	})

	opts := jobs.Options{
		DefaultScanners:    defaults,
		Parallelism:        cfg.Scan.Parallelism,
		JobTimeout:         cfg.Timeouts.Job,
		CloneTimeout:       cfg.Timeouts.Clone,
		WorkspaceRetention: cfg.Retention.Workspace,
		JobRetention:       cfg.Retention.Jobs,
		SweepSpec:          cfg.Retention.Sweep,
		Weights:            weights,
		Tracer:             otel.Tracer(tracerName),
	}
	if artifacts.Enabled(cfg.Artifacts) {
		store, err := artifacts.New(ctx, cfg.Artifacts)
		if err != nil {
			return nil, fmt.Errorf("artifact store: %w", err)
		}
		opts.Artifacts = store
		slog.Info("raw scanner output will be archived", "endpoint", cfg.Artifacts.Endpoint, "bucket", cfg.Artifacts.Bucket)
	}

	if cfg.Advisories.OSV {
		opts.Enricher = osv.NewEnricher(osv.New(cfg.Advisories.OSVBaseURL))
	}

	reg, err := jobs.NewRegistry(ws, acquirer, runner, opts)
	if err != nil {
		return nil, fmt.Errorf("job registry: %w", err)
	}
	return &scanStack{
		cfg:        cfg,
		workspaces: ws,
		resolver:   resolver,
		acquirer:   acquirer,
		registry:   reg,
	}, nil
}

// close stops the registry and removes any clones still waiting out their
// retention delay.
func (s *scanStack) close(ctx context.Context) {
	if err := s.registry.Shutdown(ctx); err != nil {
		slog.Warn("job registry shutdown incomplete", "error", err)
	}
	s.workspaces.Flush(ctx)
}

func parseScannerKinds(names []string) ([]models.ScannerKind, error) {
	out := make([]models.ScannerKind, 0, len(names))
	for _, n := range names {
		k, err := models.ParseScannerKind(n)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}
