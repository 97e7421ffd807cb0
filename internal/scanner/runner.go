package scanner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/apperr"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

const (
	containerScanPath = "/scan"
	waitDelay         = 5 * time.Second
)

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	// BinDir is checked before PATH when resolving scanner binaries.
	BinDir string
	// PreferDocker forces docker execution even if a local binary exists.
	PreferDocker bool
	// Timeout bounds each scanner invocation. Zero means no extra bound
	// beyond the caller's context.
	Timeout time.Duration
}

// Runner invokes scanner adapters as subprocesses.
type Runner struct {
	adapters map[models.ScannerKind]Adapter
	opts     RunnerOptions

	// dockerAvailable is probed once, on first need.
	dockerOnce sync.Once
	docker     bool
}

// NewRunner creates a Runner over the given adapters.
func NewRunner(adapters []Adapter, opts RunnerOptions) *Runner {
	m := make(map[models.ScannerKind]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Kind()] = a
	}
	return &Runner{adapters: m, opts: opts}
}

// DefaultAdapters returns an adapter for every supported scanner.
func DefaultAdapters() []Adapter {
	return []Adapter{
		NewSemgrepAdapter(),
		NewOpengrepAdapter(),
		NewTrivyAdapter(),
		NewGrypeAdapter(),
		NewTrufflehogAdapter(),
	}
}

// Supports reports whether the runner has an adapter for kind.
func (r *Runner) Supports(kind models.ScannerKind) bool {
	_, ok := r.adapters[kind]
	return ok
}

// Run executes one scanner against repoPath and parses its output. A
// non-zero exit code is not an error in itself: many tools use it to signal
// that findings are present. Only unusable output (or a process that could
// not be started or timed out) yields an apperr.ExternalTool error.
func (r *Runner) Run(ctx context.Context, kind models.ScannerKind, repoPath string) (*Output, error) {
	a, ok := r.adapters[kind]
	if !ok {
		return &Output{Scanner: kind}, apperr.Errorf(apperr.Validation, "unsupported scanner %q", kind)
	}

	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}

	out := &Output{Scanner: kind}
	cmd, target, useDocker, err := r.command(ctx, a, repoPath)
	if err != nil {
		return out, apperr.E(apperr.ExternalTool, string(kind), err)
	}
	out.UsedDocker = useDocker

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Orphaned grandchildren must not hold the output pipes open forever.
	cmd.WaitDelay = waitDelay

	slog.Info("Running scanner", "scanner", kind, "repo", repoPath, "docker", useDocker)
	start := time.Now()
	runErr := cmd.Run()
	out.Duration = time.Since(start)
	out.Raw = stdout.Bytes()

	if runErr != nil {
		if ctx.Err() != nil {
			return out, apperr.E(apperr.ExternalTool, string(kind),
				fmt.Errorf("scanner did not finish: %w", ctx.Err()))
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return out, apperr.E(apperr.ExternalTool, string(kind), fmt.Errorf("executing %s: %w", a.Binary(), runErr))
		}
		out.ExitCode = exitErr.ExitCode()
		slog.Debug("Scanner exited non-zero", "scanner", kind, "exit_code", out.ExitCode,
			"stderr", tail(stderr.String(), 2048))
	}

	if len(bytes.TrimSpace(out.Raw)) == 0 {
		if out.ExitCode != 0 {
			return out, apperr.E(apperr.ExternalTool, string(kind),
				fmt.Errorf("exit code %d with no output: %s", out.ExitCode, tail(stderr.String(), 512)))
		}
		out.Findings = []models.Finding{}
		return out, nil
	}

	findings, err := a.Parse(out.Raw)
	if err != nil {
		return out, apperr.E(apperr.ExternalTool, string(kind), fmt.Errorf("parsing output (exit code %d): %w", out.ExitCode, err))
	}
	for i := range findings {
		findings[i].Location.File = relativeTo(findings[i].Location.File, target)
	}
	out.Findings = findings

	slog.Info("Scanner completed",
		"scanner", kind,
		"findings", len(findings),
		"exit_code", out.ExitCode,
		"duration", fmt.Sprintf("%.1fs", out.Duration.Seconds()),
	)
	return out, nil
}

// RunAll runs every kind against repoPath, at most parallelism at a time
// (zero or negative runs all concurrently). A failing scanner never affects
// the others. done, if non-nil, is called as each scanner finishes.
func (r *Runner) RunAll(ctx context.Context, kinds []models.ScannerKind, repoPath string, parallelism int, done func(Result)) map[models.ScannerKind]Result {
	if parallelism <= 0 || parallelism > len(kinds) {
		parallelism = len(kinds)
	}
	resultCh := make(chan Result, len(kinds))
	sem := make(chan struct{}, max(parallelism, 1))
	var wg sync.WaitGroup

	for _, k := range kinds {
		wg.Add(1)
		go func(k models.ScannerKind) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			res := r.runIsolated(ctx, k, repoPath)
			if done != nil {
				done(res)
			}
			resultCh <- res
		}(k)
	}

	// Close channel after all goroutines complete.
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	out := make(map[models.ScannerKind]Result, len(kinds))
	for res := range resultCh {
		out[res.Scanner] = res
	}
	return out
}

// runIsolated is Run with a panicking adapter turned into that scanner's
// error.
func (r *Runner) runIsolated(ctx context.Context, kind models.ScannerKind, repoPath string) (res Result) {
	res.Scanner = kind
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Scanner panicked", "scanner", kind, "panic", p)
			res.Output = &Output{Scanner: kind}
			res.Err = apperr.E(apperr.ExternalTool, string(kind), fmt.Errorf("panic: %v", p))
		}
	}()
	res.Output, res.Err = r.Run(ctx, kind, repoPath)
	return res
}

// command builds the exec.Cmd for a, preferring a local binary and falling
// back to docker. It returns the scan target path as the tool will see it.
func (r *Runner) command(ctx context.Context, a Adapter, repoPath string) (*exec.Cmd, string, bool, error) {
	local, localErr := resolveBinary(a.Binary(), r.opts.BinDir)
	if localErr == nil && !r.opts.PreferDocker {
		// nosemgrep: go.lang.security.audit.dangerous-exec-command.dangerous-exec-command
		return exec.CommandContext(ctx, local, a.Args(repoPath)...), repoPath, false, nil
	}

	if r.dockerAvailable(ctx) {
		slog.Info("Using Docker fallback", "scanner", a.Kind(), "image", a.DockerImage())
		return dockerRun(ctx, a.DockerImage(), repoPath, a.Args(containerScanPath)), containerScanPath, true, nil
	}
	if localErr != nil {
		return nil, "", false, fmt.Errorf("%s not available locally or via docker: %w", a.Binary(), localErr)
	}
	return nil, "", false, fmt.Errorf("docker preferred for %s but the daemon is not reachable", a.Binary())
}

func (r *Runner) dockerAvailable(ctx context.Context) bool {
	r.dockerOnce.Do(func() {
		r.docker = isDockerAvailable(ctx)
	})
	return r.docker
}

// relativeTo strips the scan root from tool-reported paths.
func relativeTo(path, root string) string {
	if path == "" || root == "" {
		return path
	}
	if rel, err := filepath.Rel(root, path); err == nil && !strings.HasPrefix(rel, "..") && filepath.IsAbs(path) {
		return filepath.ToSlash(rel)
	}
	return filepath.ToSlash(strings.TrimPrefix(path, "./"))
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
