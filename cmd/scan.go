package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/config"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/jobs"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

var (
	scanRepoURL   string
	scanScanners  []string
	scanOutputFmt string
	scanFailOn    string
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan a repository once and print the results",
	Long: `Clones a repository, runs the selected scanners against it and prints
the findings with the overall security score. Nothing is kept afterwards.

Examples:
  ctrlscan scan --repo https://github.com/example/myapp
  ctrlscan scan --repo https://github.com/example/myapp --scanners trivy,trufflehog
  ctrlscan scan --repo https://github.com/example/myapp --output json --fail-on high`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().StringVar(&scanRepoURL, "repo", "", "Repository URL to scan (required)")
	scanCmd.Flags().StringSliceVar(&scanScanners, "scanners", nil, "Comma-separated list of scanners to run (overrides config)")
	scanCmd.Flags().StringVar(&scanOutputFmt, "output", "table", "Output format: table|json|yaml")
	scanCmd.Flags().StringVar(&scanFailOn, "fail-on", "", "Exit non-zero when a finding at or above this severity is found")
	_ = scanCmd.MarkFlagRequired("repo")
}

func runScan(cmd *cobra.Command, args []string) error {
	switch scanOutputFmt {
	case "table", "json", "yaml":
	default:
		return fmt.Errorf("invalid --output %q (valid: table, json, yaml)", scanOutputFmt)
	}
	scanners, err := parseScannerKinds(scanScanners)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	// Nothing outlives the command, so there is no point keeping clones.
	cfg.Retention.Workspace = 0
	cfg.Retention.Sweep = ""

	stack, err := buildScanStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		stack.close(closeCtx)
	}()

	h, err := stack.registry.Submit(ctx, jobs.SubmitRequest{
		RepoURL:  scanRepoURL,
		Scanners: scanners,
		Trigger:  "cli",
	})
	if err != nil {
		return err
	}
	slog.Info("Starting scan", "repo", scanRepoURL, "scan_id", h.ID())

	job, err := h.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for scan: %w", err)
	}
	if err := printScanResult(os.Stdout, job, scanOutputFmt); err != nil {
		return err
	}
	if job.Status == models.JobFailed {
		return fmt.Errorf("scan failed: %s", job.Error)
	}
	if scanFailOn != "" {
		threshold := models.MapSeverity(scanFailOn)
		for _, f := range job.Findings() {
			if f.Severity.AtLeast(threshold) {
				return fmt.Errorf("found %s+ findings", threshold)
			}
		}
	}
	return nil
}

func printScanResult(w io.Writer, job models.ScanJob, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	case "yaml":
		return encodeYAML(w, job)
	}

	fmt.Fprintf(w, "=== Scan %s ===\n", job.ID)
	fmt.Fprintf(w, "Repository: %s\n", job.RepoURL)
	if job.Commit != "" {
		fmt.Fprintf(w, "Commit:     %s (%s)\n", shortCommit(job.Commit), job.Branch)
	}
	fmt.Fprintf(w, "Status:     %s\n", job.Status)
	if job.Error != "" {
		fmt.Fprintf(w, "Error:      %s\n", job.Error)
	}
	fmt.Fprintln(w)

	kinds := make([]string, 0, len(job.Results))
	for k := range job.Results {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		r := job.Results[models.ScannerKind(k)]
		line := fmt.Sprintf("[%s] %s: %d findings (%.1fs)", r.Status, k, len(r.Findings), float64(r.DurationMs)/1000)
		if r.Error != "" {
			line += " " + r.Error
		}
		fmt.Fprintln(w, line)
	}

	findings := job.Findings()
	if len(findings) > 0 {
		sort.SliceStable(findings, func(i, j int) bool {
			return findings[i].Severity.Rank() > findings[j].Severity.Rank()
		})
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "SEVERITY\tSCANNER\tRULE\tLOCATION")
		for _, f := range findings {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", f.Severity, f.Scanner, f.RuleID, findingLocation(f))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if job.Score != nil {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Score: %d/100 (grade %s), %d issue(s)\n", job.Score.Score, job.Score.Grade, job.Score.TotalIssues)
	}
	return nil
}

// encodeYAML writes v as YAML keyed by its JSON field names.
func encodeYAML(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

func findingLocation(f models.Finding) string {
	if f.IsDependency() {
		return f.Package + "@" + f.InstalledVersion
	}
	loc := f.Location.File
	if f.Location.Line > 0 {
		loc += fmt.Sprintf(":%d", f.Location.Line)
	}
	return strings.TrimSpace(loc)
}

func shortCommit(c string) string {
	if len(c) > 8 {
		return c[:8]
	}
	return c
}
