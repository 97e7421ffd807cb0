package cmd

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/ai"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/artifacts"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/config"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/profiles"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/scanner"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Verify scanner tools, credentials and storage",
	Long: `Checks that every scanner can run (locally or via docker), that the AI
provider and hosting tokens are configured, and that the artifact store is
reachable when one is set.`,
	RunE: runDoctor,
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	allOK := true

	fmt.Println("=== ctrlscan doctor ===")
	fmt.Println()

	fmt.Print("AI provider .............. ")
	provider, err := ai.New(cfg.AI)
	switch {
	case err != nil:
		fmt.Printf("FAIL (%s)\n", err)
		allOK = false
	case cfg.AI.Provider == "":
		fmt.Println("disabled (scan-only mode; set ai.provider to enable fix generation)")
	case !provider.Configured():
		fmt.Println("WARN (provider set but not usable; check ai.api_key or ai.base_url)")
		allOK = false
	default:
		fmt.Printf("OK (%s / %s)\n", provider.Name(), cfg.AI.Model)
	}

	fmt.Print("Fix profile .............. ")
	if profile, err := profiles.Load(cfg.AI.Profile, cfg.AI.ProfilesDir); err != nil {
		fmt.Printf("FAIL (%s)\n", err)
		allOK = false
	} else if profile == nil {
		fmt.Println("none (all findings are eligible)")
	} else {
		fmt.Printf("OK (%s)\n", profile.Name)
	}

	fmt.Print("GitHub token ............. ")
	allOK = printTokenStatus(hostsWithToken(cfg.Git.GitHub, func(c config.GitHubConfig) (string, string) { return c.Host, c.Token })) && allOK
	fmt.Print("GitLab token ............. ")
	printTokenStatus(hostsWithToken(cfg.Git.GitLab, func(c config.GitLabConfig) (string, string) { return c.Host, c.Token }))

	fmt.Print("Webhook secret ........... ")
	if cfg.Webhook.Secret == "" {
		fmt.Println("WARN (not set; webhook signatures are not verified)")
	} else {
		fmt.Println("OK")
	}

	fmt.Print("Artifact store ........... ")
	if !artifacts.Enabled(cfg.Artifacts) {
		fmt.Println("disabled")
	} else if _, err := artifacts.New(ctx, cfg.Artifacts); err != nil {
		fmt.Printf("FAIL (%s)\n", err)
		allOK = false
	} else {
		fmt.Printf("OK (%s/%s)\n", cfg.Artifacts.Endpoint, cfg.Artifacts.Bucket)
	}

	fmt.Println()
	fmt.Println("Scanner tools:")
	runner := scanner.NewRunner(scanner.DefaultAdapters(), scanner.RunnerOptions{
		BinDir:       cfg.Tools.BinDir,
		PreferDocker: cfg.Tools.PreferDocker,
	})
	avail := runner.Available(ctx)
	names := make([]string, 0, len(avail))
	for n := range avail {
		names = append(names, n)
	}
	sort.Strings(names)
	wanted := make(map[string]bool, len(cfg.Scan.Scanners))
	for _, s := range cfg.Scan.Scanners {
		wanted[s] = true
	}
	for _, n := range names {
		fmt.Printf("  %-14s ... ", n)
		switch where := avail[n]; {
		case where == "" && wanted[n]:
			fmt.Printf("MISSING (default scanner; install it into %s or start docker)\n", cfg.Tools.BinDir)
			allOK = false
		case where == "":
			fmt.Println("MISSING (optional)")
		default:
			fmt.Printf("OK (%s)\n", where)
		}
	}

	fmt.Print("\nDocker ................... ")
	if _, err := exec.LookPath("docker"); err != nil {
		fmt.Println("NOT FOUND (optional; local binaries preferred)")
	} else {
		out, err := exec.CommandContext(ctx, "docker", "info", "--format", "{{.ServerVersion}}").Output()
		if err != nil {
			fmt.Println("NOT RUNNING (optional)")
		} else {
			fmt.Printf("OK (v%s)\n", strings.TrimSpace(string(out)))
		}
	}

	fmt.Println()
	if allOK {
		fmt.Println("All checks passed. ctrlscan is ready.")
	} else {
		fmt.Println("Some checks failed. Review the warnings above.")
	}
	return nil
}

func hostsWithToken[T any](entries []T, fields func(T) (host, token string)) []string {
	var hosts []string
	for _, e := range entries {
		if host, tok := fields(e); tok != "" {
			hosts = append(hosts, host)
		}
	}
	return hosts
}

func printTokenStatus(hosts []string) bool {
	if len(hosts) == 0 {
		fmt.Println("WARN (not configured; private repos and pull requests unavailable)")
		return false
	}
	fmt.Printf("OK (%s)\n", strings.Join(hosts, ", "))
	return true
}
