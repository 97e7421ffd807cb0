package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/ai"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/config"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/fixgen"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/gateway"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/metrics"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/notify"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/profiles"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/publisher"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/remediation"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/repository"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/webhook"
)

const shutdownGrace = 30 * time.Second

var (
	serveAddr   string
	serveLogDir string
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"gateway"},
	Short:   "Start the HTTP gateway",
	Long: `Starts the long-running gateway: a REST + SSE control plane in front of
the scan pipeline, fix generation and pull request publishing.

Scans are triggered by API calls, hosting-platform webhooks, or the cron
schedules listed under "schedules" in the config file.

Quick API reference:
  GET  /health                             liveness and job health
  POST /scan/start                         start a scan (body: {"repoUrl":"..."})
  GET  /scan/status/{id}                   job status, results and score
  GET  /scan/list                          summaries of all known jobs
  POST /autofix/generate/{scanId}          generate fix candidates
  POST /autofix/create-pr/{scanId}         publish fixes as a pull request
  GET  /autofix/repo-info?repoUrl=...      AI and credential readiness
  POST /webhook/{github|gitlab}            hosting-platform webhooks
  GET  /schedules                          configured cron schedules
  POST /schedules/{name}/trigger           run a schedule now
  GET  /events                             SSE stream of live events
  GET  /metrics                            Prometheus metrics`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "",
		"listen address (default 127.0.0.1:6080, overrides config)")
	serveCmd.Flags().StringVar(&serveLogDir, "log-dir", "logs",
		"directory to write gateway logs for later inspection")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		fmt.Println("\nShutting down gateway gracefully...")
		cancel()
	}()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	logFilePath, closeLog, err := setupGatewayFileLogger(serveLogDir)
	if err != nil {
		return fmt.Errorf("initialising gateway logger: %w", err)
	}
	defer closeLog()

	stack, err := buildScanStack(ctx, cfg)
	if err != nil {
		return err
	}
	tracer := otel.Tracer(tracerName)

	m := metrics.New()
	stack.registry.Subscribe(m.ObserveJobEvent)

	notifier := notify.NewDispatcher(cfg.Notify)
	if notifier.IsAnyConfigured() {
		stack.registry.Subscribe(notifier.ObserveJobEvent)
	}

	provider, err := ai.New(cfg.AI)
	if err != nil {
		return fmt.Errorf("ai provider: %w", err)
	}
	profile, err := profiles.Load(cfg.AI.Profile, cfg.AI.ProfilesDir)
	if err != nil {
		return fmt.Errorf("fix profile: %w", err)
	}
	gen := fixgen.New(provider, fixgen.Options{
		Profile:     profile,
		CallTimeout: cfg.Timeouts.AI,
		RPS:         cfg.AI.RPS,
		Burst:       cfg.AI.Burst,
		Tracer:      tracer,
	})
	pub := publisher.New(stack.workspaces, stack.acquirer, stack.resolver, publisher.Options{
		MinConfidence: cfg.Autofix.MinConfidence,
		BranchPrefix:  cfg.Autofix.BranchPrefix,
		Author:        repository.Author{Name: cfg.Autofix.AuthorName, Email: cfg.Autofix.AuthorEmail},
		Draft:         cfg.Autofix.Draft,
		Timeout:       cfg.Timeouts.Publish,
		Tracer:        tracer,
	})
	rem := remediation.NewService(stack.registry, gen, pub, stack.workspaces, stack.acquirer)
	rem.SetObserver(m)
	rem.SetNotifier(notifier)

	hookScanners, err := parseScannerKinds(cfg.Scan.Scanners)
	if err != nil {
		return fmt.Errorf("scan.scanners: %w", err)
	}
	var autofix webhook.Autofixer
	if gen.Enabled() {
		autofix = rem
	}
	hooks := webhook.New(stack.registry, stack.resolver, autofix, webhook.Options{
		Secret:          cfg.Webhook.Secret,
		AutofixOnPush:   cfg.Webhook.AutofixOnPush,
		FollowUpTimeout: cfg.Timeouts.Job + cfg.Timeouts.Publish,
		Scanners:        hookScanners,
		Observe:         m.ObserveWebhook,
	})

	gw, err := gateway.New(stack.registry, rem, hooks, gateway.Options{
		Addr:            cfg.Server.Addr,
		Metrics:         m.Handler(),
		Resolver:        stack.resolver,
		Schedules:       cfg.Schedules,
		AllowLocalRepos: cfg.Scan.AllowLocalRepos,
	})
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	fmt.Printf("ctrlscan gateway starting\n")
	fmt.Printf("  API        : http://%s\n", cfg.Server.Addr)
	fmt.Printf("  Events     : http://%s/events\n", cfg.Server.Addr)
	fmt.Printf("  Scanners   : %v\n", cfg.Scan.Scanners)
	fmt.Printf("  AI fixes   : %s\n", aiSummary(cfg, provider))
	if profile != nil {
		fmt.Printf("  Profile    : %s\n", profile.Name)
	}
	fmt.Printf("  Schedules  : %d\n", len(cfg.Schedules))
	fmt.Printf("  Logs       : %s\n\n", logFilePath)
	fmt.Println("Press Ctrl+C to stop gracefully.")
	fmt.Println()

	slog.Info("gateway logger initialised", "file", logFilePath)
	serveErr := gw.Start(ctx)

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownGrace)
	defer stop()
	hooks.Close()
	stack.close(shutdownCtx)
	hooks.Wait()
	notifier.Wait()
	slog.Info("gateway stopped")
	return serveErr
}

func aiSummary(cfg *config.Config, p ai.Provider) string {
	if !p.Configured() {
		return "disabled"
	}
	return fmt.Sprintf("%s / %s", p.Name(), cfg.AI.Model)
}

func setupGatewayFileLogger(logDir string) (string, func(), error) {
	if logDir == "" {
		logDir = "logs"
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("creating log dir %s: %w", logDir, err)
	}

	ts := time.Now().UTC().Format("20060102-150405")
	runLogPath := filepath.Join(logDir, fmt.Sprintf("gateway-%s.log", ts))
	runFile, err := os.OpenFile(runLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", nil, fmt.Errorf("opening run log file: %w", err)
	}

	latestPath := filepath.Join(logDir, "gateway.log")
	latestFile, err := os.OpenFile(latestPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		_ = runFile.Close()
		return "", nil, fmt.Errorf("opening latest log file: %w", err)
	}

	slog.SetDefault(slog.New(newLogHandler(io.MultiWriter(os.Stdout, runFile, latestFile))))
	slog.SetLogLoggerLevel(logLevel())

	cleanup := func() {
		_ = latestFile.Close()
		_ = runFile.Close()
	}
	return runLogPath, cleanup, nil
}
