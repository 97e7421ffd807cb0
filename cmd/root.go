package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	cfgFile   string
	verbose   bool
	logFormat string
)

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "ctrlscan",
	Short: "Security scan orchestrator with AI-generated fix pull requests",
	Long: `ctrlscan clones repositories, runs security scanners against them,
scores the results and, when an AI provider is configured, turns findings
into fix pull requests.

Get started:
  ctrlscan doctor     Verify scanner tools and credentials
  ctrlscan scan       Scan a repository once and print the results
  ctrlscan serve      Start the HTTP gateway (REST, webhooks, SSE)
  ctrlscan config     Inspect the effective configuration`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute is the entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initLogging)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ~/.ctrlscan/orchestrator.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable verbose/debug output")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text",
		"log output format: text|json")

	rootCmd.Version = Version
	rootCmd.AddCommand(
		serveCmd,
		scanCmd,
		configCmd,
		doctorCmd,
		versionCmd,
	)
}

func initLogging() {
	slog.SetDefault(slog.New(newLogHandler(os.Stderr)))
	if verbose {
		slog.Debug("Verbose logging enabled")
	}
}

func logLevel() slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func newLogHandler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: logLevel(), AddSource: verbose}
	if logFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
