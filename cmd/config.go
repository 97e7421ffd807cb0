package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/config"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/profiles"
)

var configShowFormat string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and manage ctrlscan configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration (secrets redacted)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		redact(cfg)

		switch configShowFormat {
		case "yaml":
			return encodeYAML(os.Stdout, cfg)
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		default:
			return fmt.Errorf("invalid --format %q (valid: json, yaml)", configShowFormat)
		}
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the path to the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := config.ConfigPath(cfgFile)
		if err != nil {
			return err
		}
		fmt.Println(p)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration to the config path",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := config.ConfigPath(cfgFile)
		if err != nil {
			return err
		}
		if _, err := os.Stat(p); err == nil {
			return fmt.Errorf("%s already exists", p)
		}
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if err := config.Save(cfg, cfgFile); err != nil {
			return err
		}
		fmt.Println("Wrote", p)
		if err := profiles.Init(cfg.AI.ProfilesDir); err != nil {
			return err
		}
		fmt.Println("Fix profiles in", cfg.AI.ProfilesDir)
		return nil
	},
}

var configProfilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List the available fix profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		all, err := profiles.List(cfg.AI.ProfilesDir)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tSOURCE\tMIN SEVERITY\tFOCUS\tDESCRIPTION")
		for _, p := range all {
			source := "user"
			if p.Bundled {
				source = "bundled"
			}
			active := ""
			if p.Name == cfg.AI.Profile {
				active = " (active)"
			}
			fmt.Fprintf(tw, "%s%s\t%s\t%s\t%s\t%s\n", p.Name, active, source,
				orDash(p.MinSeverity), orDash(strings.Join(p.Focus, ",")), p.Description)
		}
		return tw.Flush()
	},
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open the config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := config.ConfigPath(cfgFile)
		if err != nil {
			return err
		}
		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = "nano"
		}
		fmt.Printf("Opening %s with %s...\n", p, editor)
		c := exec.Command(editor, p) // #nosec G204 -- editor is from $EDITOR env var, intentional user-controlled binary
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		return c.Run()
	},
}

func init() {
	configShowCmd.Flags().StringVar(&configShowFormat, "format", "json", "Output format: json|yaml")
	configCmd.AddCommand(configShowCmd, configPathCmd, configInitCmd, configProfilesCmd, configEditCmd)
}

// redact masks every credential in cfg.
func redact(cfg *config.Config) {
	mask := func(s *string, repl string) {
		if *s != "" {
			*s = repl
		}
	}
	mask(&cfg.AI.APIKey, "sk-***")
	for i := range cfg.Git.GitHub {
		mask(&cfg.Git.GitHub[i].Token, "ghp-***")
	}
	for i := range cfg.Git.GitLab {
		mask(&cfg.Git.GitLab[i].Token, "glpat-***")
	}
	mask(&cfg.Webhook.Secret, "***")
	mask(&cfg.Notify.Webhook.Secret, "***")
	mask(&cfg.Notify.Slack.WebhookURL, "https://hooks.slack.com/***")
	mask(&cfg.Artifacts.SecretKey, "***")
}
