package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultConfigDir  = ".ctrlscan"
	DefaultConfigName = "orchestrator"
	DefaultConfigFile = DefaultConfigName + ".json"
	DefaultBinDir     = ".ctrlscan/bin"
	DefaultModel      = "gpt-4o-mini"
	EnvPrefix         = "CTRLSCAN"
)

// Load reads the config file (if present), applies defaults and environment
// overrides, and returns a populated Config. configPath overrides the default
// location; its extension selects the format (json or yaml).
//
// Every key can be set as CTRLSCAN_<SECTION>_<KEY>. The well-known variables
// GITHUB_WEBHOOK_SECRET, OPENAI_API_KEY, AI_MODEL, GITHUB_TOKEN and
// GITLAB_TOKEN are honoured as well.
func Load(configPath string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("cannot determine home directory: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(DefaultConfigName)
		v.SetConfigType("json")
		v.AddConfigPath(filepath.Join(home, DefaultConfigDir))
	}

	setDefaults(v, home)
	bindWellKnownEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isNotExist(err) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyTokenEnv(&cfg)
	expandPaths(&cfg, home)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config to disk as JSON.
func Save(cfg *Config, configPath string) error {
	path, err := ConfigPath(configPath)
	if err != nil {
		return fmt.Errorf("cannot determine config path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("serialising config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// ConfigPath returns the effective config file path.
func ConfigPath(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, DefaultConfigDir, DefaultConfigFile), nil
}

// Validate rejects values that would make the orchestrator misbehave rather
// than degrade.
func (c *Config) Validate() error {
	if c.Autofix.MinConfidence < 0 || c.Autofix.MinConfidence > 1 {
		return fmt.Errorf("autofix.min_confidence must be within [0,1], got %v", c.Autofix.MinConfidence)
	}
	if c.Scan.Parallelism < 0 {
		return fmt.Errorf("scan.parallelism must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"timeouts.job":     c.Timeouts.Job,
		"timeouts.clone":   c.Timeouts.Clone,
		"timeouts.scanner": c.Timeouts.Scanner,
		"timeouts.ai":      c.Timeouts.AI,
		"timeouts.publish": c.Timeouts.Publish,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	seen := make(map[string]bool, len(c.Schedules))
	for i, sc := range c.Schedules {
		if sc.Name == "" || sc.Expr == "" || len(sc.Repos) == 0 {
			return fmt.Errorf("schedules[%d] needs a name, an expr and at least one repo", i)
		}
		if seen[sc.Name] {
			return fmt.Errorf("duplicate schedule name %q", sc.Name)
		}
		seen[sc.Name] = true
	}
	return nil
}

// AIEnabled reports whether a language-model provider is configured.
func (c *Config) AIEnabled() bool {
	switch c.AI.Provider {
	case "":
		return false
	case "openai":
		return c.AI.APIKey != ""
	default:
		return c.AI.BaseURL != ""
	}
}

// setDefaults populates viper with sensible out-of-the-box values.
func setDefaults(v *viper.Viper, home string) {
	v.SetDefault("server.addr", "127.0.0.1:6080")

	v.SetDefault("scan.scanners", []string{"semgrep", "trivy"})
	v.SetDefault("scan.parallelism", 0)
	v.SetDefault("scan.workspace_root", filepath.Join(os.TempDir(), "ctrlscan-workspaces"))
	v.SetDefault("scan.allow_local_repos", false)

	v.SetDefault("tools.bin_dir", filepath.Join(home, DefaultBinDir))
	v.SetDefault("tools.prefer_docker", false)

	v.SetDefault("timeouts.job", 30*time.Minute)
	v.SetDefault("timeouts.clone", 5*time.Minute)
	v.SetDefault("timeouts.scanner", 10*time.Minute)
	v.SetDefault("timeouts.ai", 90*time.Second)
	v.SetDefault("timeouts.publish", 5*time.Minute)

	v.SetDefault("retention.workspace", 5*time.Minute)
	v.SetDefault("retention.jobs", 24*time.Hour)
	v.SetDefault("retention.sweep", "@every 10m")

	v.SetDefault("ai.provider", "")
	v.SetDefault("ai.model", DefaultModel)
	v.SetDefault("ai.base_url", "")
	v.SetDefault("ai.temperature", 0.1)
	v.SetDefault("ai.max_tokens", 2000)
	v.SetDefault("ai.rps", 2.0)
	v.SetDefault("ai.burst", 1)
	v.SetDefault("ai.profile", "")
	v.SetDefault("ai.profiles_dir", filepath.Join(home, DefaultConfigDir, "profiles"))

	v.SetDefault("autofix.min_confidence", 0.7)
	v.SetDefault("autofix.branch_prefix", "ctrlscan/fix")
	v.SetDefault("autofix.author_name", "ctrlscan")
	v.SetDefault("autofix.author_email", "ctrlscan@users.noreply.github.com")
	v.SetDefault("autofix.draft", false)

	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.autofix_on_push", false)

	v.SetDefault("artifacts.bucket", "ctrlscan-artifacts")

	v.SetDefault("advisories.osv", false)
	v.SetDefault("advisories.osv_base_url", "")
}

// bindWellKnownEnv maps conventional variable names onto config keys.
func bindWellKnownEnv(v *viper.Viper) {
	_ = v.BindEnv("webhook.secret", EnvPrefix+"_WEBHOOK_SECRET", "GITHUB_WEBHOOK_SECRET")
	_ = v.BindEnv("ai.api_key", EnvPrefix+"_AI_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("ai.model", EnvPrefix+"_AI_MODEL", "AI_MODEL")
}

// applyTokenEnv adds hosting credentials from the environment when the file
// defines none for that platform.
func applyTokenEnv(cfg *Config) {
	if tok := os.Getenv("GITHUB_TOKEN"); tok != "" && len(cfg.Git.GitHub) == 0 {
		cfg.Git.GitHub = []GitHubConfig{{Token: tok, Host: "github.com"}}
	}
	if tok := os.Getenv("GITLAB_TOKEN"); tok != "" && len(cfg.Git.GitLab) == 0 {
		cfg.Git.GitLab = []GitLabConfig{{Token: tok, Host: "gitlab.com"}}
	}
	if cfg.AI.Provider == "" && cfg.AI.APIKey != "" {
		cfg.AI.Provider = "openai"
	}
}

// expandPaths resolves ~ in configured paths.
func expandPaths(cfg *Config, home string) {
	cfg.Tools.BinDir = expandHome(cfg.Tools.BinDir, home)
	cfg.Scan.WorkspaceRoot = expandHome(cfg.Scan.WorkspaceRoot, home)
	cfg.AI.ProfilesDir = expandHome(cfg.AI.ProfilesDir, home)
}

func expandHome(path, home string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

func isNotExist(err error) bool {
	return os.IsNotExist(err) || strings.Contains(err.Error(), "no such file")
}
