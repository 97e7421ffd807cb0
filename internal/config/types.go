package config

import "time"

// Config is the root configuration structure for the orchestrator.
// Read from ~/.ctrlscan/orchestrator.json unless overridden.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"     json:"server"`
	Scan       ScanConfig       `mapstructure:"scan"       json:"scan"`
	Tools      ToolsConfig      `mapstructure:"tools"      json:"tools"`
	Timeouts   TimeoutsConfig   `mapstructure:"timeouts"   json:"timeouts"`
	Retention  RetentionConfig  `mapstructure:"retention"  json:"retention"`
	Scoring    ScoringConfig    `mapstructure:"scoring"    json:"scoring"`
	AI         AIConfig         `mapstructure:"ai"         json:"ai"`
	Autofix    AutofixConfig    `mapstructure:"autofix"    json:"autofix"`
	Git        GitConfig        `mapstructure:"git"        json:"git"`
	Webhook    WebhookConfig    `mapstructure:"webhook"    json:"webhook"`
	Notify     NotifyConfig     `mapstructure:"notify"     json:"notify"`
	Artifacts  ArtifactsConfig  `mapstructure:"artifacts"  json:"artifacts"`
	Advisories AdvisoriesConfig `mapstructure:"advisories" json:"advisories"`
	Schedules  []ScheduleConfig `mapstructure:"schedules"  json:"schedules"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr string `mapstructure:"addr" json:"addr"`
}

// ScanConfig controls job execution.
type ScanConfig struct {
	// Scanners is the default set used when a request names none.
	Scanners []string `mapstructure:"scanners" json:"scanners"`
	// Parallelism bounds concurrent scanners per job; 0 runs all at once.
	Parallelism int `mapstructure:"parallelism" json:"parallelism"`
	// WorkspaceRoot is where per-job clone directories are created.
	WorkspaceRoot string `mapstructure:"workspace_root" json:"workspace_root"`
	// AllowLocalRepos lets API callers scan absolute paths and file:// URLs
	// on the gateway host. The CLI always may.
	AllowLocalRepos bool `mapstructure:"allow_local_repos" json:"allow_local_repos"`
}

// ToolsConfig controls where scanner binaries live.
type ToolsConfig struct {
	// BinDir is checked before PATH.
	BinDir string `mapstructure:"bin_dir" json:"bin_dir"`
	// PreferDocker forces docker execution even when local binaries are present.
	PreferDocker bool `mapstructure:"prefer_docker" json:"prefer_docker"`
}

// TimeoutsConfig bounds every blocking stage.
type TimeoutsConfig struct {
	Job     time.Duration `mapstructure:"job"     json:"job"`
	Clone   time.Duration `mapstructure:"clone"   json:"clone"`
	Scanner time.Duration `mapstructure:"scanner" json:"scanner"`
	AI      time.Duration `mapstructure:"ai"      json:"ai"`
	Publish time.Duration `mapstructure:"publish" json:"publish"`
}

// RetentionConfig controls how long finished work is kept around.
type RetentionConfig struct {
	// Workspace is the grace delay before a finished job's clone is removed.
	Workspace time.Duration `mapstructure:"workspace" json:"workspace"`
	// Jobs is how long terminal jobs stay in the registry.
	Jobs time.Duration `mapstructure:"jobs" json:"jobs"`
	// Sweep is the cron spec of the eviction sweep.
	Sweep string `mapstructure:"sweep" json:"sweep"`
}

// ScoringConfig overrides the default weight table. Weights sets a flat
// per-class weight; SeverityWeights overrides single (class, severity) cells.
type ScoringConfig struct {
	Weights         map[string]float64            `mapstructure:"weights"          json:"weights"`
	SeverityWeights map[string]map[string]float64 `mapstructure:"severity_weights" json:"severity_weights"`
}

// AIConfig controls the language-model service used for fix generation.
type AIConfig struct {
	// Provider is "openai", "ollama", "lmstudio" or empty to disable.
	Provider string `mapstructure:"provider" json:"provider"`
	APIKey   string `mapstructure:"api_key"  json:"api_key"`
	Model    string `mapstructure:"model"    json:"model"`
	// BaseURL overrides the API endpoint (proxies, Azure, local servers).
	BaseURL     string  `mapstructure:"base_url"    json:"base_url"`
	Temperature float32 `mapstructure:"temperature" json:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"  json:"max_tokens"`
	// RPS limits model calls per second across all jobs.
	RPS   float64 `mapstructure:"rps"   json:"rps"`
	Burst int     `mapstructure:"burst" json:"burst"`
	// Profile names the fix profile that filters findings and extends the
	// prompt. Looked up in ProfilesDir first, then among the bundled ones.
	Profile     string `mapstructure:"profile"      json:"profile"`
	ProfilesDir string `mapstructure:"profiles_dir" json:"profiles_dir"`
}

// AutofixConfig controls fix publication.
type AutofixConfig struct {
	// MinConfidence is the threshold a fix must meet to be published.
	MinConfidence float64 `mapstructure:"min_confidence" json:"min_confidence"`
	BranchPrefix  string  `mapstructure:"branch_prefix"  json:"branch_prefix"`
	AuthorName    string  `mapstructure:"author_name"    json:"author_name"`
	AuthorEmail   string  `mapstructure:"author_email"   json:"author_email"`
	Draft         bool    `mapstructure:"draft"          json:"draft"`
}

// GitConfig holds credentials for each supported git hosting platform.
type GitConfig struct {
	GitHub []GitHubConfig `mapstructure:"github" json:"github"`
	GitLab []GitLabConfig `mapstructure:"gitlab" json:"gitlab"`
}

// GitHubConfig holds credentials for a single GitHub instance.
type GitHubConfig struct {
	Token string `mapstructure:"token" json:"token"`
	// Host allows enterprise GitHub (e.g. github.mycompany.com).
	Host string `mapstructure:"host" json:"host"`
}

// GitLabConfig holds credentials for a single GitLab instance.
type GitLabConfig struct {
	Token string `mapstructure:"token" json:"token"`
	Host  string `mapstructure:"host"  json:"host"`
}

// WebhookConfig controls inbound hosting-platform webhooks.
type WebhookConfig struct {
	// Secret is shared with the hosting platform. Empty disables verification.
	Secret string `mapstructure:"secret" json:"secret"`
	// AutofixOnPush opens a fix PR after a push-triggered scan finds issues.
	AutofixOnPush bool `mapstructure:"autofix_on_push" json:"autofix_on_push"`
}

// NotifyConfig controls outbound job notifications.
type NotifyConfig struct {
	// MinSeverity drops finding events below this level; empty sends all.
	MinSeverity string              `mapstructure:"min_severity" json:"min_severity"`
	Events      []string            `mapstructure:"events"       json:"events"`
	Slack       SlackNotifyConfig   `mapstructure:"slack"        json:"slack"`
	Webhook     WebhookNotifyConfig `mapstructure:"webhook"      json:"webhook"`
}

// SlackNotifyConfig configures a Slack incoming webhook.
type SlackNotifyConfig struct {
	WebhookURL string `mapstructure:"webhook_url" json:"webhook_url"`
}

// WebhookNotifyConfig configures a generic signed HTTP callback.
type WebhookNotifyConfig struct {
	URL    string `mapstructure:"url"    json:"url"`
	Secret string `mapstructure:"secret" json:"secret"`
}

// ArtifactsConfig configures the optional S3-compatible store for raw
// scanner output. Disabled when Endpoint is empty.
type ArtifactsConfig struct {
	Endpoint  string `mapstructure:"endpoint"   json:"endpoint"`
	Region    string `mapstructure:"region"     json:"region"`
	Bucket    string `mapstructure:"bucket"     json:"bucket"`
	AccessKey string `mapstructure:"access_key" json:"access_key"`
	SecretKey string `mapstructure:"secret_key" json:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"    json:"use_ssl"`
}

// AdvisoriesConfig controls advisory lookups for dependency findings the
// scanner reported without a fixed version.
type AdvisoriesConfig struct {
	OSV bool `mapstructure:"osv" json:"osv"`
	// OSVBaseURL overrides the OSV API endpoint (mirrors, tests).
	OSVBaseURL string `mapstructure:"osv_base_url" json:"osv_base_url"`
}

// ScheduleConfig periodically scans a fixed set of repositories.
type ScheduleConfig struct {
	Name string `mapstructure:"name" json:"name"`
	// Expr is a cron expression ("0 2 * * *"), "@every 6h", "@hourly" or "@daily".
	Expr     string   `mapstructure:"expr"     json:"expr"`
	Repos    []string `mapstructure:"repos"    json:"repos"`
	Scanners []string `mapstructure:"scanners" json:"scanners"`
}
