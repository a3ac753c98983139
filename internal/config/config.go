// Package config provides configuration management for autopatch.
//
// Settings are resolved in three layers: built-in defaults, an optional TOML
// file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration is a time.Duration that reads from TOML strings such as "10m".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// OwnerCredentials overrides the global credentials for one owner.
type OwnerCredentials struct {
	GitHubToken     string `toml:"github_token"`
	AnthropicAPIKey string `toml:"anthropic_api_key"`
	OpenAIAPIKey    string `toml:"openai_api_key"`
}

// Config holds all configuration for the autopatch server.
type Config struct {
	// ServerAddr is the address the HTTP server listens on (e.g., ":7080").
	ServerAddr string `toml:"server_addr"`

	// PublicURL is the externally reachable base URL, used when registering webhooks.
	PublicURL string `toml:"public_url"`

	// DataDir is the directory for persistent data (SQLite DB, etc.).
	DataDir string `toml:"data_dir"`

	// DatabasePath is the full path to the SQLite database file.
	DatabasePath string `toml:"database_path"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	// GitHubToken is the default source-control token.
	GitHubToken string `toml:"github_token"`

	// Provider API keys handed to the agent inside the sandbox.
	AnthropicAPIKey string `toml:"anthropic_api_key"`
	OpenAIAPIKey    string `toml:"openai_api_key"`

	// Credentials holds per-owner overrides keyed by owner ID.
	Credentials map[string]OwnerCredentials `toml:"credentials"`

	// DefaultProvider selects the agent when a task does not name one.
	DefaultProvider string `toml:"default_provider"`
	// Agent is the coding agent CLI: "claude-code", "codex", "opencode" or "auto".
	Agent string `toml:"agent"`
	// LLMModel is used for branch name, title and commit message generation.
	LLMModel string `toml:"llm_model"`

	DockerImage   string `toml:"docker_image"`
	DockerNetwork string `toml:"docker_network"`

	SandboxCPUs     int      `toml:"sandbox_cpus"`
	SandboxMemoryMB int      `toml:"sandbox_memory_mb"`
	SandboxTTL      Duration `toml:"sandbox_ttl"`

	// TaskTimeout is the wall-clock budget for one task run.
	TaskTimeout Duration `toml:"task_timeout"`
	// TimeoutWarning is how long before the deadline a warning is logged.
	TimeoutWarning Duration `toml:"timeout_warning"`
	// BranchNameWait bounds how long a run waits for a generated branch name.
	BranchNameWait Duration `toml:"branch_name_wait"`
	BranchPrefix   string   `toml:"branch_prefix"`

	// SweepSchedule is the cron spec for reaping expired sandboxes.
	SweepSchedule string `toml:"sweep_schedule"`

	// WebhookSecret verifies hosting-platform deployment webhooks.
	WebhookSecret string `toml:"webhook_secret"`
	// GitHubWebhookSecret verifies GitHub pull_request webhooks.
	GitHubWebhookSecret string `toml:"github_webhook_secret"`

	// Hosting platform API access.
	HostingToken   string `toml:"hosting_token"`
	HostingTeamID  string `toml:"hosting_team_id"`
	HostingBaseURL string `toml:"hosting_base_url"`

	// Notifications (optional).
	SlackBotToken    string `toml:"slack_bot_token"`
	SlackChannel     string `toml:"slack_channel"`
	TelegramBotToken string `toml:"telegram_bot_token"`
	TelegramChatID   int64  `toml:"telegram_chat_id"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	dataDir := defaultDataDir()
	return &Config{
		ServerAddr:      ":7080",
		DataDir:         dataDir,
		LogLevel:        "info",
		LogFormat:       "text",
		DefaultProvider: "anthropic",
		Agent:           "auto",
		LLMModel:        "claude-sonnet-4-20250514",
		DockerImage:     "autopatch-sandbox",
		DockerNetwork:   "autopatch-net",
		SandboxCPUs:     2,
		SandboxMemoryMB: 4096,
		SandboxTTL:      Duration{time.Hour},
		TaskTimeout:     Duration{30 * time.Minute},
		TimeoutWarning:  Duration{time.Minute},
		BranchNameWait:  Duration{10 * time.Second},
		BranchPrefix:    "autopatch/",
		SweepSchedule:   "@every 5m",
		HostingBaseURL:  "https://api.vercel.com",
	}
}

// Load reads the optional TOML file at path, applies environment overrides and
// ensures the data directory exists. An empty or missing path uses defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(ExpandPath(path))
		switch {
		case err == nil:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	cfg.DataDir = ExpandPath(cfg.DataDir)
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.DataDir, "autopatch.db")
	}
	cfg.DatabasePath = ExpandPath(cfg.DatabasePath)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.ServerAddr = envOr("AUTOPATCH_ADDR", c.ServerAddr)
	c.PublicURL = envOr("AUTOPATCH_PUBLIC_URL", c.PublicURL)
	c.DataDir = envOr("AUTOPATCH_DATA_DIR", c.DataDir)
	c.DatabasePath = envOr("AUTOPATCH_DATABASE", c.DatabasePath)
	c.LogLevel = envOr("AUTOPATCH_LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("AUTOPATCH_LOG_FORMAT", c.LogFormat)
	c.GitHubToken = envOr("GITHUB_TOKEN", c.GitHubToken)
	c.AnthropicAPIKey = envOr("ANTHROPIC_API_KEY", c.AnthropicAPIKey)
	c.OpenAIAPIKey = envOr("OPENAI_API_KEY", c.OpenAIAPIKey)
	c.DefaultProvider = envOr("AUTOPATCH_PROVIDER", c.DefaultProvider)
	c.Agent = envOr("AUTOPATCH_AGENT", c.Agent)
	c.LLMModel = envOr("AUTOPATCH_LLM_MODEL", c.LLMModel)
	c.DockerImage = envOr("AUTOPATCH_DOCKER_IMAGE", c.DockerImage)
	c.DockerNetwork = envOr("AUTOPATCH_DOCKER_NETWORK", c.DockerNetwork)
	c.SandboxCPUs = envOrInt("AUTOPATCH_SANDBOX_CPUS", c.SandboxCPUs)
	c.SandboxMemoryMB = envOrInt("AUTOPATCH_SANDBOX_MEMORY_MB", c.SandboxMemoryMB)
	c.SandboxTTL.Duration = envOrDuration("AUTOPATCH_SANDBOX_TTL", c.SandboxTTL.Duration)
	c.TaskTimeout.Duration = envOrDuration("AUTOPATCH_TASK_TIMEOUT", c.TaskTimeout.Duration)
	c.BranchPrefix = envOr("AUTOPATCH_BRANCH_PREFIX", c.BranchPrefix)
	c.SweepSchedule = envOr("AUTOPATCH_SWEEP_SCHEDULE", c.SweepSchedule)
	c.WebhookSecret = envOr("AUTOPATCH_WEBHOOK_SECRET", c.WebhookSecret)
	c.GitHubWebhookSecret = envOr("GITHUB_WEBHOOK_SECRET", c.GitHubWebhookSecret)
	c.HostingToken = envOr("VERCEL_TOKEN", c.HostingToken)
	c.HostingTeamID = envOr("VERCEL_TEAM_ID", c.HostingTeamID)
	c.HostingBaseURL = envOr("AUTOPATCH_HOSTING_URL", c.HostingBaseURL)
	c.SlackBotToken = envOr("SLACK_BOT_TOKEN", c.SlackBotToken)
	c.SlackChannel = envOr("SLACK_CHANNEL", c.SlackChannel)
	c.TelegramBotToken = envOr("TELEGRAM_BOT_TOKEN", c.TelegramBotToken)
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.TelegramChatID = id
		}
	}
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.GitHubToken == "" && len(c.Credentials) == 0 {
		return fmt.Errorf("GITHUB_TOKEN is required")
	}
	if c.AnthropicAPIKey == "" && c.OpenAIAPIKey == "" && len(c.Credentials) == 0 {
		return fmt.Errorf("at least one of ANTHROPIC_API_KEY or OPENAI_API_KEY is required")
	}
	if c.TaskTimeout.Duration <= 0 {
		return fmt.Errorf("task_timeout must be positive")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat)
	}
	return nil
}

// SlackEnabled returns true if Slack notifications are configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackChannel != ""
}

// TelegramEnabled returns true if Telegram notifications are configured.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramBotToken != "" && c.TelegramChatID != 0
}

// HostingEnabled returns true if the hosting platform API is configured.
func (c *Config) HostingEnabled() bool {
	return c.HostingToken != ""
}

// ExpandPath expands ~ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "autopatch", "config.toml")
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".autopatch"
	}
	return filepath.Join(home, ".autopatch")
}
