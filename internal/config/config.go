// Package config provides YAML-based configuration loading for Porter.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Porter configuration, loaded from config.yaml.
type Config struct {
	CommandsDir string          `yaml:"commands_dir"`
	Assistant   AssistantConfig `yaml:"assistant"`
	Database    DatabaseConfig  `yaml:"database"`
	Discord     DiscordConfig   `yaml:"discord"`
	Slack       SlackConfig     `yaml:"slack"`
	GitHub      GitHubConfig    `yaml:"github"`
	Ops         OpsConfig       `yaml:"ops"`
	Maintenance MaintConfig     `yaml:"maintenance"`
}

// AssistantConfig parameterizes the coding assistant engine and the
// lock manager that gates it.
type AssistantConfig struct {
	Binary             string `yaml:"binary"`
	SystemPrompt       string `yaml:"system_prompt"`
	MaxConcurrent      int    `yaml:"max_concurrent"`
	LockTimeoutSeconds int    `yaml:"lock_timeout_seconds"`
	RunTimeoutMinutes  int    `yaml:"run_timeout_minutes"`
}

// DatabaseConfig holds connection settings for session persistence.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "mysql" or "sqlite"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	Path     string `yaml:"path"` // sqlite only
}

// DiscordConfig enables the Discord surface when a token is set.
type DiscordConfig struct {
	Token    string   `yaml:"token"`
	Channels []string `yaml:"channels"` // empty means all channels the bot can see
}

// SlackConfig enables the Slack surface when both tokens are set.
type SlackConfig struct {
	AppToken string `yaml:"app_token"`
	BotToken string `yaml:"bot_token"`
}

// GitHubConfig enables the GitHub Issues surface when a token and at
// least one repo are set.
type GitHubConfig struct {
	Token               string   `yaml:"token"`
	Repos               []string `yaml:"repos"` // "owner/name"
	BotLogin            string   `yaml:"bot_login"`
	PollIntervalSeconds int      `yaml:"poll_interval_seconds"`
}

// OpsConfig parameterizes the operational HTTP endpoint.
type OpsConfig struct {
	Port int `yaml:"port"`
}

// MaintConfig parameterizes the periodic maintenance sweep.
type MaintConfig struct {
	Schedule           string `yaml:"schedule"` // cron spec, e.g. "@hourly"
	MaxSessionAgeHours int    `yaml:"max_session_age_hours"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.CommandsDir == "" {
		c.CommandsDir = "commands"
	}
	if c.Assistant.Binary == "" {
		c.Assistant.Binary = "claude"
	}
	if c.Assistant.MaxConcurrent == 0 {
		c.Assistant.MaxConcurrent = 4
	}
	if c.Assistant.LockTimeoutSeconds == 0 {
		c.Assistant.LockTimeoutSeconds = 30
	}
	if c.Assistant.RunTimeoutMinutes == 0 {
		c.Assistant.RunTimeoutMinutes = 15
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.User == "" {
		c.Database.User = "root"
	}
	if c.Database.Database == "" {
		c.Database.Database = "porter"
	}
	if c.GitHub.PollIntervalSeconds == 0 {
		c.GitHub.PollIntervalSeconds = 60
	}
	if c.GitHub.BotLogin == "" {
		c.GitHub.BotLogin = "porter-bot"
	}
	if c.Ops.Port == 0 {
		c.Ops.Port = 8321
	}
	if c.Maintenance.Schedule == "" {
		c.Maintenance.Schedule = "@hourly"
	}
	if c.Maintenance.MaxSessionAgeHours == 0 {
		c.Maintenance.MaxSessionAgeHours = 72
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "mysql":
		// host/port/user have defaults
	case "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Assistant.MaxConcurrent < 1 {
		errs = append(errs, "assistant.max_concurrent must be at least 1")
	}
	if (c.Slack.AppToken == "") != (c.Slack.BotToken == "") {
		errs = append(errs, "slack requires both app_token and bot_token")
	}
	if c.GitHub.Token != "" && len(c.GitHub.Repos) == 0 {
		errs = append(errs, "github.repos is required when github.token is set")
	}
	for i, repo := range c.GitHub.Repos {
		if !strings.Contains(repo, "/") {
			errs = append(errs, fmt.Sprintf("github.repos[%d] %q must be owner/name", i, repo))
		}
	}
	if c.Discord.Token == "" && c.Slack.BotToken == "" && c.GitHub.Token == "" {
		errs = append(errs, "at least one surface (discord, slack, github) must be configured")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// LockTimeout returns the configured lock acquire timeout.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Assistant.LockTimeoutSeconds) * time.Second
}

// RunTimeout returns the configured per-engagement timeout.
func (c *Config) RunTimeout() time.Duration {
	return time.Duration(c.Assistant.RunTimeoutMinutes) * time.Minute
}

// PollInterval returns the GitHub surface polling interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.GitHub.PollIntervalSeconds) * time.Second
}
