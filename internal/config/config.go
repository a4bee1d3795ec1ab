// Package config loads and validates the conductor daemon configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Listen is the address the webhook server binds to.
	Listen string       `yaml:"listen"`
	Github GithubConfig `yaml:"github"`
	AI     AIConfig     `yaml:"ai"`
	Store  StoreConfig  `yaml:"store"`
	Fix    FixConfig    `yaml:"fix"`
	// Context controls which repository files are packed into analysis
	// prompts.
	Context ContextConfig `yaml:"context"`
}

type GithubConfig struct {
	Owner      string `yaml:"owner"`
	Repo       string `yaml:"repo"`
	BaseBranch string `yaml:"base_branch"`
	// APIURL overrides the GitHub API endpoint (mock servers in tests).
	// Env: CONDUCTOR_GITHUB_URL.
	APIURL string    `yaml:"api_url"`
	App    AppConfig `yaml:"app"`
	// WebhookSecret is read from CONDUCTOR_WEBHOOK_SECRET, never from the
	// file.
	WebhookSecret string `yaml:"-"`
	// Maintainer is the login tagged in escalation comments.
	Maintainer string `yaml:"maintainer"`
}

// AppConfig holds GitHub App authentication parameters.
type AppConfig struct {
	ClientID       string `yaml:"client_id"`
	InstallationID int64  `yaml:"installation_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

type AIConfig struct {
	// Command is the AI CLI invocation; the rendered prompt is written to
	// its stdin and a JSON result is read from stdout.
	Command        []string `yaml:"command"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Timeout returns the per-invocation AI deadline.
func (a AIConfig) Timeout() time.Duration {
	if a.TimeoutSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(a.TimeoutSeconds) * time.Second
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type FixConfig struct {
	// MaxAttempts caps automated CI fixes per PR before escalation.
	MaxAttempts int `yaml:"max_attempts"`
}

// Attempts returns the effective fix cap.
func (f FixConfig) Attempts() int {
	if f.MaxAttempts <= 0 {
		return 3
	}
	return f.MaxAttempts
}

type ContextConfig struct {
	Include  []string `yaml:"include"`
	Exclude  []string `yaml:"exclude"`
	MaxFiles int      `yaml:"max_files"`
}

// Load reads and parses a config file at the given path, then applies
// environment overrides and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CONDUCTOR_WEBHOOK_SECRET"); v != "" {
		c.Github.WebhookSecret = v
	}
	if v := os.Getenv("CONDUCTOR_GITHUB_URL"); v != "" {
		c.Github.APIURL = v
	}
	if v := os.Getenv("CONDUCTOR_INSTALLATION_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Github.App.InstallationID = id
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:7841"
	}
	if c.Github.BaseBranch == "" {
		c.Github.BaseBranch = "main"
	}
}

func (c *Config) validate() error {
	if c.Github.Owner == "" {
		return fmt.Errorf("missing required field: github.owner")
	}
	if c.Github.Repo == "" {
		return fmt.Errorf("missing required field: github.repo")
	}
	if c.Github.WebhookSecret == "" {
		return fmt.Errorf("CONDUCTOR_WEBHOOK_SECRET not set")
	}
	if err := c.Github.App.validate(); err != nil {
		return err
	}
	if len(c.AI.Command) == 0 {
		return fmt.Errorf("missing required field: ai.command")
	}
	return nil
}

// validate checks that if any app field is set, all three are set.
func (a AppConfig) validate() error {
	set := 0
	var missing []string
	if a.ClientID != "" {
		set++
	} else {
		missing = append(missing, "github.app.client_id")
	}
	if a.InstallationID != 0 {
		set++
	} else {
		missing = append(missing, "github.app.installation_id")
	}
	if a.PrivateKeyPath != "" {
		set++
	} else {
		missing = append(missing, "github.app.private_key_path")
	}

	if set == 0 {
		return fmt.Errorf("missing GitHub App config: %v", missing)
	}
	if set < 3 {
		return fmt.Errorf("incomplete GitHub App config, missing: %v", missing)
	}
	return nil
}
