package watcher

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/thane-ai-agent/internal/config"
)

// Config holds the complete configuration for the watcher dispatcher.
// LoadConfig reads it from the root of the YAML document: base_path,
// listen, providers and the other keys are top-level keys, with no
// enclosing "watcher" key.
type Config struct {
	BasePath     string          `yaml:"base_path"`
	Listen       ListenConfig    `yaml:"listen"`
	LogLevel     string          `yaml:"log_level"`
	BotUsernames []string        `yaml:"bot_username"`
	Command      CommandYAML     `yaml:"command"`
	Providers    ProvidersConfig `yaml:"providers"`
}

// ListenConfig configures the webhook server's bind address.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// CommandYAML is the YAML-facing shape of CommandConfig; prompt
// templates are given as files on disk rather than inline text.
type CommandYAML struct {
	Enabled            bool              `yaml:"enabled"`
	Command            string            `yaml:"command"`
	PromptTemplateFile string            `yaml:"prompt_template_file"`
	Prompts            map[string]string `yaml:"prompts"`
	UseStdin           bool              `yaml:"use_stdin"`
	FollowUp           bool              `yaml:"follow_up"`
	DryRun             bool              `yaml:"dry_run"`
}

// ProvidersConfig holds the per-provider configuration blocks. A
// provider with Enabled == false is never registered with the
// Dispatcher.
type ProvidersConfig struct {
	GitHub GitHubYAML `yaml:"github"`
	GitLab GitLabYAML `yaml:"gitlab"`
	Linear LinearYAML `yaml:"linear"`
	Slack  SlackYAML  `yaml:"slack"`
}

// GitHubYAML is the YAML-facing shape of GitHubConfig.
type GitHubYAML struct {
	Enabled              bool     `yaml:"enabled"`
	Auth                 AuthYAML `yaml:"auth"`
	WebhookSecret        Secret   `yaml:"webhook_secret"`
	BaseURL              string   `yaml:"base_url"`
	Repositories         []string `yaml:"repositories"`
	PollingInterval      string   `yaml:"polling_interval"`
	InitialLookbackHours int      `yaml:"initial_lookback_hours"`
}

// AuthYAML aliases Secret for the "auth.token" key so the YAML shape in
// SPEC_FULL.md (`auth: {token: {...}}`) round-trips without a custom
// unmarshaler.
type AuthYAML struct {
	Token Secret `yaml:"token"`
}

// GitLabYAML is the YAML-facing shape of GitLabConfig.
type GitLabYAML struct {
	Enabled              bool     `yaml:"enabled"`
	Auth                 AuthYAML `yaml:"auth"`
	WebhookSecret        Secret   `yaml:"webhook_secret"`
	BaseURL              string   `yaml:"base_url"`
	Projects             []string `yaml:"projects"`
	PollingInterval      string   `yaml:"polling_interval"`
	InitialLookbackHours int      `yaml:"initial_lookback_hours"`
}

// LinearYAML is the YAML-facing shape of LinearConfig.
type LinearYAML struct {
	Enabled              bool     `yaml:"enabled"`
	Auth                 AuthYAML `yaml:"auth"`
	WebhookSecret        Secret   `yaml:"webhook_secret"`
	TeamKeys             []string `yaml:"team_keys"`
	PollingInterval      string   `yaml:"polling_interval"`
	InitialLookbackHours int      `yaml:"initial_lookback_hours"`
}

// SlackYAML is the YAML-facing shape of SlackConfig. Slack has no
// polling surface (see SlackConfig's doc comment), so there is no
// polling_interval field here.
type SlackYAML struct {
	Enabled       bool     `yaml:"enabled"`
	Auth          AuthYAML `yaml:"auth"`
	SigningSecret Secret   `yaml:"signing_secret"`
}

// LoadConfig reads and parses a watcher config document from path,
// expanding ${VAR}-style environment references before unmarshalling,
// applying defaults, and validating the result — the teacher's
// config.Load idiom.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// ApplyDefaults fills zero-value fields with sensible defaults. Called
// automatically by LoadConfig.
func (c *Config) ApplyDefaults() {
	if c.BasePath == "" {
		c.BasePath = "/hooks"
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = 8085
	}
	if c.Providers.GitHub.BaseURL == "" {
		c.Providers.GitHub.BaseURL = "https://api.github.com"
	}
	if c.Providers.GitLab.BaseURL == "" {
		c.Providers.GitLab.BaseURL = "https://gitlab.com"
	}
	for _, p := range []struct {
		interval *string
		lookback *int
	}{
		{&c.Providers.GitHub.PollingInterval, &c.Providers.GitHub.InitialLookbackHours},
		{&c.Providers.GitLab.PollingInterval, &c.Providers.GitLab.InitialLookbackHours},
		{&c.Providers.Linear.PollingInterval, &c.Providers.Linear.InitialLookbackHours},
	} {
		if *p.interval == "" {
			*p.interval = "5m"
		}
		if *p.lookback == 0 {
			*p.lookback = 1
		}
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after ApplyDefaults, so it can assume defaults are populated.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("watcher.listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.BasePath == "" || c.BasePath[0] != '/' {
		return fmt.Errorf("watcher.base_path must start with \"/\"")
	}
	if c.LogLevel != "" {
		if _, err := config.ParseLogLevel(c.LogLevel); err != nil {
			return fmt.Errorf("watcher.log_level: %w", err)
		}
	}

	if c.Providers.GitHub.Enabled {
		if _, err := time.ParseDuration(c.Providers.GitHub.PollingInterval); err != nil {
			return fmt.Errorf("watcher.providers.github.polling_interval: %w", err)
		}
		if len(c.Providers.GitHub.Repositories) == 0 {
			return fmt.Errorf("watcher.providers.github.repositories must not be empty when enabled")
		}
	}
	if c.Providers.GitLab.Enabled {
		if _, err := time.ParseDuration(c.Providers.GitLab.PollingInterval); err != nil {
			return fmt.Errorf("watcher.providers.gitlab.polling_interval: %w", err)
		}
		if len(c.Providers.GitLab.Projects) == 0 {
			return fmt.Errorf("watcher.providers.gitlab.projects must not be empty when enabled")
		}
	}
	if c.Providers.Linear.Enabled {
		if _, err := time.ParseDuration(c.Providers.Linear.PollingInterval); err != nil {
			return fmt.Errorf("watcher.providers.linear.polling_interval: %w", err)
		}
		if len(c.Providers.Linear.TeamKeys) == 0 {
			return fmt.Errorf("watcher.providers.linear.team_keys must not be empty when enabled")
		}
	}

	if c.Command.Enabled && c.Command.Command == "" {
		return fmt.Errorf("watcher.command.command is required when command.enabled is true")
	}

	return nil
}

// PollingInterval parses s as a duration, returning 0 (no polling) on
// an empty string.
func PollingInterval(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// CommandConfig builds the runtime CommandConfig from the YAML shape,
// loading prompt template files from disk.
func (c CommandYAML) CommandConfig() (CommandConfig, error) {
	cfg := CommandConfig{
		Enabled:         c.Enabled,
		Command:         c.Command,
		PromptTemplates: make(map[string]string, len(c.Prompts)),
		UseStdin:        c.UseStdin,
		FollowUp:        c.FollowUp,
		DryRun:          c.DryRun,
	}

	if c.PromptTemplateFile != "" {
		data, err := os.ReadFile(c.PromptTemplateFile)
		if err != nil {
			return CommandConfig{}, fmt.Errorf("read prompt_template_file: %w", err)
		}
		cfg.DefaultPromptTemplate = string(data)
	}

	for provider, path := range c.Prompts {
		data, err := os.ReadFile(path)
		if err != nil {
			return CommandConfig{}, fmt.Errorf("read prompts[%s]: %w", provider, err)
		}
		cfg.PromptTemplates[provider] = string(data)
	}

	return cfg, nil
}
