package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all deskmate configuration.
type Config struct {
	Name string `yaml:"name"`

	Slack   SlackConfig   `yaml:"slack"`
	LLM     LLMConfig     `yaml:"llm"`
	Storage StorageConfig `yaml:"storage"`
	Stream  StreamConfig  `yaml:"stream"`
	Convo   ConvoConfig   `yaml:"conversation"`
	Jira    JiraConfig    `yaml:"jira"`
	Health  HealthConfig  `yaml:"health"`

	Features FeatureFlags `yaml:"features"`
}

// SlackConfig configures the Socket Mode connection.
type SlackConfig struct {
	BotToken string `yaml:"bot_token"` // xoxb-...
	AppToken string `yaml:"app_token"` // xapp-... (Socket Mode)
	Debug    bool   `yaml:"debug"`
}

// LLMConfig configures the generation backend.
type LLMConfig struct {
	Provider string `yaml:"provider"` // gemini, grok
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// StorageConfig configures the Pebble store.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// StreamConfig tunes the response streamer.
type StreamConfig struct {
	FlushInterval string `yaml:"flush_interval"` // minimum wall-clock gap between renders
	MaxLen        int    `yaml:"max_len"`        // rendered message length cap
	Watchdog      string `yaml:"watchdog"`       // maximum duration for one generation stream
}

// ConvoConfig tunes conversation history.
type ConvoConfig struct {
	HistoryCap   int    `yaml:"history_cap"`
	MaxUserChars int    `yaml:"max_user_chars"`
	AnchorTTL    string `yaml:"anchor_ttl"`
	ViewedTTL    string `yaml:"viewed_ttl"`
}

// JiraConfig is the process-level fallback when no per-team config is
// stored. Per-team configs in the store take precedence.
type JiraConfig struct {
	BaseURL    string `yaml:"base_url"`
	Email      string `yaml:"email"`
	APIToken   string `yaml:"api_token"`
	ProjectKey string `yaml:"project_key"`
}

// HealthConfig configures the health/metrics HTTP listener.
type HealthConfig struct {
	Addr string `yaml:"addr"`
}

// FeatureFlags toggles optional behavior.
type FeatureFlags struct {
	ChannelContext bool   `yaml:"channel_context"`
	RecentMessages bool   `yaml:"recent_messages"`
	TriggerSeeds   string `yaml:"trigger_seeds"` // path to YAML trigger seed file
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name: "deskmate",
		LLM: LLMConfig{
			Provider: "gemini",
			Model:    "gemini-2.0-flash",
			Timeout:  "120s",
		},
		Storage: StorageConfig{
			Path: "data/deskmate.db",
		},
		Stream: StreamConfig{
			FlushInterval: "700ms",
			MaxLen:        3900,
			Watchdog:      "5m",
		},
		Convo: ConvoConfig{
			HistoryCap:   20,
			MaxUserChars: 4000,
			AnchorTTL:    "24h",
			ViewedTTL:    "1h",
		},
		Health: HealthConfig{
			Addr: ":8090",
		},
		Features: FeatureFlags{
			ChannelContext: true,
			RecentMessages: false,
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; environment variables override either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if tok := os.Getenv("SLACK_BOT_TOKEN"); tok != "" {
		c.Slack.BotToken = tok
	}
	if tok := os.Getenv("SLACK_APP_TOKEN"); tok != "" {
		c.Slack.AppToken = tok
	}

	// LLM API key in priority order: Grok wins when both are set, matching
	// the provider selector deskmate originally shipped with.
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "gemini"
	}
	if key := os.Getenv("XAI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "grok"
	}
	if key := os.Getenv("GROK_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "grok"
	}

	if path := os.Getenv("DESKMATE_DB"); path != "" {
		c.Storage.Path = path
	}

	if url := os.Getenv("JIRA_BASE_URL"); url != "" {
		c.Jira.BaseURL = url
	}
	if email := os.Getenv("JIRA_EMAIL"); email != "" {
		c.Jira.Email = email
	}
	if tok := os.Getenv("JIRA_API_TOKEN"); tok != "" {
		c.Jira.APIToken = tok
	}
	if key := os.Getenv("JIRA_PROJECT_KEY"); key != "" {
		c.Jira.ProjectKey = key
	}
}

// Validate checks that required settings are present.
func (c *Config) Validate() error {
	if c.Slack.BotToken == "" {
		return fmt.Errorf("slack bot token is required (slack.bot_token or SLACK_BOT_TOKEN)")
	}
	if c.Slack.AppToken == "" {
		return fmt.Errorf("slack app token is required (slack.app_token or SLACK_APP_TOKEN)")
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("no LLM provider configured (set GEMINI_API_KEY, XAI_API_KEY, or GROK_API_KEY)")
	}
	return nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetFlushInterval returns the streamer flush interval as a duration.
func (c *Config) GetFlushInterval() time.Duration {
	return parseDuration(c.Stream.FlushInterval, 700*time.Millisecond)
}

// GetWatchdog returns the per-stream maximum duration.
func (c *Config) GetWatchdog() time.Duration {
	return parseDuration(c.Stream.Watchdog, 5*time.Minute)
}

// GetLLMTimeout returns the LLM request timeout.
func (c *Config) GetLLMTimeout() time.Duration {
	return parseDuration(c.LLM.Timeout, 120*time.Second)
}

// GetAnchorTTL returns the assistant thread anchor TTL.
func (c *Config) GetAnchorTTL() time.Duration {
	return parseDuration(c.Convo.AnchorTTL, 24*time.Hour)
}

// GetViewedTTL returns the viewed-context TTL.
func (c *Config) GetViewedTTL() time.Duration {
	return parseDuration(c.Convo.ViewedTTL, time.Hour)
}
