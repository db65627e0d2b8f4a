package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ProviderGemini = "gemini"
	ProviderXAI    = "xai"

	defaultProvider          = ProviderGemini
	defaultTimeoutSec        = 60
	defaultTemperature       = 1.2
	defaultMaxOutputTokens   = 1024
	defaultExtraAttempts     = 2
	defaultRateLimitWindowMS = 2500
	defaultHistoryLimit      = 200
	defaultQueueSize         = 8
	defaultPersonaName       = "pigeon"
	defaultAdminBind         = "127.0.0.1:39393"
	defaultActivityCron      = "0 * * * * *"
	defaultActivityTimezone  = "UTC"
	defaultStatsDBPath       = "pigeon.db"

	maxNumberedAPIKeys = 16
)

type Config struct {
	Discord  DiscordConfig  `yaml:"discord"`
	Backend  BackendConfig  `yaml:"backend"`
	Limits   LimitsConfig   `yaml:"limits"`
	Persona  PersonaConfig  `yaml:"persona"`
	Admin    AdminConfig    `yaml:"admin"`
	Activity ActivityConfig `yaml:"activity"`
	Stats    StatsConfig    `yaml:"stats"`
}

// DiscordConfig.IgnoreWindows maps user ids to an epoch-millisecond expiry.
type DiscordConfig struct {
	Token          string            `yaml:"token"`
	BlockedUserIDs []string          `yaml:"blocked_user_ids"`
	ChannelRoutes  map[string]string `yaml:"channel_routes"`
	IgnoreWindows  map[string]int64  `yaml:"ignore_windows"`
}

type BackendConfig struct {
	Provider        string   `yaml:"provider"`
	Model           string   `yaml:"model"`
	BaseURL         string   `yaml:"base_url"`
	APIKeys         []string `yaml:"api_keys"`
	TimeoutSec      int      `yaml:"timeout_sec"`
	Temperature     float64  `yaml:"temperature"`
	MaxOutputTokens int      `yaml:"max_output_tokens"`
	WebSearch       bool     `yaml:"web_search"`
	ExtraAttempts   int      `yaml:"extra_attempts"`
}

type LimitsConfig struct {
	RateLimitWindowMS int `yaml:"rate_limit_window_ms"`
	HistoryLimit      int `yaml:"history_limit"`
	MaxTrackedUsers   int `yaml:"max_tracked_users"`
	MaxHistoryBuffers int `yaml:"max_history_buffers"`
	QueueSize         int `yaml:"queue_size"`
}

type PersonaConfig struct {
	Name             string `yaml:"name"`
	SystemPromptPath string `yaml:"system_prompt_path"`
}

type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
}

type ActivityConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Cron     string `yaml:"cron"`
	Timezone string `yaml:"timezone"`
}

type StatsConfig struct {
	DBPath string `yaml:"db_path"`
}

func Default() Config {
	return Config{
		Backend: BackendConfig{
			Provider:        defaultProvider,
			TimeoutSec:      defaultTimeoutSec,
			Temperature:     defaultTemperature,
			MaxOutputTokens: defaultMaxOutputTokens,
			WebSearch:       true,
			ExtraAttempts:   defaultExtraAttempts,
		},
		Limits: LimitsConfig{
			RateLimitWindowMS: defaultRateLimitWindowMS,
			HistoryLimit:      defaultHistoryLimit,
			QueueSize:         defaultQueueSize,
		},
		Persona: PersonaConfig{
			Name: defaultPersonaName,
		},
		Admin: AdminConfig{
			Bind: defaultAdminBind,
		},
		Activity: ActivityConfig{
			Enabled:  true,
			Cron:     defaultActivityCron,
			Timezone: defaultActivityTimezone,
		},
		Stats: StatsConfig{
			DBPath: defaultStatsDBPath,
		},
	}
}

// Load reads path when it is non-empty, applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		body, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(body, &cfg); err != nil {
			return Config{}, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Discord.Token == "" {
		return errors.New("discord.token is required")
	}
	switch c.Backend.Provider {
	case ProviderGemini, ProviderXAI:
	default:
		return fmt.Errorf("backend.provider %q is not supported", c.Backend.Provider)
	}
	if len(c.Backend.APIKeys) == 0 {
		return errors.New("backend.api_keys requires at least one key")
	}
	if c.Backend.TimeoutSec <= 0 {
		return errors.New("backend.timeout_sec must be positive")
	}
	if c.Backend.ExtraAttempts < 0 {
		return errors.New("backend.extra_attempts must not be negative")
	}
	if c.Limits.RateLimitWindowMS <= 0 {
		return errors.New("limits.rate_limit_window_ms must be positive")
	}
	if c.Limits.HistoryLimit <= 0 {
		return errors.New("limits.history_limit must be positive")
	}
	if c.Limits.QueueSize <= 0 {
		return errors.New("limits.queue_size must be positive")
	}
	if c.Admin.Enabled && c.Admin.Bind == "" {
		return errors.New("admin.bind is required when admin is enabled")
	}
	if c.Activity.Enabled {
		if c.Activity.Cron == "" {
			return errors.New("activity.cron is required when activity is enabled")
		}
		if _, err := time.LoadLocation(c.Activity.Timezone); err != nil {
			return fmt.Errorf("activity.timezone: %w", err)
		}
	}
	return nil
}

func (c BackendConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

func (c LimitsConfig) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowMS) * time.Millisecond
}

func (c *Config) normalize() {
	c.Backend.Provider = strings.ToLower(strings.TrimSpace(c.Backend.Provider))
	c.Backend.APIKeys = cleanList(c.Backend.APIKeys)
	c.Discord.BlockedUserIDs = cleanList(c.Discord.BlockedUserIDs)
	if strings.TrimSpace(c.Persona.Name) == "" {
		c.Persona.Name = defaultPersonaName
	}
	if c.Activity.Timezone == "" {
		c.Activity.Timezone = defaultActivityTimezone
	}
}

func applyEnvOverrides(cfg *Config) {
	applyString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	applyList := func(key string, dst *[]string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = parseCSV(v)
		}
	}
	applyBool := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			if parsed, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
				*dst = parsed
			}
		}
	}
	applyInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = parsed
			}
		}
	}

	applyString("DISCORD_TOKEN", &cfg.Discord.Token)
	applyList("BLOCKED_USER_IDS", &cfg.Discord.BlockedUserIDs)
	applyString("BACKEND_PROVIDER", &cfg.Backend.Provider)
	applyString("BACKEND_MODEL", &cfg.Backend.Model)
	applyString("BACKEND_BASE_URL", &cfg.Backend.BaseURL)
	applyList("BACKEND_API_KEYS", &cfg.Backend.APIKeys)
	applyInt("BACKEND_TIMEOUT_SEC", &cfg.Backend.TimeoutSec)
	applyBool("BACKEND_WEB_SEARCH", &cfg.Backend.WebSearch)
	applyInt("RATE_LIMIT_WINDOW_MS", &cfg.Limits.RateLimitWindowMS)
	applyInt("HISTORY_LIMIT", &cfg.Limits.HistoryLimit)
	applyString("PERSONA_NAME", &cfg.Persona.Name)
	applyString("PERSONA_SYSTEM_PROMPT_PATH", &cfg.Persona.SystemPromptPath)
	applyBool("ADMIN_ENABLED", &cfg.Admin.Enabled)
	applyString("ADMIN_MCP_BIND", &cfg.Admin.Bind)
	applyBool("ACTIVITY_ENABLED", &cfg.Activity.Enabled)
	applyString("ACTIVITY_CRON", &cfg.Activity.Cron)
	applyString("ACTIVITY_TIMEZONE", &cfg.Activity.Timezone)
	applyString("STATS_DB_PATH", &cfg.Stats.DBPath)

	cfg.Backend.APIKeys = append(cfg.Backend.APIKeys, numberedAPIKeys(cfg.Backend.Provider)...)
}

// numberedAPIKeys collects GEMINI_API_KEY_1..N (or XAI_API_KEY_1..N). Gaps in
// the numbering are skipped.
func numberedAPIKeys(provider string) []string {
	prefix := "GEMINI_API_KEY_"
	if strings.EqualFold(strings.TrimSpace(provider), ProviderXAI) {
		prefix = "XAI_API_KEY_"
	}
	var keys []string
	for i := 1; i <= maxNumberedAPIKeys; i++ {
		if v := strings.TrimSpace(os.Getenv(prefix + strconv.Itoa(i))); v != "" {
			keys = append(keys, v)
		}
	}
	return keys
}

func parseCSV(v string) []string {
	return cleanList(strings.Split(v, ","))
}

func cleanList(values []string) []string {
	out := make([]string, 0, len(values))
	seen := map[string]struct{}{}
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
