package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the chat relay.
//
// Values come from Default, then the optional YAML file, then environment
// variables; each layer overrides the previous one.
type Config struct {
	BindAddr         string        `yaml:"bind_addr"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	MetricsNamespace string        `yaml:"metrics_namespace"`
	LogLevel         string        `yaml:"log_level"`
	AllowAnyOrigin   bool          `yaml:"allow_any_origin"`
	AllowUserHeader  bool          `yaml:"allow_user_header"`

	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path"`

	ContextMaxAge        time.Duration `yaml:"context_max_age"`
	ContextSweepInterval time.Duration `yaml:"context_sweep_interval"`

	LLMMode                string        `yaml:"llm_mode"`
	LLMBaseURL             string        `yaml:"llm_base_url"`
	LLMAPIKey              string        `yaml:"llm_api_key"`
	AnthropicAPIKey        string        `yaml:"anthropic_api_key"`
	AnthropicBaseURL       string        `yaml:"anthropic_base_url"`
	LLMFallbackToAnthropic bool          `yaml:"llm_fallback_to_anthropic"`
	LLMDefaultModel        string        `yaml:"llm_default_model"`
	LLMChatTimeout         time.Duration `yaml:"llm_chat_timeout"`
	SystemPrompt           string        `yaml:"system_prompt"`

	SummaryModels        []string      `yaml:"summary_models"`
	SummaryMaxTokens     int           `yaml:"summary_max_tokens"`
	SummaryTimeout       time.Duration `yaml:"summary_timeout"`
	SummaryTriggerTokens int           `yaml:"summary_trigger_tokens"`
	SummaryMinMessages   int           `yaml:"summary_min_messages"`
	SummaryRetainMin     int           `yaml:"summary_retain_min"`
	SummaryRetainTarget  int           `yaml:"summary_retain_target"`
	SummaryRetainMax     int           `yaml:"summary_retain_max"`
	SummaryRedactPII     bool          `yaml:"summary_redact_pii"`
}

func Default() Config {
	return Config{
		BindAddr:             ":8080",
		ShutdownTimeout:      15 * time.Second,
		MetricsNamespace:     "chatrelay",
		LogLevel:             "info",
		ContextMaxAge:        24 * time.Hour,
		ContextSweepInterval: 10 * time.Minute,
		LLMMode:              "auto",
		LLMDefaultModel:      "gpt-4o-mini",
		LLMChatTimeout:       30 * time.Second,
		SummaryMaxTokens:     800,
		SummaryTimeout:       20 * time.Second,
		SummaryTriggerTokens: 24000,
		SummaryMinMessages:   10,
		SummaryRetainMin:     6000,
		SummaryRetainTarget:  10000,
		SummaryRetainMax:     15000,
	}
}

// Load reads the YAML file named by APP_CONFIG_FILE, if any, and the
// environment.
func Load() (Config, error) {
	return LoadFile(getenv("APP_CONFIG_FILE"))
}

// LoadFile is Load with an explicit config file path. An empty path skips
// the file layer.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.BindAddr = envOrDefault("APP_BIND_ADDR", c.BindAddr)
	c.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", c.MetricsNamespace)
	c.LogLevel = strings.ToLower(envOrDefault("APP_LOG_LEVEL", c.LogLevel))
	c.DatabaseURL = envOrDefault("DATABASE_URL", c.DatabaseURL)
	c.SQLitePath = envOrDefault("SQLITE_PATH", c.SQLitePath)
	c.LLMMode = strings.ToLower(envOrDefault("LLM_MODE", c.LLMMode))
	c.LLMBaseURL = envOrDefault("LLM_BASE_URL", c.LLMBaseURL)
	c.LLMAPIKey = envOrDefault("LLM_API_KEY", c.LLMAPIKey)
	c.AnthropicAPIKey = envOrDefault("ANTHROPIC_API_KEY", c.AnthropicAPIKey)
	c.AnthropicBaseURL = envOrDefault("ANTHROPIC_BASE_URL", c.AnthropicBaseURL)
	c.LLMDefaultModel = envOrDefault("LLM_DEFAULT_MODEL", c.LLMDefaultModel)
	c.SystemPrompt = envOrDefault("LLM_SYSTEM_PROMPT", c.SystemPrompt)
	if v := getenv("SUMMARY_MODELS"); v != "" {
		c.SummaryModels = splitList(v)
	}

	var err error
	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &c.ShutdownTimeout},
		{"CONTEXT_MAX_AGE", &c.ContextMaxAge},
		{"CONTEXT_SWEEP_INTERVAL", &c.ContextSweepInterval},
		{"LLM_CHAT_TIMEOUT", &c.LLMChatTimeout},
		{"SUMMARY_TIMEOUT", &c.SummaryTimeout},
	} {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return err
		}
	}
	for _, n := range []struct {
		key string
		dst *int
	}{
		{"SUMMARY_MAX_TOKENS", &c.SummaryMaxTokens},
		{"SUMMARY_TRIGGER_TOKENS", &c.SummaryTriggerTokens},
		{"SUMMARY_MIN_MESSAGES", &c.SummaryMinMessages},
		{"SUMMARY_RETAIN_MIN", &c.SummaryRetainMin},
		{"SUMMARY_RETAIN_TARGET", &c.SummaryRetainTarget},
		{"SUMMARY_RETAIN_MAX", &c.SummaryRetainMax},
	} {
		if *n.dst, err = intFromEnv(n.key, *n.dst); err != nil {
			return err
		}
	}
	for _, b := range []struct {
		key string
		dst *bool
	}{
		{"APP_ALLOW_ANY_ORIGIN", &c.AllowAnyOrigin},
		{"APP_ALLOW_USER_HEADER", &c.AllowUserHeader},
		{"LLM_FALLBACK_ANTHROPIC", &c.LLMFallbackToAnthropic},
		{"SUMMARY_REDACT_PII", &c.SummaryRedactPII},
	} {
		if *b.dst, err = boolFromEnv(b.key, *b.dst); err != nil {
			return err
		}
	}
	return nil
}

func (c Config) Validate() error {
	switch c.LLMMode {
	case "auto", "openai", "anthropic", "mock":
	default:
		return fmt.Errorf("LLM_MODE must be one of auto, openai, anthropic, mock")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.ContextMaxAge < time.Minute {
		return fmt.Errorf("CONTEXT_MAX_AGE must be at least 1m")
	}
	if c.ContextSweepInterval <= 0 {
		return fmt.Errorf("CONTEXT_SWEEP_INTERVAL must be positive")
	}
	if c.LLMChatTimeout <= 0 || c.SummaryTimeout <= 0 {
		return fmt.Errorf("LLM_CHAT_TIMEOUT and SUMMARY_TIMEOUT must be positive")
	}
	if c.SummaryMaxTokens <= 0 || c.SummaryTriggerTokens <= 0 || c.SummaryMinMessages <= 0 {
		return fmt.Errorf("SUMMARY_MAX_TOKENS, SUMMARY_TRIGGER_TOKENS and SUMMARY_MIN_MESSAGES must be positive")
	}
	if c.SummaryRetainMin <= 0 || c.SummaryRetainMin > c.SummaryRetainTarget || c.SummaryRetainTarget > c.SummaryRetainMax {
		return fmt.Errorf("summary retain bounds must satisfy 0 < SUMMARY_RETAIN_MIN <= SUMMARY_RETAIN_TARGET <= SUMMARY_RETAIN_MAX")
	}
	if c.SummaryRetainMax >= c.SummaryTriggerTokens {
		return fmt.Errorf("SUMMARY_RETAIN_MAX must be below SUMMARY_TRIGGER_TOKENS")
	}
	return nil
}

// SlogLevel returns LogLevel as a slog level. Validate has already
// rejected unknown names.
func (c Config) SlogLevel() slog.Level {
	level, _ := parseLevel(c.LogLevel)
	return level
}

func parseLevel(v string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("APP_LOG_LEVEL %q is not one of debug, info, warn, error", v)
	}
}

func envOrDefault(key, fallback string) string {
	v := getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(getenv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
