package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Fatalf("Load() = %+v, want defaults %+v", cfg, Default())
	}
	if cfg.SummaryTriggerTokens != 24000 || cfg.SummaryMinMessages != 10 || cfg.ContextMaxAge != 24*time.Hour {
		t.Fatalf("unexpected summary/context defaults: %+v", cfg)
	}
	if cfg.SlogLevel() != slog.LevelInfo {
		t.Fatalf("SlogLevel() = %v, want info", cfg.SlogLevel())
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9090")
	t.Setenv("APP_LOG_LEVEL", "DEBUG")
	t.Setenv("CONTEXT_MAX_AGE", "2h")
	t.Setenv("SUMMARY_MODELS", "small, ,large")
	t.Setenv("SUMMARY_REDACT_PII", "yes")
	t.Setenv("LLM_MODE", "mock")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9090" || cfg.ContextMaxAge != 2*time.Hour || cfg.LLMMode != "mock" || !cfg.SummaryRedactPII {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.SummaryModels, []string{"small", "large"}) {
		t.Fatalf("SummaryModels = %q", cfg.SummaryModels)
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Fatalf("SlogLevel() = %v, want debug", cfg.SlogLevel())
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), "chatrelay.yaml")
	data := strings.Join([]string{
		"bind_addr: \":7070\"",
		"sqlite_path: /tmp/ctx.db",
		"llm_chat_timeout: 45s",
		"summary_models:",
		"  - file-model",
		"summary_retain_max: 12000",
	}, "\n")
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("APP_CONFIG_FILE", path)
	t.Setenv("APP_BIND_ADDR", ":6060")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":6060" {
		t.Fatalf("BindAddr = %q, env should win over file", cfg.BindAddr)
	}
	if cfg.SQLitePath != "/tmp/ctx.db" || cfg.LLMChatTimeout != 45*time.Second || cfg.SummaryRetainMax != 12000 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.SummaryModels, []string{"file-model"}) {
		t.Fatalf("SummaryModels = %q", cfg.SummaryModels)
	}
	if cfg.ContextSweepInterval != 10*time.Minute {
		t.Fatalf("ContextSweepInterval = %v, missing file keys should keep defaults", cfg.ContextSweepInterval)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"LLM_MODE":               "carrier-pigeon",
		"APP_LOG_LEVEL":          "loud",
		"CONTEXT_MAX_AGE":        "nope",
		"SUMMARY_MIN_MESSAGES":   "ten",
		"SUMMARY_RETAIN_MIN":     "20000",
		"SUMMARY_TRIGGER_TOKENS": "9000",
		"APP_ALLOW_USER_HEADER":  "maybe",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q error = nil, want error", key, value)
			}
		})
	}
}

func TestLoadFileMissing(t *testing.T) {
	setCoreEnvEmpty(t)
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("LoadFile() error = nil, want error for missing file")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_CONFIG_FILE",
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_LOG_LEVEL",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_ALLOW_USER_HEADER",
		"DATABASE_URL",
		"SQLITE_PATH",
		"CONTEXT_MAX_AGE",
		"CONTEXT_SWEEP_INTERVAL",
		"LLM_MODE",
		"LLM_BASE_URL",
		"LLM_API_KEY",
		"ANTHROPIC_API_KEY",
		"ANTHROPIC_BASE_URL",
		"LLM_FALLBACK_ANTHROPIC",
		"LLM_DEFAULT_MODEL",
		"LLM_CHAT_TIMEOUT",
		"LLM_SYSTEM_PROMPT",
		"SUMMARY_MODELS",
		"SUMMARY_MAX_TOKENS",
		"SUMMARY_TIMEOUT",
		"SUMMARY_TRIGGER_TOKENS",
		"SUMMARY_MIN_MESSAGES",
		"SUMMARY_RETAIN_MIN",
		"SUMMARY_RETAIN_TARGET",
		"SUMMARY_RETAIN_MAX",
		"SUMMARY_REDACT_PII",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
