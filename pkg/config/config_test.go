package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestConfigIgnoresFileAPIKeys(t *testing.T) {
	home := t.TempDir()
	setHomeEnv(t, home)

	configDir := filepath.Join(home, ".querymind")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	configPath := filepath.Join(configDir, "config.yaml")
	data := []byte("api_keys:\n  anthropic: file-ant\n  openai: file-openai\ndialect: PostgreSQL\n")
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("DEEPSEEK_API_KEY", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AnthropicAPIKey != "" || cfg.OpenAIAPIKey != "" || cfg.GoogleAPIKey != "" || cfg.DeepSeekAPIKey != "" {
		t.Fatalf("expected file API keys to be ignored")
	}
}

func TestConfigUsesEnvAPIKeys(t *testing.T) {
	home := t.TempDir()
	setHomeEnv(t, home)

	t.Setenv("ANTHROPIC_API_KEY", "env-ant")
	t.Setenv("OPENAI_API_KEY", "env-openai")
	t.Setenv("GOOGLE_API_KEY", "env-google")
	t.Setenv("DEEPSEEK_API_KEY", "env-deepseek")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AnthropicAPIKey != "env-ant" || cfg.OpenAIAPIKey != "env-openai" || cfg.GoogleAPIKey != "env-google" || cfg.DeepSeekAPIKey != "env-deepseek" {
		t.Fatalf("expected env API keys to be used")
	}
}

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	setHomeEnv(t, home)
	t.Setenv("DATABASE_URL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Dialect != "PostgreSQL" {
		t.Fatalf("dialect = %q", cfg.Dialect)
	}
	if cfg.Routing.Narrate != cfg.Routing.Generate {
		t.Fatalf("narrate route should default to generate route")
	}
	if cfg.Timeouts.Statement != 15*time.Second || cfg.Timeouts.Generate != 60*time.Second {
		t.Fatalf("unexpected timeouts: %+v", cfg.Timeouts)
	}
	if cfg.Index.Path != filepath.Join(home, ".querymind", "schema_index.db") {
		t.Fatalf("index path = %q", cfg.Index.Path)
	}
	if cfg.KeyDir() != filepath.Join(home, ".querymind", "keys") {
		t.Fatalf("key dir = %q", cfg.KeyDir())
	}
}

func TestLoadFileParsesSectionsAndEnvOverridesDatabase(t *testing.T) {
	home := t.TempDir()
	setHomeEnv(t, home)

	path := filepath.Join(t.TempDir(), "querymind.yaml")
	data := []byte(`database_url: postgres://file
routing:
  generate:
    adapter: openai
    model: sql
  retry:
    max_retries: 4
  max_tokens: 1024
aliases:
  house: claude-opus-4-20250514
timeouts:
  execute: 5s
index:
  concurrency: 2
  descriptions:
    users: Customer information including names and signup dates.
embedding:
  provider: ollama
`)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("DATABASE_URL", "postgres://env")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if cfg.DatabaseURL != "postgres://env" {
		t.Fatalf("expected env database url, got %q", cfg.DatabaseURL)
	}
	if cfg.Routing.Generate.Adapter != "openai" || cfg.Routing.Narrate.Adapter != "openai" {
		t.Fatalf("unexpected routing: %+v", cfg.Routing)
	}
	if cfg.Routing.Retry.MaxRetries != 4 || cfg.Routing.Retry.BaseBackoffMs != 200 {
		t.Fatalf("unexpected retry: %+v", cfg.Routing.Retry)
	}
	if got := cfg.Aliases.Resolve("house"); got != "claude-opus-4-20250514" {
		t.Fatalf("alias resolve = %q", got)
	}
	if got := cfg.Aliases.Resolve("sql"); got != "gpt-5.2-codex" {
		t.Fatalf("default alias lost, got %q", got)
	}
	if cfg.Timeouts.Execute != 5*time.Second {
		t.Fatalf("execute timeout = %v", cfg.Timeouts.Execute)
	}
	if cfg.Routing.MaxTokens != 1024 || cfg.Index.Concurrency != 2 {
		t.Fatalf("limits not parsed: max_tokens=%d concurrency=%d", cfg.Routing.MaxTokens, cfg.Index.Concurrency)
	}
	if cfg.Index.Descriptions["users"] == "" || cfg.Embedding.Provider != "ollama" {
		t.Fatalf("index/embedding not parsed: %+v %+v", cfg.Index, cfg.Embedding)
	}
}

func TestLoadFileMissing(t *testing.T) {
	setHomeEnv(t, t.TempDir())
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestValidateRoutingConfig(t *testing.T) {
	aliases := DefaultAliases()
	cfg := &RoutingConfig{
		Generate: RouteTarget{Adapter: "openai", Model: "sql"},
		Narrate:  RouteTarget{Adapter: "anthropic", Model: "gpt-5.2-codex"},
	}

	errs := aliases.ValidateRoutingConfig(cfg)
	if len(errs) != 1 {
		t.Fatalf("expected 1 validation error, got %v", errs)
	}
}

func TestResolve_NilAliases(t *testing.T) {
	var aliases *ModelAliases
	if got := aliases.Resolve("fast"); got != "fast" {
		t.Errorf("Resolve on nil should return input, got %q", got)
	}
}

func setHomeEnv(t *testing.T, home string) {
	t.Helper()
	t.Setenv("HOME", home)
	t.Setenv("QUERYMIND_CONFIG_DIR", "")
	if runtime.GOOS == "windows" {
		t.Setenv("USERPROFILE", home)
	}
}
