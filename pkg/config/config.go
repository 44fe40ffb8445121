package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	AnthropicAPIKey string
	OpenAIAPIKey    string
	GoogleAPIKey    string
	DeepSeekAPIKey  string

	DatabaseURL  string
	Dialect      string
	Routing      *RoutingConfig
	Aliases      *ModelAliases
	Timeouts     Timeouts
	Index        IndexConfig
	Embedding    EmbeddingConfig
	EvidenceDir  string
	EvidenceKey  string
	ServerAddr   string
	MaxBudgetUSD float64
	ConfigDir    string
}

// Timeouts bound every collaborator call made by a pipeline run.
type Timeouts struct {
	Lookup    time.Duration `yaml:"lookup,omitempty"`
	Generate  time.Duration `yaml:"generate,omitempty"`
	Execute   time.Duration `yaml:"execute,omitempty"`
	Narrate   time.Duration `yaml:"narrate,omitempty"`
	Statement time.Duration `yaml:"statement,omitempty"`
}

// IndexConfig locates the schema retrieval index.
type IndexConfig struct {
	Path         string            `yaml:"path,omitempty"`
	Schema       string            `yaml:"schema,omitempty"`
	Descriptions map[string]string `yaml:"descriptions,omitempty"`

	// Concurrency bounds parallel embedding calls while indexing.
	Concurrency int `yaml:"concurrency,omitempty"`
}

// EmbeddingConfig selects the embedding engine used by the schema index.
// An empty provider means keyword retrieval.
type EmbeddingConfig struct {
	Provider string `yaml:"provider,omitempty"`
	Model    string `yaml:"model,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`
	TaskType string `yaml:"task_type,omitempty"`
}

// FileConfig represents the structure of ~/.querymind/config.yaml.
// API keys are intentionally absent: they are only read from the environment.
type FileConfig struct {
	DatabaseURL  string            `yaml:"database_url"`
	Dialect      string            `yaml:"dialect"`
	Routing      *RoutingConfig    `yaml:"routing"`
	Aliases      map[string]string `yaml:"aliases"`
	Timeouts     Timeouts          `yaml:"timeouts"`
	Index        IndexConfig       `yaml:"index"`
	Embedding    EmbeddingConfig   `yaml:"embedding"`
	EvidenceDir  string            `yaml:"evidence_dir"`
	EvidenceKey  string            `yaml:"evidence_key"`
	ServerAddr   string            `yaml:"server_addr"`
	MaxBudgetUSD float64           `yaml:"max_budget_usd"`
}

// Load reads ~/.querymind/config.yaml (if present) and applies environment overrides.
func Load() (*Config, error) {
	configDir, err := getConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.yaml")
	fileConfig := &FileConfig{}
	if _, err := os.Stat(path); err == nil {
		fileConfig, err = loadFileConfig(path)
		if err != nil {
			return nil, err
		}
	}

	return build(fileConfig, configDir), nil
}

// LoadFile loads configuration from an explicit file. Unlike Load, a missing file is an error.
func LoadFile(path string) (*Config, error) {
	configDir, err := getConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}

	fileConfig, err := loadFileConfig(path)
	if err != nil {
		return nil, err
	}
	return build(fileConfig, configDir), nil
}

func build(fc *FileConfig, configDir string) *Config {
	cfg := &Config{
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		GoogleAPIKey:    os.Getenv("GOOGLE_API_KEY"),
		DeepSeekAPIKey:  os.Getenv("DEEPSEEK_API_KEY"),
		DatabaseURL:     getEnvOrDefault("DATABASE_URL", fc.DatabaseURL),
		Dialect:         fc.Dialect,
		Routing:         fc.Routing,
		Timeouts:        fc.Timeouts,
		Index:           fc.Index,
		Embedding:       fc.Embedding,
		EvidenceDir:     getEnvOrDefault("QUERYMIND_EVIDENCE_DIR", fc.EvidenceDir),
		EvidenceKey:     getEnvOrDefault("QUERYMIND_EVIDENCE_KEY", fc.EvidenceKey),
		ServerAddr:      getEnvOrDefault("QUERYMIND_ADDR", fc.ServerAddr),
		MaxBudgetUSD:    getEnvFloat("QUERYMIND_MAX_BUDGET_USD", fc.MaxBudgetUSD),
		ConfigDir:       configDir,
	}

	aliases := DefaultAliases()
	for alias, model := range fc.Aliases {
		aliases.Aliases[alias] = model
	}
	cfg.Aliases = aliases

	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Dialect == "" {
		cfg.Dialect = "PostgreSQL"
	}
	if cfg.Routing == nil {
		cfg.Routing = DefaultRoutingConfig()
	}
	applyRoutingDefaults(cfg.Routing)

	if cfg.Timeouts.Lookup == 0 {
		cfg.Timeouts.Lookup = 10 * time.Second
	}
	if cfg.Timeouts.Generate == 0 {
		cfg.Timeouts.Generate = 60 * time.Second
	}
	if cfg.Timeouts.Execute == 0 {
		cfg.Timeouts.Execute = 30 * time.Second
	}
	if cfg.Timeouts.Narrate == 0 {
		cfg.Timeouts.Narrate = 60 * time.Second
	}
	if cfg.Timeouts.Statement == 0 {
		cfg.Timeouts.Statement = 15 * time.Second
	}

	if cfg.Index.Path == "" {
		cfg.Index.Path = filepath.Join(cfg.ConfigDir, "schema_index.db")
	}
	if cfg.Index.Schema == "" {
		cfg.Index.Schema = "public"
	}
	if cfg.ServerAddr == "" {
		cfg.ServerAddr = ":8080"
	}
}

// KeyDir is where evidence signing keys are stored.
func (c *Config) KeyDir() string {
	return filepath.Join(c.ConfigDir, "keys")
}

// HasAdapter returns true if the API key for the given adapter is configured.
func (c *Config) HasAdapter(name string) bool {
	switch name {
	case "anthropic":
		return c.AnthropicAPIKey != ""
	case "openai":
		return c.OpenAIAPIKey != ""
	case "google":
		return c.GoogleAPIKey != ""
	case "deepseek":
		return c.DeepSeekAPIKey != ""
	case "mock":
		return true
	default:
		return false
	}
}

func loadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &FileConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// getEnvOrDefault returns the environment variable value if set,
// otherwise returns the default value.
func getEnvOrDefault(envVar, defaultValue string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return defaultValue
}

func getEnvFloat(envVar string, defaultValue float64) float64 {
	if val := os.Getenv(envVar); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getConfigDir() (string, error) {
	if dir := os.Getenv("QUERYMIND_CONFIG_DIR"); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return "", err
		}
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	configDir := filepath.Join(home, ".querymind")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", err
	}
	return configDir, nil
}
