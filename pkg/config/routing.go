package config

// RoutingConfig decides which adapter/model serves each completion role of the pipeline
// and how transport failures are retried.
type RoutingConfig struct {
	Generate RouteTarget    `yaml:"generate"`
	Narrate  RouteTarget    `yaml:"narrate"`
	Retry    RetryConfig    `yaml:"retry,omitempty"`
	Fallback FallbackConfig `yaml:"fallback,omitempty"`
	Pricing  PricingConfig  `yaml:"pricing,omitempty"`

	// MaxTokens caps every completion; zero leaves the adapter default.
	MaxTokens int `yaml:"max_tokens,omitempty"`
}

// RouteTarget specifies an adapter and model combination.
type RouteTarget struct {
	Adapter string `yaml:"adapter"`
	Model   string `yaml:"model"`
}

// RetryConfig defines transport retry and backoff behavior.
type RetryConfig struct {
	MaxRetries    int `yaml:"max_retries,omitempty"`
	BaseBackoffMs int `yaml:"base_backoff_ms,omitempty"`
	MaxBackoffMs  int `yaml:"max_backoff_ms,omitempty"`
}

// FallbackConfig defines adapter/model fallbacks.
type FallbackConfig struct {
	AllowFallback bool                     `yaml:"allow_fallback,omitempty"`
	FallbackChain map[string][]RouteTarget `yaml:"fallback_chain,omitempty"`
}

// PricingConfig maps adapter -> model -> pricing.
type PricingConfig map[string]map[string]ModelPricing

// ModelPricing defines per-1k token pricing.
type ModelPricing struct {
	PromptPer1K     float64 `yaml:"prompt_per_1k,omitempty"`
	CompletionPer1K float64 `yaml:"completion_per_1k,omitempty"`
}

// DefaultRoutingConfig returns the default routing configuration.
func DefaultRoutingConfig() *RoutingConfig {
	cfg := &RoutingConfig{
		Generate: RouteTarget{
			Adapter: "anthropic",
			Model:   "claude-sonnet-4-20250514",
		},
		Narrate: RouteTarget{
			Adapter: "anthropic",
			Model:   "claude-sonnet-4-20250514",
		},
	}

	applyRoutingDefaults(cfg)
	return cfg
}

func applyRoutingDefaults(cfg *RoutingConfig) {
	if cfg == nil {
		return
	}
	if cfg.Narrate.Adapter == "" {
		cfg.Narrate = cfg.Generate
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = 2
	}
	if cfg.Retry.BaseBackoffMs == 0 {
		cfg.Retry.BaseBackoffMs = 200
	}
	if cfg.Retry.MaxBackoffMs == 0 {
		cfg.Retry.MaxBackoffMs = 2000
	}
	if cfg.Retry.MaxBackoffMs < cfg.Retry.BaseBackoffMs {
		cfg.Retry.MaxBackoffMs = cfg.Retry.BaseBackoffMs
	}
}
