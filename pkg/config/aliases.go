package config

import (
	"fmt"
	"sort"
)

// ModelAliases manages model alias resolution and validation.
type ModelAliases struct {
	Aliases   map[string]string   `yaml:"aliases"`
	Providers map[string][]string `yaml:"providers"`
}

// Resolve returns the canonical model name for an alias.
// If the input is not an alias, it returns the input unchanged.
func (a *ModelAliases) Resolve(modelOrAlias string) string {
	if a == nil || a.Aliases == nil {
		return modelOrAlias
	}
	if canonical, ok := a.Aliases[modelOrAlias]; ok {
		return canonical
	}
	return modelOrAlias
}

// ValidateModel checks if a model exists in the provider's list.
func (a *ModelAliases) ValidateModel(adapter, model string) error {
	if a == nil || a.Providers == nil {
		return nil
	}

	models, ok := a.Providers[adapter]
	if !ok {
		return fmt.Errorf("unknown adapter %q", adapter)
	}

	for _, m := range models {
		if m == model {
			return nil
		}
	}

	return fmt.Errorf("model %q not in %s provider list", model, adapter)
}

// ListProviders returns a sorted list of provider names.
func (a *ModelAliases) ListProviders() []string {
	if a == nil || a.Providers == nil {
		return nil
	}
	providers := make([]string, 0, len(a.Providers))
	for p := range a.Providers {
		providers = append(providers, p)
	}
	sort.Strings(providers)
	return providers
}

// GetProviderModels returns the models for a given provider.
func (a *ModelAliases) GetProviderModels(provider string) []string {
	if a == nil || a.Providers == nil {
		return nil
	}
	return a.Providers[provider]
}

// ValidateRoutingConfig checks that both pipeline roles resolve to known models.
func (a *ModelAliases) ValidateRoutingConfig(cfg *RoutingConfig) []error {
	if a == nil || cfg == nil {
		return nil
	}

	var errs []error
	roles := []struct {
		name   string
		target RouteTarget
	}{
		{"generate", cfg.Generate},
		{"narrate", cfg.Narrate},
	}
	for _, role := range roles {
		model := a.Resolve(role.target.Model)
		if err := a.ValidateModel(role.target.Adapter, model); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", role.name, err))
		}
	}
	return errs
}

// DefaultAliases returns the default model aliases configuration.
func DefaultAliases() *ModelAliases {
	return &ModelAliases{
		Aliases: map[string]string{
			"fast":    "gpt-5.2-instant",
			"sql":     "gpt-5.2-codex",
			"quality": "claude-sonnet-4-20250514",
			"deep":    "claude-opus-4-20250514",
			"gemini":  "gemini-2.5-flash",
			"cheap":   "deepseek-chat",
		},
		Providers: map[string][]string{
			"anthropic": {"claude-sonnet-4-20250514", "claude-opus-4-20250514"},
			"openai":    {"gpt-5.2-instant", "gpt-5.2-thinking", "gpt-5.2-codex", "gpt-5.2-pro"},
			"google":    {"gemini-2.0-pro", "gemini-2.5-flash"},
			"deepseek":  {"deepseek-chat", "deepseek-coder", "deepseek-reasoner"},
			"mock":      {"mock-1"},
		},
	}
}
