// Package completion turns a set of provider adapters into the single
// system+user -> text collaborator the query pipeline consumes. It owns
// transport concerns only: transient-error retries with backoff, fallback
// targets and per-call cost estimates.
package completion

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/IM-26-AI/QueryMind/pkg/adapter"
	"github.com/IM-26-AI/QueryMind/pkg/config"
)

// Result is the text of a completion plus a report for every provider call it took.
type Result struct {
	Text  string
	Calls []adapter.CallReport
}

// Client sends completions to one route target with the configured retry policy.
type Client struct {
	adapters  map[string]adapter.Adapter
	target    config.RouteTarget
	routing   *config.RoutingConfig
	aliases   *config.ModelAliases
	maxTokens int
	logger    *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithAliases resolves model aliases before calls are made.
func WithAliases(aliases *config.ModelAliases) Option {
	return func(c *Client) {
		c.aliases = aliases
	}
}

// WithMaxTokens caps completion length.
func WithMaxTokens(n int) Option {
	return func(c *Client) {
		c.maxTokens = n
	}
}

// WithLogger sets the logger used for retry and fallback events.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New builds a client for target. The target adapter must be present in adapters.
func New(adapters map[string]adapter.Adapter, target config.RouteTarget, routing *config.RoutingConfig, opts ...Option) (*Client, error) {
	c := &Client{
		adapters: adapters,
		target:   target,
		routing:  routing,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	a, ok := adapters[target.Adapter]
	if !ok {
		return nil, fmt.Errorf("adapter %s not available", target.Adapter)
	}
	c.target.Model = c.resolveModel(target.Model)
	if c.target.Model == "" {
		models := a.Models()
		if len(models) > 0 {
			c.target.Model = models[0]
		}
	}
	if c.target.Model == "" {
		return nil, fmt.Errorf("model not specified for adapter %s", target.Adapter)
	}
	return c, nil
}

// Target returns the resolved primary adapter/model.
func (c *Client) Target() config.RouteTarget {
	return c.target
}

// Complete sends one system+user exchange. Transient provider failures are retried
// and may fall back to other targets; anything else is returned immediately.
func (c *Client) Complete(ctx context.Context, system, user string) (Result, error) {
	req := adapter.Request{System: system, User: user, MaxTokens: c.maxTokens}

	targets := buildTargets(c.target, c.routing)
	retryCfg := retrySettings(c.routing)
	var reports []adapter.CallReport
	var lastErr error

	for idx, target := range targets {
		adapterImpl, ok := c.adapters[target.Adapter]
		if !ok {
			return Result{Calls: reports}, fmt.Errorf("adapter %s not found", target.Adapter)
		}
		model := c.resolveModel(target.Model)

		for attempt := 0; attempt <= retryCfg.MaxRetries; attempt++ {
			resp, err := adapterImpl.Generate(ctx, model, req)
			if err == nil {
				usage := normalizeUsage(resp.Usage)
				cost, _ := estimateCost(cfgPricing(c.routing), target.Adapter, model, usage)
				reports = append(reports, adapter.CallReport{
					Adapter:      target.Adapter,
					Model:        model,
					Usage:        usage,
					Cost:         cost,
					Retries:      attempt,
					FallbackUsed: idx > 0,
				})
				return Result{Text: resp.Content, Calls: reports}, nil
			}

			lastErr = err
			if !adapter.IsTransient(err) || attempt == retryCfg.MaxRetries || ctx.Err() != nil {
				reports = append(reports, adapter.CallReport{
					Adapter:      target.Adapter,
					Model:        model,
					Cost:         adapter.Cost{Currency: "USD"},
					Retries:      attempt,
					FallbackUsed: idx > 0,
					Error:        err.Error(),
				})
				break
			}

			backoff := computeBackoff(retryCfg.BaseBackoffMs, retryCfg.MaxBackoffMs, attempt)
			c.logger.Debug("retrying completion",
				zap.String("adapter", target.Adapter),
				zap.String("model", model),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			if err := sleepWithContext(ctx, backoff); err != nil {
				return Result{Calls: reports}, err
			}
		}

		if ctx.Err() != nil || !adapter.IsTransient(lastErr) {
			break
		}
		if idx+1 < len(targets) {
			c.logger.Warn("falling back to next completion target",
				zap.String("from", target.Adapter),
				zap.String("to", targets[idx+1].Adapter),
				zap.Error(lastErr))
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("completion failed")
	}
	return Result{Calls: reports}, lastErr
}

func (c *Client) resolveModel(model string) string {
	if c.aliases != nil {
		return c.aliases.Resolve(model)
	}
	return model
}

func buildTargets(primary config.RouteTarget, cfg *config.RoutingConfig) []config.RouteTarget {
	targets := []config.RouteTarget{primary}
	if cfg == nil || !cfg.Fallback.AllowFallback {
		return targets
	}
	return append(targets, resolveFallbackChain(cfg, primary.Adapter, primary.Model)...)
}

func resolveFallbackChain(cfg *config.RoutingConfig, adapterName, model string) []config.RouteTarget {
	if cfg == nil || cfg.Fallback.FallbackChain == nil {
		return nil
	}
	key := fmt.Sprintf("%s/%s", adapterName, model)
	if chain, ok := cfg.Fallback.FallbackChain[key]; ok {
		return chain
	}
	if chain, ok := cfg.Fallback.FallbackChain[adapterName]; ok {
		return chain
	}
	return nil
}

func retrySettings(cfg *config.RoutingConfig) config.RetryConfig {
	if cfg == nil {
		return config.RetryConfig{MaxRetries: 2, BaseBackoffMs: 200, MaxBackoffMs: 2000}
	}
	return cfg.Retry
}

func computeBackoff(baseMs, maxMs, attempt int) time.Duration {
	limit := time.Duration(maxMs) * time.Millisecond
	backoff := time.Duration(baseMs) * time.Millisecond
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= limit {
			return limit
		}
	}
	if backoff > limit {
		return limit
	}
	return backoff
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func cfgPricing(cfg *config.RoutingConfig) config.PricingConfig {
	if cfg == nil {
		return nil
	}
	return cfg.Pricing
}
