package completion

import (
	"fmt"
	"sync"

	"github.com/IM-26-AI/QueryMind/pkg/adapter"
	"github.com/IM-26-AI/QueryMind/pkg/config"
)

// CostReport totals provider usage for one pipeline run.
type CostReport struct {
	Currency    string               `json:"currency"`
	TotalAmount float64              `json:"total_amount"`
	TotalUsage  adapter.Usage        `json:"total_usage"`
	Calls       []adapter.CallReport `json:"calls,omitempty"`
	MaxAmount   float64              `json:"max_amount,omitempty"`
	Exceeded    bool                 `json:"exceeded,omitempty"`
}

// Tracker accumulates call reports and enforces an optional USD budget.
type Tracker struct {
	mu           sync.Mutex
	totalUsage   adapter.Usage
	totalAmount  float64
	calls        []adapter.CallReport
	maxBudgetUSD float64
	exceeded     bool
}

// NewTracker creates a tracker; a budget of zero disables enforcement.
func NewTracker(maxBudgetUSD float64) *Tracker {
	return &Tracker{maxBudgetUSD: maxBudgetUSD}
}

// CheckBudget fails once recorded spend has reached the budget.
func (t *Tracker) CheckBudget() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.maxBudgetUSD <= 0 {
		return nil
	}
	if t.totalAmount >= t.maxBudgetUSD {
		t.exceeded = true
		return fmt.Errorf("budget %.2f exceeded (current total %.4f)", t.maxBudgetUSD, t.totalAmount)
	}
	return nil
}

// Record adds call reports. Failed calls are kept for the report but cost nothing.
func (t *Tracker) Record(reports []adapter.CallReport) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, report := range reports {
		t.calls = append(t.calls, report)
		if report.Error != "" {
			continue
		}
		t.totalAmount += report.Cost.Amount
		t.totalUsage = addUsage(t.totalUsage, report.Usage)
	}
}

// Report snapshots the totals.
func (t *Tracker) Report() *CostReport {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	calls := make([]adapter.CallReport, len(t.calls))
	copy(calls, t.calls)
	return &CostReport{
		Currency:    "USD",
		TotalAmount: t.totalAmount,
		TotalUsage:  t.totalUsage,
		Calls:       calls,
		MaxAmount:   t.maxBudgetUSD,
		Exceeded:    t.exceeded,
	}
}

func normalizeUsage(u *adapter.Usage) adapter.Usage {
	if u == nil {
		return adapter.Usage{}
	}
	usage := *u
	if usage.TotalTokens == 0 && (usage.PromptTokens > 0 || usage.CompletionTokens > 0) {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return usage
}

func estimateCost(pricing config.PricingConfig, adapterName, model string, usage adapter.Usage) (adapter.Cost, bool) {
	entry, ok := pricingFor(pricing, adapterName, model)
	if !ok {
		return adapter.Cost{Currency: "USD"}, false
	}

	promptCost := (float64(usage.PromptTokens) / 1000.0) * entry.PromptPer1K
	completionCost := (float64(usage.CompletionTokens) / 1000.0) * entry.CompletionPer1K
	return adapter.Cost{
		Currency:     "USD",
		Amount:       promptCost + completionCost,
		IsEstimate:   true,
		PricingModel: "per_1k_tokens",
	}, true
}

func pricingFor(pricing config.PricingConfig, adapterName, model string) (config.ModelPricing, bool) {
	if pricing == nil {
		return config.ModelPricing{}, false
	}
	if adapterPricing, ok := pricing[adapterName]; ok {
		if entry, ok := adapterPricing[model]; ok {
			return entry, true
		}
		if entry, ok := adapterPricing["default"]; ok {
			return entry, true
		}
	}
	return config.ModelPricing{}, false
}

func addUsage(a adapter.Usage, b adapter.Usage) adapter.Usage {
	return adapter.Usage{
		PromptTokens:     a.PromptTokens + b.PromptTokens,
		CompletionTokens: a.CompletionTokens + b.CompletionTokens,
		TotalTokens:      a.TotalTokens + b.TotalTokens,
	}
}
