package completion

import (
	"testing"

	"github.com/IM-26-AI/QueryMind/pkg/adapter"
	"github.com/IM-26-AI/QueryMind/pkg/config"
)

func TestEstimateCostUsesModelThenDefault(t *testing.T) {
	pricing := config.PricingConfig{
		"openai": {
			"gpt-4o":  {PromptPer1K: 0.005, CompletionPer1K: 0.015},
			"default": {PromptPer1K: 0.001, CompletionPer1K: 0.002},
		},
	}
	usage := adapter.Usage{PromptTokens: 2000, CompletionTokens: 1000}

	cost, ok := estimateCost(pricing, "openai", "gpt-4o", usage)
	if !ok || cost.Amount < 0.0249 || cost.Amount > 0.0251 {
		t.Fatalf("unexpected model cost %+v", cost)
	}

	cost, ok = estimateCost(pricing, "openai", "other", usage)
	if !ok || cost.Amount < 0.0039 || cost.Amount > 0.0041 {
		t.Fatalf("unexpected default cost %+v", cost)
	}

	if _, ok := estimateCost(pricing, "anthropic", "x", usage); ok {
		t.Fatal("expected no pricing for unknown adapter")
	}
}

func TestTrackerBudget(t *testing.T) {
	tracker := NewTracker(0.05)
	if err := tracker.CheckBudget(); err != nil {
		t.Fatalf("unexpected budget error: %v", err)
	}

	tracker.Record([]adapter.CallReport{
		{Adapter: "a", Cost: adapter.Cost{Amount: 0.03}, Usage: adapter.Usage{TotalTokens: 10}},
		{Adapter: "a", Cost: adapter.Cost{Amount: 9}, Error: "failed"},
	})
	if err := tracker.CheckBudget(); err != nil {
		t.Fatalf("failed calls must not count against budget: %v", err)
	}

	tracker.Record([]adapter.CallReport{{Adapter: "a", Cost: adapter.Cost{Amount: 0.03}}})
	if err := tracker.CheckBudget(); err == nil {
		t.Fatal("expected budget error")
	}

	report := tracker.Report()
	if !report.Exceeded || len(report.Calls) != 3 || report.TotalUsage.TotalTokens != 10 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestNilTrackerIsNoop(t *testing.T) {
	var tracker *Tracker
	tracker.Record([]adapter.CallReport{{Adapter: "a"}})
	if err := tracker.CheckBudget(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tracker.Report() != nil {
		t.Fatal("expected nil report")
	}
}
