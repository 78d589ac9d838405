package planner

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// completerFunc adapts a function to llm.Completer for tests.
type completerFunc func(ctx context.Context, prompt string) (string, error)

func (f completerFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

func TestPlanParsesModelOutput(t *testing.T) {
	response := `[
		{"text": "Ever Given IMO number", "purpose": "identification", "priority": "high"},
		{"text": "Ever Given owner", "purpose": "ownership", "priority": "medium"}
	]`
	p := New(completerFunc(func(context.Context, string) (string, error) {
		return response, nil
	}), 10, nil)

	plan := p.Plan(context.Background(), "Ever Given", "")
	if plan.Strategy != "llm" {
		t.Fatalf("strategy = %q, want llm", plan.Strategy)
	}
	if len(plan.SubQueries) != 2 {
		t.Fatalf("got %d sub-queries, want 2", len(plan.SubQueries))
	}
	if plan.SubQueries[0].Priority != PriorityHigh {
		t.Errorf("first priority = %q, want high", plan.SubQueries[0].Priority)
	}
}

func TestPlanStripsMarkdownFences(t *testing.T) {
	response := "```json\n[{\"text\": \"q1\", \"purpose\": \"p\", \"priority\": \"high\"}]\n```"
	p := New(completerFunc(func(context.Context, string) (string, error) {
		return response, nil
	}), 10, nil)

	plan := p.Plan(context.Background(), "query", "")
	if plan.Strategy != "llm" || len(plan.SubQueries) != 1 {
		t.Errorf("fenced JSON not parsed: %+v", plan)
	}
}

func TestPlanRepairsMalformedJSON(t *testing.T) {
	// Trailing comma and unquoted key, typical model damage.
	response := `[{"text": "q1", "purpose": "p", "priority": "high",}]`
	p := New(completerFunc(func(context.Context, string) (string, error) {
		return response, nil
	}), 10, nil)

	plan := p.Plan(context.Background(), "query", "")
	if plan.Strategy != "llm" || len(plan.SubQueries) != 1 {
		t.Errorf("repairable JSON not parsed: %+v", plan)
	}
}

func TestPlanFallsBackOnGarbage(t *testing.T) {
	p := New(completerFunc(func(context.Context, string) (string, error) {
		return "I cannot answer that.", nil
	}), 10, nil)

	plan := p.Plan(context.Background(), "Ever Given", "container ship")
	if plan.Strategy != "template" {
		t.Fatalf("strategy = %q, want template", plan.Strategy)
	}
	if len(plan.SubQueries) == 0 {
		t.Fatal("template plan is empty")
	}
	for _, sq := range plan.SubQueries {
		if !strings.Contains(sq.Text, "Ever Given") {
			t.Errorf("template query %q lost the subject", sq.Text)
		}
	}
}

func TestPlanFallsBackOnError(t *testing.T) {
	p := New(completerFunc(func(context.Context, string) (string, error) {
		return "", errors.New("boom")
	}), 10, nil)
	plan := p.Plan(context.Background(), "query", "")
	if plan.Strategy != "template" {
		t.Errorf("strategy = %q, want template", plan.Strategy)
	}
}

func TestPlanNilCompleterUsesTemplates(t *testing.T) {
	p := New(nil, 10, nil)
	plan := p.Plan(context.Background(), "query", "")
	if plan.Strategy != "template" || len(plan.SubQueries) == 0 {
		t.Errorf("nil completer plan: %+v", plan)
	}
}

func TestInvalidPriorityNormalized(t *testing.T) {
	subs, err := parseSubQueries(`[{"text": "q", "purpose": "p", "priority": "urgent"}]`)
	if err != nil {
		t.Fatal(err)
	}
	if subs[0].Priority != PriorityMedium {
		t.Errorf("priority = %q, want medium default", subs[0].Priority)
	}
}

func TestBudgetStableSortAndTruncate(t *testing.T) {
	subs := []SubQuery{
		{Text: "low-a", Priority: PriorityLow},
		{Text: "high-a", Priority: PriorityHigh},
		{Text: "med-a", Priority: PriorityMedium},
		{Text: "high-b", Priority: PriorityHigh},
		{Text: "med-b", Priority: PriorityMedium},
	}
	got := Budget(subs, 4)
	want := []string{"high-a", "high-b", "med-a", "med-b"}
	if len(got) != len(want) {
		t.Fatalf("got %d entries, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Text != w {
			t.Errorf("Budget[%d] = %q, want %q (ties must keep input order)", i, got[i].Text, w)
		}
	}
}

func TestBudgetDoesNotMutateInput(t *testing.T) {
	subs := []SubQuery{
		{Text: "low", Priority: PriorityLow},
		{Text: "high", Priority: PriorityHigh},
	}
	Budget(subs, 10)
	if subs[0].Text != "low" {
		t.Error("Budget reordered its input slice")
	}
}

func TestPlanForGapsTemplates(t *testing.T) {
	p := New(nil, 10, nil)
	plan := p.PlanForGaps(context.Background(), "Ever Given", "", []string{"registry_source", "owner_mention"})
	if plan.Strategy != "template_gap" {
		t.Fatalf("strategy = %q, want template_gap", plan.Strategy)
	}
	if len(plan.SubQueries) != 4 {
		t.Fatalf("got %d sub-queries, want 4 (two per gap)", len(plan.SubQueries))
	}
	foundRegistry := false
	for _, sq := range plan.SubQueries {
		if strings.Contains(sq.Text, "Equasis") {
			foundRegistry = true
		}
	}
	if !foundRegistry {
		t.Error("registry gap produced no registry-targeted query")
	}
}

func TestPlanForGapsUnknownGap(t *testing.T) {
	p := New(nil, 10, nil)
	plan := p.PlanForGaps(context.Background(), "q", "", []string{"mystery_gap"})
	if len(plan.SubQueries) != 1 {
		t.Fatalf("got %d sub-queries, want 1 generic", len(plan.SubQueries))
	}
	if !strings.Contains(plan.SubQueries[0].Text, "mystery gap") {
		t.Errorf("generic gap query = %q", plan.SubQueries[0].Text)
	}
}

func TestPlanForGapsEmpty(t *testing.T) {
	p := New(nil, 10, nil)
	plan := p.PlanForGaps(context.Background(), "q", "", nil)
	if len(plan.SubQueries) != 0 {
		t.Errorf("empty gaps produced %d sub-queries", len(plan.SubQueries))
	}
}

func TestPlanRespectsBudget(t *testing.T) {
	var items []string
	for i := 0; i < 15; i++ {
		items = append(items, `{"text": "q`+string(rune('a'+i))+`", "purpose": "p", "priority": "low"}`)
	}
	response := "[" + strings.Join(items, ",") + "]"
	p := New(completerFunc(func(context.Context, string) (string, error) {
		return response, nil
	}), 10, nil)
	plan := p.Plan(context.Background(), "q", "")
	if len(plan.SubQueries) != 10 {
		t.Errorf("got %d sub-queries, want budget of 10", len(plan.SubQueries))
	}
}
