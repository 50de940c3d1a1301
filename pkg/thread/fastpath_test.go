package thread

import (
	"context"
	"testing"

	"threadflow/pkg/store"
)

func usageRecord(t *testing.T, model string, totalTokens int) *store.Record {
	t.Helper()
	content := map[string]any{
		"model": model,
		"usage": map[string]any{"total_tokens": totalTokens},
	}
	b, err := json.Marshal(content)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &store.Record{ID: "usage1", Type: store.TypeLLMResponseEnd, Content: b}
}

func fastpathManager(st Store) *Manager {
	return NewManager(st, &fakeGateway{}, passthroughCompressor{}, &fakeProcessor{}, fakeCounter{}, testSysConfig())
}

func TestBudgetSkipsCompressionUnderThreshold(t *testing.T) {
	st := newFakeStore()
	st.latest[store.TypeLLMResponseEnd] = usageRecord(t, "gpt-4o", 10_000)

	m := fastpathManager(st)
	opts := baseOptions(true, 0)
	opts.Model = "gpt-4o" // 128k window, 112k threshold
	opts.LatestUserContent = "a short question"

	d := m.checkTokenBudget(context.Background(), opts, &AutoContinueState{})
	if !d.skipCompression || d.forceCompression {
		t.Fatalf("expected skip decision, got %+v", d)
	}
	want := 10_000 + len(opts.LatestUserContent)/4
	if d.estimate != want {
		t.Errorf("estimate = %d, want %d", d.estimate, want)
	}
}

func TestBudgetForcesCompressionOverThreshold(t *testing.T) {
	st := newFakeStore()
	st.latest[store.TypeLLMResponseEnd] = usageRecord(t, "gpt-4o", 120_000)

	m := fastpathManager(st)
	opts := baseOptions(true, 0)
	opts.Model = "gpt-4o"
	opts.LatestUserContent = "another question"

	d := m.checkTokenBudget(context.Background(), opts, &AutoContinueState{})
	if !d.forceCompression || d.skipCompression {
		t.Fatalf("expected force decision, got %+v", d)
	}
	if d.estimate <= 120_000 {
		t.Errorf("estimate should include the new message, got %d", d.estimate)
	}
}

func TestBudgetNoDecisionWithoutUsageRecord(t *testing.T) {
	m := fastpathManager(newFakeStore())
	d := m.checkTokenBudget(context.Background(), baseOptions(true, 0), &AutoContinueState{})
	if d != (budgetDecision{}) {
		t.Errorf("expected zero decision, got %+v", d)
	}
}

func TestBudgetNoDecisionOnModelMismatch(t *testing.T) {
	st := newFakeStore()
	st.latest[store.TypeLLMResponseEnd] = usageRecord(t, "gemini-2.5-pro", 10_000)

	m := fastpathManager(st)
	opts := baseOptions(true, 0)
	opts.Model = "gpt-4o"

	d := m.checkTokenBudget(context.Background(), opts, &AutoContinueState{})
	if d != (budgetDecision{}) {
		t.Errorf("expected zero decision on model switch, got %+v", d)
	}
}

func TestBudgetIgnoresVendorPrefixOnModelMatch(t *testing.T) {
	st := newFakeStore()
	st.latest[store.TypeLLMResponseEnd] = usageRecord(t, "claude-3-7-sonnet", 10_000)

	m := fastpathManager(st)
	opts := baseOptions(true, 0)
	opts.Model = "anthropic/claude-3-7-sonnet"
	opts.LatestUserContent = "hi"

	d := m.checkTokenBudget(context.Background(), opts, &AutoContinueState{})
	if !d.skipCompression {
		t.Errorf("vendor prefix must not break the model match, got %+v", d)
	}
}

func TestBudgetContinuationContributesNothing(t *testing.T) {
	st := newFakeStore()
	st.latest[store.TypeLLMResponseEnd] = usageRecord(t, "gpt-4o", 10_000)

	m := fastpathManager(st)
	opts := baseOptions(true, 0)
	opts.Model = "gpt-4o"
	opts.LatestUserContent = "should not be counted on continuation"

	d := m.checkTokenBudget(context.Background(), opts, &AutoContinueState{Count: 2})
	if d.estimate != 10_000 {
		t.Errorf("continuation estimate = %d, want 10000", d.estimate)
	}
}

func TestBudgetFallsBackToStoredUserMessage(t *testing.T) {
	st := newFakeStore()
	st.latest[store.TypeLLMResponseEnd] = usageRecord(t, "gpt-4o", 10_000)
	rec := userRecord(t, "u9", "stored user text")
	st.latest[store.TypeUser] = &rec

	m := fastpathManager(st)
	opts := baseOptions(true, 0)
	opts.Model = "gpt-4o"

	d := m.checkTokenBudget(context.Background(), opts, &AutoContinueState{})
	want := 10_000 + len("stored user text")/4
	if d.estimate != want {
		t.Errorf("estimate = %d, want %d", d.estimate, want)
	}
}
