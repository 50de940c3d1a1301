package thread

import (
	"context"
	"log/slog"
	"strings"

	"threadflow/pkg/contextmgr"
	"threadflow/pkg/store"
	"threadflow/pkg/tokens"
)

// budgetDecision is the outcome of the token budget fast path. The zero value
// means "no decision": compression runs with a full recount as usual.
type budgetDecision struct {
	skipCompression  bool
	forceCompression bool
	estimate         int
}

type usageSnapshot struct {
	Model string `json:"model"`
	Usage *struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// checkTokenBudget estimates the next request's prompt size from the previous
// turn's recorded usage instead of recounting the whole history. The estimate
// is previous total tokens plus the tokens of whatever was appended since:
// the latest user message on a fresh run, nothing on a continuation. Any
// missing data, model mismatch, or store failure yields the zero decision so
// the slow path takes over.
func (m *Manager) checkTokenBudget(ctx context.Context, opts RunOptions, state *AutoContinueState) budgetDecision {
	rec, err := m.store.LatestByType(ctx, opts.ThreadID, store.TypeLLMResponseEnd)
	if err != nil || rec == nil {
		return budgetDecision{}
	}

	var snap usageSnapshot
	if uerr := json.Unmarshal([]byte(rec.Content), &snap); uerr != nil {
		slog.DebugContext(ctx, "unparseable usage record, falling back to full count",
			"thread_id", opts.ThreadID, "error", uerr)
		return budgetDecision{}
	}
	if snap.Usage == nil || snap.Usage.TotalTokens <= 0 {
		return budgetDecision{}
	}
	if normalizeModelName(snap.Model) != normalizeModelName(opts.Model) {
		return budgetDecision{}
	}

	contribution := 0
	if state.Count == 0 {
		text := opts.LatestUserContent
		if text == "" {
			userRec, uerr := m.store.LatestByType(ctx, opts.ThreadID, store.TypeUser)
			if uerr != nil {
				return budgetDecision{}
			}
			if userRec != nil {
				text = recordText(userRec)
			}
		}
		if text != "" {
			contribution = m.counter.Count(opts.Model, text)
		}
	}

	estimate := snap.Usage.TotalTokens + contribution
	threshold := contextmgr.Threshold(tokens.ContextWindow(opts.Model))

	if estimate < threshold {
		slog.DebugContext(ctx, "token budget fast path: under threshold, skipping compression",
			"thread_id", opts.ThreadID, "estimate", estimate, "threshold", threshold)
		return budgetDecision{skipCompression: true, estimate: estimate}
	}
	slog.InfoContext(ctx, "token budget fast path: over threshold, forcing compression",
		"thread_id", opts.ThreadID, "estimate", estimate, "threshold", threshold)
	return budgetDecision{forceCompression: true, estimate: estimate}
}

// normalizeModelName strips any vendor routing prefix so logically identical
// models compare equal.
func normalizeModelName(model string) string {
	if idx := strings.LastIndex(model, "/"); idx >= 0 {
		return model[idx+1:]
	}
	return model
}

// recordText extracts the user-visible text of a stored record for counting.
func recordText(rec *store.Record) string {
	raw := []byte(rec.Content)
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var obj struct {
		Content any `json:"content"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return string(raw)
	}
	switch c := obj.Content.(type) {
	case string:
		return c
	case []any:
		var b strings.Builder
		for _, block := range c {
			if bm, ok := block.(map[string]any); ok {
				if t, ok := bm["text"].(string); ok {
					b.WriteString(t)
				}
			}
		}
		return b.String()
	default:
		return string(raw)
	}
}
