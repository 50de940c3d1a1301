// Package contextmgr reduces a message set to fit a model's token budget.
//
// Compression is deliberately lossy and marker-based: elided tool outputs are
// replaced with a literal marker the consistency filter recognizes, so a
// compressed transcript never smuggles unmatched tool results past it.
package contextmgr

import (
	"context"
	"fmt"
	"log/slog"

	"threadflow/pkg/llm"
	"threadflow/pkg/tokens"
)

// ElidedToolOutput replaces tool output removed during compression.
const ElidedToolOutput = "[Tool output removed for context compression]"

// Threshold returns the usable token budget for a context window: the
// window minus a reserve scaled by window size.
func Threshold(contextWindow int) int {
	switch {
	case contextWindow >= 1_000_000:
		return contextWindow - 300_000
	case contextWindow >= 400_000:
		return contextWindow - 64_000
	case contextWindow >= 200_000:
		return contextWindow - 32_000
	case contextWindow >= 100_000:
		return contextWindow - 16_000
	default:
		return int(float64(contextWindow) * 0.84)
	}
}

// Manager implements the compression strategy.
type Manager struct {
	counter *tokens.Counter

	// KeepRecentCount messages at the tail are never elided.
	KeepRecentCount int

	// MaxMessageTokens middle-truncates any single oversized message.
	MaxMessageTokens int
}

// NewManager builds a Manager with the given recency window.
func NewManager(counter *tokens.Counter, keepRecent int) *Manager {
	if keepRecent <= 0 {
		keepRecent = 10
	}
	return &Manager{
		counter:          counter,
		KeepRecentCount:  keepRecent,
		MaxMessageTokens: 4000,
	}
}

// Compress returns msgs reduced to fit ceiling tokens for model, and whether
// anything changed. A non-positive ceiling derives the budget from the
// model's context window. knownTokens, when positive, skips the initial
// recount.
func (m *Manager) Compress(ctx context.Context, msgs []llm.Message, model string, ceiling, knownTokens int) ([]llm.Message, bool, error) {
	if len(msgs) == 0 {
		return msgs, false, nil
	}

	if ceiling <= 0 {
		ceiling = Threshold(tokens.ContextWindow(model))
	}

	total := knownTokens
	if total <= 0 {
		total = m.counter.CountMessages(model, msgs)
	}

	if total < ceiling {
		return msgs, false, nil
	}

	slog.InfoContext(ctx, "Compressing context",
		"messages", len(msgs), "tokens", total, "ceiling", ceiling)

	out := make([]llm.Message, len(msgs))
	copy(out, msgs)
	changed := false

	keepFrom := len(out) - m.KeepRecentCount
	if keepFrom < 0 {
		keepFrom = 0
	}

	// Pass 1: elide tool outputs outside the recency window.
	for i := 0; i < keepFrom; i++ {
		if out[i].Role != "tool" {
			continue
		}
		if out[i].GetTextContent() == ElidedToolOutput {
			continue
		}
		elided := out[i]
		elided.Content = []llm.ContentBlock{llm.NewTextBlock(ElidedToolOutput)}
		out[i] = elided
		changed = true
	}

	total = m.counter.CountMessages(model, out)
	if total < ceiling {
		return out, changed, nil
	}

	// Pass 2: middle-truncate oversized messages outside the window.
	for i := 0; i < keepFrom && total >= ceiling; i++ {
		text := out[i].GetTextContent()
		count := m.counter.Count(model, text)
		if count <= m.MaxMessageTokens {
			continue
		}
		truncated := truncateMiddle(text, m.MaxMessageTokens*4)
		reduced := out[i]
		reduced.Content = []llm.ContentBlock{llm.NewTextBlock(truncated)}
		out[i] = reduced
		changed = true
		total -= count - m.counter.Count(model, truncated)
	}

	if total < ceiling {
		return out, changed, nil
	}

	// Pass 3: drop the oldest messages until under budget or only the
	// recency window remains.
	drop := 0
	for drop < keepFrom && total >= ceiling {
		total -= m.counter.CountMessages(model, out[drop:drop+1])
		drop++
	}
	if drop > 0 {
		out = out[drop:]
		changed = true
	}

	if total >= ceiling {
		slog.WarnContext(ctx, "Context still over budget after compression",
			"tokens", total, "ceiling", ceiling, "messages", len(out))
	}

	return out, changed, nil
}

// truncateMiddle keeps the head and tail of s, eliding the middle.
func truncateMiddle(s string, maxLen int) string {
	if len(s) <= maxLen || maxLen < 64 {
		return s
	}
	half := maxLen / 2
	removed := len(s) - maxLen
	return s[:half] + fmt.Sprintf("\n... [%d chars truncated] ...\n", removed) + s[len(s)-half:]
}
