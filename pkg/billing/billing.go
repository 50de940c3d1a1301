// Package billing meters token usage per completed turn. Metering is
// strictly best-effort: a failed deduction is logged and never propagated
// into the conversation pipeline.
package billing

import (
	"context"
	"log/slog"
)

// UsageRecord is one completed turn's token accounting.
type UsageRecord struct {
	AccountID           string
	PromptTokens        int
	CompletionTokens    int
	Model               string
	MessageRef          string
	ThreadID            string
	CacheReadTokens     int
	CacheCreationTokens int
}

// Result reports the outcome of one metering call.
type Result struct {
	Success bool
	Cost    float64
}

// Reporter deducts usage from an account, once per completed turn.
type Reporter interface {
	Meter(ctx context.Context, rec UsageRecord) (Result, error)
}

// LogReporter logs usage without charging anything. It stands in wherever a
// real ledger integration is not configured.
type LogReporter struct {
	// PromptCostPerMillion / CompletionCostPerMillion price the estimate
	// in the log line; zero values log a zero cost.
	PromptCostPerMillion     float64
	CompletionCostPerMillion float64
}

func (r LogReporter) Meter(ctx context.Context, rec UsageRecord) (Result, error) {
	cost := float64(rec.PromptTokens)/1e6*r.PromptCostPerMillion +
		float64(rec.CompletionTokens)/1e6*r.CompletionCostPerMillion

	if rec.CacheReadTokens > 0 {
		hitPct := 0.0
		if rec.PromptTokens > 0 {
			hitPct = float64(rec.CacheReadTokens) / float64(rec.PromptTokens) * 100
		}
		slog.InfoContext(ctx, "Cache hit",
			"cache_read", rec.CacheReadTokens, "prompt", rec.PromptTokens, "hit_pct", hitPct)
	} else if rec.CacheCreationTokens > 0 {
		slog.InfoContext(ctx, "Cache write", "cache_creation", rec.CacheCreationTokens)
	}

	slog.InfoContext(ctx, "Metered usage",
		"account", rec.AccountID,
		"thread", rec.ThreadID,
		"model", rec.Model,
		"prompt", rec.PromptTokens,
		"completion", rec.CompletionTokens,
		"message_ref", rec.MessageRef,
		"cost", cost,
	)
	return Result{Success: true, Cost: cost}, nil
}
