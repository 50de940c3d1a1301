package monitor

import (
	"log/slog"
	"time"

	"threadflow/pkg/llm"
)

// Generation is the snapshot handed to the tracer before each gateway call:
// the final prepared payload plus the call parameters.
type Generation struct {
	RunID       string
	ThreadID    string
	Model       string
	Temperature float64
	MaxTokens   int
	ToolChoice  string
	ToolCount   int
	Messages    []llm.Message
	StartedAt   time.Time
}

// Tracer receives call snapshots. Implementations must be cheap; callers
// swallow any failure, so a broken tracer never affects a run.
type Tracer interface {
	UpdateGeneration(gen Generation) error
}

// LogTracer writes generation snapshots to the structured log.
type LogTracer struct{}

func (LogTracer) UpdateGeneration(gen Generation) error {
	slog.Debug("Generation updated",
		"run_id", gen.RunID,
		"thread_id", gen.ThreadID,
		"model", gen.Model,
		"temperature", gen.Temperature,
		"max_tokens", gen.MaxTokens,
		"tool_choice", gen.ToolChoice,
		"tools", gen.ToolCount,
		"messages", len(gen.Messages),
	)
	return nil
}

// NopTracer discards all snapshots.
type NopTracer struct{}

func (NopTracer) UpdateGeneration(Generation) error { return nil }
