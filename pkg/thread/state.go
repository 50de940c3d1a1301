package thread

import (
	"threadflow/pkg/errproc"
	"threadflow/pkg/processor"
)

// AutoContinueState tracks one run's continuation progress. It is owned
// exclusively by a single RunThread invocation for its lifetime; callers must
// serialize concurrent invocations against the same thread themselves.
type AutoContinueState struct {
	// Count is the number of continuations consumed so far. It only grows
	// and never exceeds the configured maximum within one invocation.
	Count int

	// Active is reset at the top of each loop iteration and re-armed by a
	// continuation trigger.
	Active bool

	// AccumulatedContent is the partial assistant output carried into the
	// next attempt as a synthetic assistant prefix after a length
	// truncation.
	AccumulatedContent string

	// RunID identifies this invocation in logs and debug output.
	RunID string
}

// RunResult is the closed outcome variant of one run: exactly one of
// Completed, Stream, or Err is set.
type RunResult struct {
	// Completed is the single materialized result of a non-streaming run.
	Completed *processor.Result

	// Stream is the lazy outward chunk sequence of a streaming or
	// auto-continuing run.
	Stream <-chan processor.Chunk

	// Err is the structured failure status.
	Err *errproc.Error
}
