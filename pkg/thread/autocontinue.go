package thread

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"threadflow/pkg/errproc"
	"threadflow/pkg/llm"
	"threadflow/pkg/processor"
)

var modelDateSuffixRegex = regexp.MustCompile(`-20\d{6}$`)

// fallbackModel rewrites a model identifier onto the alternate routing path
// used once per run when the primary provider reports overload. Versioned
// date suffixes are dropped since the alternate router names bare models.
func fallbackModel(model string) string {
	base := modelDateSuffixRegex.ReplaceAllString(normalizeModelName(model), "")
	return "openrouter/" + base
}

// autoContinue drives repeated attempts against the thread until no
// continuation trigger fires, the continuation budget is exhausted, or the
// context is cancelled. Chunks from each attempt are forwarded outward as
// they arrive, with purely internal length truncations suppressed.
func (m *Manager) autoContinue(ctx context.Context, opts RunOptions, state *AutoContinueState) <-chan processor.Chunk {
	out := make(chan processor.Chunk, m.sysCfg.InternalChannelBuffer)

	go func() {
		defer close(out)

		model := opts.Model
		overloadRetried := false

		for state.Active && state.Count < opts.MaxAutoContinues {
			state.Active = false
			if ctx.Err() != nil {
				slog.InfoContext(ctx, "run cancelled before attempt",
					"thread_id", opts.ThreadID, "continue_count", state.Count)
				return
			}

			attempt := opts
			attempt.Model = model
			if state.Count > 0 {
				attempt.TemporaryMessage = nil
				attempt.LatestUserContent = ""
			}

			res := m.executeRun(ctx, attempt, state)

			if res.Err != nil {
				if res.Err.Kind == errproc.KindOverload && !overloadRetried {
					fallback := fallbackModel(model)
					slog.WarnContext(ctx, "provider overloaded, retrying on fallback model",
						"thread_id", opts.ThreadID, "model", model, "fallback_model", fallback)
					model = fallback
					overloadRetried = true
					state.Active = true
					continue
				}
				out <- processor.NewErrorChunk(res.Err.Error())
				return
			}

			chunks := res.Stream
			if chunks == nil {
				chunks = resultChunks(res.Completed)
			}

			var attemptContent strings.Builder
			lengthTruncated := false
			for chunk := range chunks {
				if ctx.Err() != nil {
					slog.InfoContext(ctx, "run cancelled mid-stream",
						"thread_id", opts.ThreadID, "continue_count", state.Count)
					return
				}
				if chunk.Kind == processor.KindContent {
					attemptContent.WriteString(chunk.Content)
				}
				fired := evaluateTrigger(chunk, state, opts.MaxAutoContinues)
				if fired && chunk.Status != nil && chunk.Status.FinishReason == llm.FinishReasonLength {
					lengthTruncated = true
				}
				if fired && suppressChunk(chunk) {
					continue
				}
				out <- chunk
			}

			if lengthTruncated {
				state.AccumulatedContent += attemptContent.String()
			} else {
				state.AccumulatedContent = ""
			}
		}

		if state.Active && state.Count >= opts.MaxAutoContinues {
			slog.WarnContext(ctx, "auto-continue limit reached",
				"thread_id", opts.ThreadID, "max_auto_continues", opts.MaxAutoContinues)
			out <- processor.NewContentChunk(fmt.Sprintf(
				"\n[Agent reached maximum auto-continue limit of %d]", opts.MaxAutoContinues))
		}
	}()

	return out
}

// resultChunks replays a materialized result as the chunk sequence a stream
// would have produced, so batch attempts share the trigger logic.
func resultChunks(res *processor.Result) <-chan processor.Chunk {
	ch := make(chan processor.Chunk, 2)
	if res != nil {
		if text := res.Message.GetTextContent(); text != "" {
			ch <- processor.NewContentChunk(text)
		}
		ch <- processor.NewFinishChunk(res.FinishReason, res.ToolsExecuted)
	}
	close(ch)
	return ch
}
