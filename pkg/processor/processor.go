package processor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"threadflow/pkg/llm"
	"threadflow/pkg/store"
	"threadflow/pkg/tools"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config holds the recognized response-processing options.
type Config struct {
	// ExecuteTools runs tool calls through the registry and records their
	// results; when false, calls are surfaced but not executed.
	ExecuteTools bool

	// MaxXMLToolCalls caps textual (non-native) tool-call syntax per
	// attempt; 0 means unlimited. Reaching the cap stops continuation.
	MaxXMLToolCalls int

	// ToolChoice is forwarded to the gateway call.
	ToolChoice string

	// ShowThinking forwards thinking deltas to the caller as content.
	ShowThinking bool

	// ContinuationPrefix is partial assistant text carried over from an
	// earlier length-truncated attempt. It is prepended when the completed
	// message is persisted so the record holds the stitched whole, but it
	// is never re-emitted as chunks.
	ContinuationPrefix string
}

// Appender is the slice of the thread store the processor writes through.
type Appender interface {
	AppendMessage(ctx context.Context, threadID, msgType string, content any, isLLM bool, metadata map[string]any) (*store.Record, error)
}

// Result is the outcome of one non-streaming attempt.
type Result struct {
	Message       llm.Message
	FinishReason  string
	ToolsExecuted bool
	Usage         *llm.Usage
}

// Processor normalizes gateway responses into chunks.
type Processor struct {
	registry *tools.Registry
	store    Appender
	buffer   int
}

// New builds a Processor. registry may be nil when tools are disabled.
func New(registry *tools.Registry, st Appender, buffer int) *Processor {
	if buffer <= 0 {
		buffer = 100
	}
	return &Processor{registry: registry, store: st, buffer: buffer}
}

// xmlToolCallMarker is the opening tag of textual tool-call syntax; counted
// against Config.MaxXMLToolCalls.
const xmlToolCallMarker = "<tool_call"

// ProcessStream consumes a live gateway stream and emits the outward chunk
// sequence: content deltas, tool execution statuses, and one terminal finish
// status. Output ends early without the finish status when ctx is cancelled.
func (p *Processor) ProcessStream(ctx context.Context, threadID, model string, resp *llm.Response, cfg Config, estimatedTokens int) <-chan Chunk {
	out := make(chan Chunk, p.buffer)

	go func() {
		defer close(out)

		assistant := llm.Message{Role: "assistant"}
		finish := llm.FinishReasonStop
		var usage *llm.Usage
		var text strings.Builder
		streamErr := ""

	consume:
		for chunk := range resp.Stream {
			select {
			case <-ctx.Done():
				slog.InfoContext(ctx, "Stream consumption cancelled", "thread_id", threadID)
				return
			default:
			}

			if chunk.Error != "" {
				streamErr = chunk.Error
				out <- NewErrorChunk(chunk.Error)
				if chunk.IsFinal {
					break consume
				}
				continue
			}

			for _, block := range chunk.ContentBlocks {
				assistant.AddContentBlock(block)
				switch block.Type {
				case llm.BlockTypeText:
					text.WriteString(block.Text)
					out <- NewContentChunk(block.Text)
				case llm.BlockTypeThinking:
					if cfg.ShowThinking {
						out <- NewContentChunk(block.Text)
					}
				}
			}

			if len(chunk.ToolCalls) > 0 {
				assistant.ToolCalls = append(assistant.ToolCalls, chunk.ToolCalls...)
			}
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
			if chunk.IsFinal {
				if chunk.FinishReason != "" {
					finish = chunk.FinishReason
				}
				break consume
			}
		}

		if streamErr != "" && text.Len() == 0 && len(assistant.ToolCalls) == 0 {
			// Nothing usable arrived; error chunk already emitted.
			return
		}

		if cfg.MaxXMLToolCalls > 0 &&
			strings.Count(text.String(), xmlToolCallMarker) >= cfg.MaxXMLToolCalls {
			finish = llm.FinishReasonXMLToolLimit
		}

		if len(assistant.ToolCalls) > 0 && finish == llm.FinishReasonStop {
			finish = llm.FinishReasonToolCalls
		}

		// A length-truncated attempt is not durably recorded; the loop
		// carries its text into the next attempt and the eventual
		// completed message is persisted stitched together.
		if finish != llm.FinishReasonLength {
			p.persistAssistant(ctx, threadID, &assistant, cfg.ContinuationPrefix)
		}

		toolsExecuted := false
		if cfg.ExecuteTools && finish != llm.FinishReasonXMLToolLimit && len(assistant.ToolCalls) > 0 {
			toolsExecuted = p.executeToolCalls(ctx, threadID, assistant.ToolCalls, out)
		}

		p.persistUsage(ctx, threadID, model, usage, estimatedTokens)

		out <- NewFinishChunk(finish, toolsExecuted)
	}()

	return out
}

// ProcessBatch handles a fully materialized gateway response.
func (p *Processor) ProcessBatch(ctx context.Context, threadID, model string, resp *llm.Response, cfg Config, estimatedTokens int) (*Result, error) {
	if resp.Message == nil {
		return nil, fmt.Errorf("batch response carries no message")
	}

	assistant := *resp.Message
	assistant.Role = "assistant"

	finish := resp.FinishReason
	if finish == "" {
		finish = llm.FinishReasonStop
	}
	if cfg.MaxXMLToolCalls > 0 &&
		strings.Count(assistant.GetTextContent(), xmlToolCallMarker) >= cfg.MaxXMLToolCalls {
		finish = llm.FinishReasonXMLToolLimit
	}
	if len(assistant.ToolCalls) > 0 && finish == llm.FinishReasonStop {
		finish = llm.FinishReasonToolCalls
	}

	if finish != llm.FinishReasonLength {
		p.persistAssistant(ctx, threadID, &assistant, cfg.ContinuationPrefix)
	}

	toolsExecuted := false
	if cfg.ExecuteTools && finish != llm.FinishReasonXMLToolLimit && len(assistant.ToolCalls) > 0 {
		toolsExecuted = p.executeToolCalls(ctx, threadID, assistant.ToolCalls, nil)
	}

	p.persistUsage(ctx, threadID, model, resp.Usage, estimatedTokens)

	return &Result{
		Message:       assistant,
		FinishReason:  finish,
		ToolsExecuted: toolsExecuted,
		Usage:         resp.Usage,
	}, nil
}

func (p *Processor) persistAssistant(ctx context.Context, threadID string, assistant *llm.Message, prefix string) {
	if p.store == nil || (len(assistant.Content) == 0 && len(assistant.ToolCalls) == 0 && prefix == "") {
		return
	}
	if prefix != "" {
		assistant.Content = append([]llm.ContentBlock{llm.NewTextBlock(prefix)}, assistant.Content...)
	}
	rec, err := p.store.AppendMessage(ctx, threadID, store.TypeAssistant, assistant, true, nil)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to persist assistant message", "thread_id", threadID, "error", err)
		return
	}
	assistant.ID = rec.ID
}

// persistUsage records the turn's token accounting; the record append also
// triggers billing inside the store.
func (p *Processor) persistUsage(ctx context.Context, threadID, model string, usage *llm.Usage, estimatedTokens int) {
	if p.store == nil {
		return
	}

	metadata := map[string]any(nil)
	if usage == nil {
		if estimatedTokens <= 0 {
			return
		}
		// Provider reported nothing; fall back to the budget estimate.
		usage = &llm.Usage{TotalTokens: estimatedTokens, PromptTokens: estimatedTokens}
		metadata = map[string]any{"estimated": true}
	}

	content := map[string]any{
		"model": model,
		"usage": usage,
	}
	if _, err := p.store.AppendMessage(ctx, threadID, store.TypeLLMResponseEnd, content, false, metadata); err != nil {
		slog.ErrorContext(ctx, "Failed to persist usage record", "thread_id", threadID, "error", err)
	}
}

// executeToolCalls runs every call, records a tool message for each, and
// emits execution statuses when out is non-nil. Every call resolves to a
// recorded result, even on panic.
func (p *Processor) executeToolCalls(ctx context.Context, threadID string, calls []llm.ToolCall, out chan<- Chunk) bool {
	executed := false
	for _, tc := range calls {
		if ctx.Err() != nil {
			return executed
		}

		if out != nil {
			out <- Chunk{Kind: KindStatus, Status: &Status{
				StatusType: StatusToolStarted, ToolName: tc.Name, ToolCallID: tc.ID,
			}}
		}

		resultText := p.resolveToolCall(ctx, tc)

		toolMsg := llm.NewToolMessage(tc.ID, tc.Name, resultText)
		if p.store != nil {
			if _, err := p.store.AppendMessage(ctx, threadID, store.TypeTool, &toolMsg, true, map[string]any{
				"tool_call_id": tc.ID,
			}); err != nil {
				slog.ErrorContext(ctx, "Failed to persist tool result", "thread_id", threadID, "tool", tc.Name, "error", err)
			}
		}
		executed = true

		if out != nil {
			out <- Chunk{Kind: KindStatus, Status: &Status{
				StatusType: StatusToolCompleted, ToolName: tc.Name, ToolCallID: tc.ID,
			}}
		}
	}
	return executed
}

// resolveToolCall executes one call and always produces a result string,
// even if the tool is unknown, its arguments are malformed, or it panics.
func (p *Processor) resolveToolCall(ctx context.Context, tc llm.ToolCall) (result string) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "Tool execution panicked", "tool", tc.Name, "error", r)
			result = "Error: internal processing panic"
		}
	}()

	cleanName := strings.TrimPrefix(tc.Name, "functions.")

	if p.registry == nil {
		return fmt.Sprintf("Error: unknown tool '%s'", tc.Name)
	}
	tool, ok := p.registry.Get(cleanName)
	if !ok {
		slog.ErrorContext(ctx, "Unknown tool call", "name", tc.Name, "clean_name", cleanName)
		return fmt.Sprintf("Error: unknown tool '%s'", tc.Name)
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
		slog.ErrorContext(ctx, "Failed to parse tool args", "tool", tc.Name, "error", err)
		return fmt.Sprintf("Error: failed to parse tool arguments: %v", err)
	}

	slog.InfoContext(ctx, "Executing tool", "name", cleanName)
	res, err := tool.Execute(ctx, args)
	if err != nil {
		slog.ErrorContext(ctx, "Tool execution error", "name", cleanName, "error", err)
		return fmt.Sprintf("Error: tool execution failed: %v", err)
	}
	return res.Content
}
