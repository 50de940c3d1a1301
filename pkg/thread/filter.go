package thread

import (
	"context"
	"log/slog"
	"regexp"

	"threadflow/pkg/llm"
)

// embeddedToolResultPatterns spot user-role text that is really a tool result
// flattened into prose by an earlier compression pass. Some provider backends
// reject histories where such text appears without a matching tool call, so
// these messages are removed outright.
var embeddedToolResultPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*Tool:\s*\{`),
	regexp.MustCompile(`\{\s*"query"\s*:\s*"[^"]*"\s*,\s*"follow_up_questions"`),
	regexp.MustCompile(`"tool_execution"\s*:`),
	regexp.MustCompile(`"tool_result"\s*:`),
	regexp.MustCompile(`toolUseId\s*[:=]`),
	regexp.MustCompile(`(?i)\[Tool output (removed|compressed)`),
	regexp.MustCompile(`"tool_call_id"\s*:\s*"tooluse_`),
}

// filterToolPairing enforces the pairing rules providers require between tool
// calls and tool results. A tool result is kept only when the immediately
// preceding assistant message issued its call id, and user messages carrying
// orphaned embedded tool results are dropped. Cache-marked user messages are
// exempt. If filtering would leave no conversational messages at all, the
// most recent user message is reinstated so the request stays sendable.
func filterToolPairing(ctx context.Context, msgs []llm.Message, stage string) []llm.Message {
	filtered := make([]llm.Message, 0, len(msgs))
	pending := make(map[string]struct{})

	for _, msg := range msgs {
		switch msg.Role {
		case "assistant":
			pending = make(map[string]struct{})
			for _, tc := range msg.ToolCalls {
				if tc.ID != "" {
					pending[tc.ID] = struct{}{}
				}
			}
			filtered = append(filtered, msg)
		case "tool":
			if _, ok := pending[msg.ToolCallID]; ok {
				delete(pending, msg.ToolCallID)
				filtered = append(filtered, msg)
				continue
			}
			slog.DebugContext(ctx, "dropping orphaned tool result",
				"stage", stage, "tool_call_id", msg.ToolCallID, "message_id", msg.ID)
		case "user":
			if msg.HasCacheMarker() {
				filtered = append(filtered, msg)
				continue
			}
			if hasEmbeddedToolResult(msg) {
				slog.DebugContext(ctx, "dropping user message with embedded tool result",
					"stage", stage, "message_id", msg.ID, "pending_tool_calls", len(pending))
				continue
			}
			filtered = append(filtered, msg)
		default:
			filtered = append(filtered, msg)
		}
	}

	if len(msgs) > 0 && countNonSystem(filtered) == 0 {
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Role == "user" {
				slog.WarnContext(ctx, "filtering removed all messages, reinstating last user message",
					"stage", stage, "message_id", msgs[i].ID)
				filtered = append(filtered, msgs[i])
				break
			}
		}
	}
	return filtered
}

func hasEmbeddedToolResult(msg llm.Message) bool {
	text := msg.GetTextContent()
	if text == "" {
		return false
	}
	for _, re := range embeddedToolResultPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func countNonSystem(msgs []llm.Message) int {
	n := 0
	for _, msg := range msgs {
		if msg.Role != "system" {
			n++
		}
	}
	return n
}
