package thread

import (
	"context"
	"log/slog"
	"regexp"

	"threadflow/pkg/llm"
	"threadflow/pkg/store"
)

var (
	toolCallIDRegex = regexp.MustCompile(`"tool_call_id"\s*:\s*"([^"]+)"`)
	toolNameRegex   = regexp.MustCompile(`"name"\s*:\s*"([^"]+)"`)
)

// normalizeRecords converts stored records into the uniform message shape the
// gateway consumes. Records whose metadata carries a compressed substitution
// use that text in place of the stored content. Structured content is parsed
// directly; string content is parsed as JSON when possible, and compressed
// text that no longer parses is rebuilt from the record type with tool
// linkage recovered from metadata or the text itself. Unparseable
// uncompressed records are dropped.
func normalizeRecords(ctx context.Context, recs []store.Record) []llm.Message {
	msgs := make([]llm.Message, 0, len(recs))
	for _, rec := range recs {
		compressed := false
		raw := []byte(rec.Content)
		if rec.Metadata != nil {
			if flag, ok := rec.Metadata["compressed"].(bool); ok && flag {
				if sub, ok := rec.Metadata["compressed_content"].(string); ok && sub != "" {
					compressed = true
					if msg, ok := normalizeText(ctx, sub, rec, compressed); ok {
						msgs = append(msgs, msg)
					}
					continue
				}
			}
		}

		var text string
		if err := json.Unmarshal(raw, &text); err == nil {
			if msg, ok := normalizeText(ctx, text, rec, compressed); ok {
				msgs = append(msgs, msg)
			}
			continue
		}

		var msg llm.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			slog.ErrorContext(ctx, "dropping unparseable structured message",
				"message_id", rec.ID, "type", rec.Type, "error", err)
			continue
		}
		msg.ID = rec.ID
		msgs = append(msgs, msg)
	}
	return msgs
}

// normalizeText handles string-typed record content. The string is usually a
// JSON-encoded message object; compressed text that has lost its structure is
// wrapped into a message reconstructed from the record type.
func normalizeText(ctx context.Context, text string, rec store.Record, compressed bool) (llm.Message, bool) {
	var msg llm.Message
	if err := json.Unmarshal([]byte(text), &msg); err == nil && msg.Role != "" {
		msg.ID = rec.ID
		return msg, true
	}

	if !compressed {
		slog.ErrorContext(ctx, "dropping unparseable message content",
			"message_id", rec.ID, "type", rec.Type)
		return llm.Message{}, false
	}

	role := roleForType(rec.Type)
	rebuilt := llm.Message{
		ID:      rec.ID,
		Role:    role,
		Content: []llm.ContentBlock{llm.NewTextBlock(text)},
	}
	if role == "tool" {
		if id, ok := rec.Metadata["tool_call_id"].(string); ok && id != "" {
			rebuilt.ToolCallID = id
		} else if m := toolCallIDRegex.FindStringSubmatch(text); m != nil {
			rebuilt.ToolCallID = m[1]
		}
		if name, ok := rec.Metadata["name"].(string); ok && name != "" {
			rebuilt.Name = name
		} else if m := toolNameRegex.FindStringSubmatch(text); m != nil {
			rebuilt.Name = m[1]
		}
	}
	return rebuilt, true
}

func roleForType(msgType string) string {
	switch msgType {
	case store.TypeAssistant:
		return "assistant"
	case store.TypeTool:
		return "tool"
	case store.TypeSystem:
		return "system"
	default:
		return "user"
	}
}
