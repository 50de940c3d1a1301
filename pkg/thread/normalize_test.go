package thread

import (
	"context"
	"testing"

	jsoniter "github.com/json-iterator/go"

	"threadflow/pkg/llm"
	"threadflow/pkg/store"
)

func rawContent(t *testing.T, v any) jsoniter.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestNormalizeStructuredRecord(t *testing.T) {
	msg := llm.NewUserMessage("hello there")
	recs := []store.Record{{
		ID:      "m1",
		Type:    store.TypeUser,
		Content: rawContent(t, &msg),
	}}

	got := normalizeRecords(context.Background(), recs)
	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	if got[0].ID != "m1" || got[0].Role != "user" || got[0].GetTextContent() != "hello there" {
		t.Errorf("unexpected message: %+v", got[0])
	}
}

func TestNormalizeJSONStringRecord(t *testing.T) {
	// Content stored as a JSON string that itself encodes a message object.
	inner := `{"role":"assistant","content":"encoded as string"}`
	recs := []store.Record{{
		ID:      "m2",
		Type:    store.TypeAssistant,
		Content: rawContent(t, inner),
	}}

	got := normalizeRecords(context.Background(), recs)
	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	if got[0].Role != "assistant" || got[0].GetTextContent() != "encoded as string" {
		t.Errorf("unexpected message: %+v", got[0])
	}
}

func TestNormalizeCompressedSubstitution(t *testing.T) {
	full := llm.NewAssistantMessage("the original long content")
	recs := []store.Record{{
		ID:      "m3",
		Type:    store.TypeAssistant,
		Content: rawContent(t, &full),
		Metadata: map[string]any{
			"compressed":         true,
			"compressed_content": `{"role":"assistant","content":"short version"}`,
		},
	}}

	got := normalizeRecords(context.Background(), recs)
	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	if got[0].GetTextContent() != "short version" {
		t.Errorf("expected compressed substitution, got %q", got[0].GetTextContent())
	}
}

func TestNormalizeCompressedLossyToolRecovery(t *testing.T) {
	// Compressed text lost its JSON structure; linkage is recovered from
	// the text itself.
	lossy := `result summary... "tool_call_id": "call_77" and "name": "search" trailing`
	recs := []store.Record{{
		ID:      "m4",
		Type:    store.TypeTool,
		Content: rawContent(t, "ignored"),
		Metadata: map[string]any{
			"compressed":         true,
			"compressed_content": lossy,
		},
	}}

	got := normalizeRecords(context.Background(), recs)
	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	if got[0].Role != "tool" {
		t.Errorf("expected tool role, got %q", got[0].Role)
	}
	if got[0].ToolCallID != "call_77" {
		t.Errorf("expected recovered tool_call_id call_77, got %q", got[0].ToolCallID)
	}
	if got[0].Name != "search" {
		t.Errorf("expected recovered name search, got %q", got[0].Name)
	}
}

func TestNormalizeCompressedMetadataWinsOverRegex(t *testing.T) {
	recs := []store.Record{{
		ID:      "m5",
		Type:    store.TypeTool,
		Content: rawContent(t, "ignored"),
		Metadata: map[string]any{
			"compressed":         true,
			"compressed_content": `text with "tool_call_id": "from_regex"`,
			"tool_call_id":       "from_metadata",
		},
	}}

	got := normalizeRecords(context.Background(), recs)
	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	if got[0].ToolCallID != "from_metadata" {
		t.Errorf("metadata linkage should win, got %q", got[0].ToolCallID)
	}
}

func TestNormalizeDropsUnparseableUncompressed(t *testing.T) {
	recs := []store.Record{
		{
			ID:      "bad",
			Type:    store.TypeUser,
			Content: rawContent(t, "this is not a json object"),
		},
		{
			ID:      "good",
			Type:    store.TypeUser,
			Content: rawContent(t, `{"role":"user","content":"fine"}`),
		},
	}

	got := normalizeRecords(context.Background(), recs)
	if len(got) != 1 {
		t.Fatalf("expected only the parseable record, got %d", len(got))
	}
	if got[0].ID != "good" {
		t.Errorf("wrong survivor: %+v", got[0])
	}
}
