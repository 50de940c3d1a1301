package contextmgr

import (
	"context"
	"strings"
	"testing"

	"threadflow/pkg/llm"
	"threadflow/pkg/tokens"
)

func TestThresholdLadder(t *testing.T) {
	cases := []struct {
		window int
		want   int
	}{
		{1_048_576, 748_576},
		{1_000_000, 700_000},
		{400_000, 336_000},
		{200_000, 168_000},
		{128_000, 112_000},
		{64_000, 53_760},
	}
	for _, c := range cases {
		if got := Threshold(c.window); got != c.want {
			t.Errorf("Threshold(%d) = %d, want %d", c.window, got, c.want)
		}
	}
}

func bulkMessages(n int, wordsEach int) []llm.Message {
	msgs := make([]llm.Message, 0, n)
	filler := strings.Repeat("lorem ipsum dolor sit amet ", wordsEach/5+1)
	for i := 0; i < n; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		msgs = append(msgs, llm.NewTextMessage(role, filler))
	}
	return msgs
}

func TestCompressNoopUnderCeiling(t *testing.T) {
	m := NewManager(tokens.NewCounter(), 5)
	msgs := []llm.Message{llm.NewUserMessage("tiny")}

	out, changed, err := m.Compress(context.Background(), msgs, "gpt-4o", 100_000, 0)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if changed {
		t.Error("small history must pass through unchanged")
	}
	if len(out) != 1 {
		t.Errorf("expected 1 message, got %d", len(out))
	}
}

func TestCompressElidesOldToolOutputs(t *testing.T) {
	m := NewManager(tokens.NewCounter(), 2)

	msgs := bulkMessages(6, 100)
	msgs[1] = llm.NewToolMessage("call_1", "search", strings.Repeat("big tool output ", 200))

	// Tiny ceiling forces at least the elision pass.
	out, changed, err := m.Compress(context.Background(), msgs, "gpt-4o", 50, 0)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if !changed {
		t.Fatal("expected compression to change the history")
	}
	for _, msg := range out {
		if msg.Role == "tool" && msg.GetTextContent() != ElidedToolOutput {
			t.Errorf("old tool output not elided: %q", msg.GetTextContent())
		}
	}
}

func TestCompressPreservesRecencyWindow(t *testing.T) {
	keep := 3
	m := NewManager(tokens.NewCounter(), keep)
	msgs := bulkMessages(10, 200)
	tailText := msgs[len(msgs)-1].GetTextContent()

	out, _, err := m.Compress(context.Background(), msgs, "gpt-4o", 50, 0)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if len(out) < keep {
		t.Fatalf("recency window violated: %d messages left", len(out))
	}
	if out[len(out)-1].GetTextContent() != tailText {
		t.Error("most recent message must survive compression untouched")
	}
}

func TestCompressKnownTokensSkipsRecount(t *testing.T) {
	m := NewManager(tokens.NewCounter(), 5)
	msgs := []llm.Message{llm.NewUserMessage("small")}

	// knownTokens below the ceiling short-circuits regardless of content.
	_, changed, err := m.Compress(context.Background(), msgs, "gpt-4o", 1000, 500)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if changed {
		t.Error("known count under ceiling must be a no-op")
	}

	// knownTokens above the ceiling forces the passes to run.
	big := bulkMessages(8, 100)
	big[0] = llm.NewToolMessage("c1", "t", strings.Repeat("out ", 500))
	out, changed, err := m.Compress(context.Background(), big, "gpt-4o", 1000, 5000)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if !changed {
		t.Error("known count over ceiling must trigger compression")
	}
	if out[0].Role == "tool" && out[0].GetTextContent() != ElidedToolOutput {
		t.Error("tool output should have been elided")
	}
}

func TestTruncateMiddle(t *testing.T) {
	s := strings.Repeat("a", 500)
	got := truncateMiddle(s, 100)
	if len(got) >= len(s) {
		t.Errorf("expected shrinkage, got %d >= %d", len(got), len(s))
	}
	if !strings.Contains(got, "truncated") {
		t.Error("expected truncation marker")
	}
	if !strings.HasPrefix(got, "aaaa") || !strings.HasSuffix(got, "aaaa") {
		t.Error("head and tail must be preserved")
	}

	if truncateMiddle("short", 100) != "short" {
		t.Error("short strings pass through")
	}
}
