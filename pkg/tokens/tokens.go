// Package tokens wraps the tokenizer and the model context-window catalog.
package tokens

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"threadflow/pkg/llm"
)

// Counter estimates token counts for budget decisions. It lazily loads the
// cl100k_base encoding; if the encoding cannot be loaded the counter
// degrades to a bytes/4 approximation instead of failing the pipeline.
type Counter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewCounter returns a Counter; the encoding loads on first use.
func NewCounter() *Counter {
	return &Counter{}
}

func (c *Counter) encoding() *tiktoken.Tiktoken {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("Failed to load tokenizer encoding, using byte estimate", "error", err)
			return
		}
		c.enc = enc
	})
	return c.enc
}

// Count returns the token count of text for the given model.
func (c *Counter) Count(model, text string) int {
	if text == "" {
		return 0
	}
	if enc := c.encoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	// Rough heuristic: one token per four bytes of text.
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// CountMessages sums the token counts of all text content in msgs, with a
// small per-message overhead for role framing.
func (c *Counter) CountMessages(model string, msgs []llm.Message) int {
	const perMessageOverhead = 4
	total := 0
	for i := range msgs {
		total += perMessageOverhead
		for _, block := range msgs[i].Content {
			if block.Text != "" {
				total += c.Count(model, block.Text)
			}
		}
		for _, tc := range msgs[i].ToolCalls {
			total += c.Count(model, tc.Function.Name)
			total += c.Count(model, tc.Function.Arguments)
		}
	}
	return total
}

// contextWindows maps model-name fragments to context window sizes.
// Longest fragment wins; unknown models default to 128000.
var contextWindows = []struct {
	fragment string
	window   int
}{
	{"gemini-2.5", 1_048_576},
	{"gemini-2.0", 1_048_576},
	{"gpt-4.1", 1_000_000},
	{"claude-sonnet-4", 1_000_000},
	{"claude-3-7", 200_000},
	{"claude", 200_000},
	{"gpt-5", 400_000},
	{"gpt-4o", 128_000},
	{"o3", 200_000},
	{"deepseek", 64_000},
}

// DefaultContextWindow is assumed for models absent from the catalog.
const DefaultContextWindow = 128_000

// ContextWindow reports the context window of model. Vendor path prefixes
// ("anthropic/claude-…") are ignored.
func ContextWindow(model string) int {
	name := strings.ToLower(model)
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	for _, entry := range contextWindows {
		if strings.Contains(name, entry.fragment) {
			return entry.window
		}
	}
	return DefaultContextWindow
}
