package processor

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"threadflow/pkg/llm"
	"threadflow/pkg/store"
	"threadflow/pkg/tools"
)

type appendCall struct {
	msgType  string
	content  any
	isLLM    bool
	metadata map[string]any
}

type captureStore struct {
	calls []appendCall
	seq   int
}

func (s *captureStore) AppendMessage(ctx context.Context, threadID, msgType string, content any, isLLM bool, metadata map[string]any) (*store.Record, error) {
	s.seq++
	s.calls = append(s.calls, appendCall{msgType: msgType, content: content, isLLM: isLLM, metadata: metadata})
	return &store.Record{ID: fmt.Sprintf("rec-%d", s.seq), Type: msgType}, nil
}

func (s *captureStore) byType(msgType string) []appendCall {
	var out []appendCall
	for _, c := range s.calls {
		if c.msgType == msgType {
			out = append(out, c)
		}
	}
	return out
}

func streamResponse(chunks ...llm.StreamChunk) *llm.Response {
	ch := make(chan llm.StreamChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return &llm.Response{Stream: ch}
}

func collect(t *testing.T, ch <-chan Chunk) []Chunk {
	t.Helper()
	var out []Chunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func finishOf(t *testing.T, chunks []Chunk) *Status {
	t.Helper()
	for _, c := range chunks {
		if c.Kind == KindStatus && c.Status != nil && c.Status.StatusType == StatusFinish {
			return c.Status
		}
	}
	t.Fatalf("no finish status in %d chunks", len(chunks))
	return nil
}

func echoCall(id, text string) llm.ToolCall {
	return llm.ToolCall{
		ID:   id,
		Name: "echo",
		Function: llm.FunctionCall{
			Name:      "echo",
			Arguments: fmt.Sprintf(`{"text":%q}`, text),
		},
	}
}

func newEchoProcessor(st *captureStore) *Processor {
	reg := tools.NewRegistry()
	reg.Register(tools.EchoTool{})
	return New(reg, st, 16)
}

func TestProcessStreamForwardsContent(t *testing.T) {
	st := &captureStore{}
	p := New(nil, st, 16)

	resp := streamResponse(
		llm.NewTextChunk("Hello, "),
		llm.NewTextChunk("world."),
		llm.NewFinalChunk(llm.FinishReasonStop, &llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}),
	)

	chunks := collect(t, p.ProcessStream(context.Background(), "t1", "gpt-4o", resp, Config{}, 0))

	var text strings.Builder
	for _, c := range chunks {
		if c.Kind == KindContent {
			text.WriteString(c.Content)
		}
	}
	if got := text.String(); got != "Hello, world." {
		t.Fatalf("content = %q, want %q", got, "Hello, world.")
	}

	fin := finishOf(t, chunks)
	if fin.FinishReason != llm.FinishReasonStop || fin.ToolsExecuted {
		t.Fatalf("finish = %+v, want stop without tools", fin)
	}

	assistants := st.byType(store.TypeAssistant)
	if len(assistants) != 1 {
		t.Fatalf("assistant records = %d, want 1", len(assistants))
	}
	msg, ok := assistants[0].content.(*llm.Message)
	if !ok {
		t.Fatalf("assistant content is %T, want *llm.Message", assistants[0].content)
	}
	if msg.GetTextContent() != "Hello, world." {
		t.Fatalf("persisted text = %q", msg.GetTextContent())
	}
	if !assistants[0].isLLM {
		t.Fatal("assistant record must be flagged as an LLM message")
	}

	usages := st.byType(store.TypeLLMResponseEnd)
	if len(usages) != 1 {
		t.Fatalf("usage records = %d, want 1", len(usages))
	}
	if usages[0].metadata != nil {
		t.Fatalf("reported usage must not carry estimated metadata, got %v", usages[0].metadata)
	}
}

func TestProcessStreamThinkingGatedByConfig(t *testing.T) {
	mkResp := func() *llm.Response {
		return streamResponse(
			llm.NewThinkingChunk("pondering"),
			llm.NewTextChunk("answer"),
			llm.NewFinalChunk(llm.FinishReasonStop, nil),
		)
	}

	p := New(nil, &captureStore{}, 16)

	hidden := collect(t, p.ProcessStream(context.Background(), "t1", "gpt-4o", mkResp(), Config{}, 0))
	for _, c := range hidden {
		if c.Kind == KindContent && c.Content == "pondering" {
			t.Fatal("thinking delta leaked with ShowThinking disabled")
		}
	}

	shown := collect(t, p.ProcessStream(context.Background(), "t1", "gpt-4o", mkResp(), Config{ShowThinking: true}, 0))
	found := false
	for _, c := range shown {
		if c.Kind == KindContent && c.Content == "pondering" {
			found = true
		}
	}
	if !found {
		t.Fatal("thinking delta missing with ShowThinking enabled")
	}
}

func TestProcessStreamExecutesToolCalls(t *testing.T) {
	st := &captureStore{}
	p := newEchoProcessor(st)

	resp := streamResponse(
		llm.NewTextChunk("Let me check."),
		llm.StreamChunk{ToolCalls: []llm.ToolCall{echoCall("call-1", "ping")}},
		llm.NewFinalChunk(llm.FinishReasonStop, nil),
	)

	chunks := collect(t, p.ProcessStream(context.Background(), "t1", "gpt-4o", resp, Config{ExecuteTools: true}, 0))

	var statuses []string
	for _, c := range chunks {
		if c.Kind == KindStatus && c.Status != nil {
			statuses = append(statuses, c.Status.StatusType)
		}
	}
	want := []string{StatusToolStarted, StatusToolCompleted, StatusFinish}
	if len(statuses) != len(want) {
		t.Fatalf("statuses = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("statuses = %v, want %v", statuses, want)
		}
	}

	fin := finishOf(t, chunks)
	if fin.FinishReason != llm.FinishReasonToolCalls {
		t.Fatalf("finish reason = %q, want tool_calls", fin.FinishReason)
	}
	if !fin.ToolsExecuted {
		t.Fatal("finish must report tools executed")
	}

	toolRecs := st.byType(store.TypeTool)
	if len(toolRecs) != 1 {
		t.Fatalf("tool records = %d, want 1", len(toolRecs))
	}
	if id, _ := toolRecs[0].metadata["tool_call_id"].(string); id != "call-1" {
		t.Fatalf("tool_call_id metadata = %q, want call-1", id)
	}
	msg, ok := toolRecs[0].content.(*llm.Message)
	if !ok {
		t.Fatalf("tool content is %T, want *llm.Message", toolRecs[0].content)
	}
	if msg.GetTextContent() != "ping" {
		t.Fatalf("tool result = %q, want ping", msg.GetTextContent())
	}
}

func TestProcessStreamXMLToolLimitSkipsExecution(t *testing.T) {
	st := &captureStore{}
	p := newEchoProcessor(st)

	resp := streamResponse(
		llm.NewTextChunk("<tool_call>first</tool_call> and <tool_call>second</tool_call>"),
		llm.StreamChunk{ToolCalls: []llm.ToolCall{echoCall("call-1", "ping")}},
		llm.NewFinalChunk(llm.FinishReasonStop, nil),
	)

	cfg := Config{ExecuteTools: true, MaxXMLToolCalls: 2}
	chunks := collect(t, p.ProcessStream(context.Background(), "t1", "gpt-4o", resp, cfg, 0))

	fin := finishOf(t, chunks)
	if fin.FinishReason != llm.FinishReasonXMLToolLimit {
		t.Fatalf("finish reason = %q, want %q", fin.FinishReason, llm.FinishReasonXMLToolLimit)
	}
	if fin.ToolsExecuted {
		t.Fatal("tools must not run once the textual call limit is reached")
	}
	if got := st.byType(store.TypeTool); len(got) != 0 {
		t.Fatalf("tool records = %d, want 0", len(got))
	}
}

func TestProcessStreamLengthSkipsAssistantPersistence(t *testing.T) {
	st := &captureStore{}
	p := New(nil, st, 16)

	resp := streamResponse(
		llm.NewTextChunk("truncated mid-sent"),
		llm.NewFinalChunk(llm.FinishReasonLength, nil),
	)

	chunks := collect(t, p.ProcessStream(context.Background(), "t1", "gpt-4o", resp, Config{}, 0))

	if fin := finishOf(t, chunks); fin.FinishReason != llm.FinishReasonLength {
		t.Fatalf("finish reason = %q, want length", fin.FinishReason)
	}
	if got := st.byType(store.TypeAssistant); len(got) != 0 {
		t.Fatalf("assistant records = %d, want 0 for a truncated attempt", len(got))
	}
}

func TestProcessStreamContinuationPrefixStitched(t *testing.T) {
	st := &captureStore{}
	p := New(nil, st, 16)

	resp := streamResponse(
		llm.NewTextChunk("second half."),
		llm.NewFinalChunk(llm.FinishReasonStop, nil),
	)

	cfg := Config{ContinuationPrefix: "First half, "}
	chunks := collect(t, p.ProcessStream(context.Background(), "t1", "gpt-4o", resp, cfg, 0))

	// The prefix was already emitted during the truncated attempt; only the
	// new tail goes out as chunks.
	for _, c := range chunks {
		if c.Kind == KindContent && strings.Contains(c.Content, "First half") {
			t.Fatal("continuation prefix must not be re-emitted")
		}
	}

	assistants := st.byType(store.TypeAssistant)
	if len(assistants) != 1 {
		t.Fatalf("assistant records = %d, want 1", len(assistants))
	}
	msg := assistants[0].content.(*llm.Message)
	if got := msg.GetTextContent(); got != "First half, second half." {
		t.Fatalf("persisted text = %q, want stitched whole", got)
	}
}

func TestProcessStreamUsageEstimateFallback(t *testing.T) {
	st := &captureStore{}
	p := New(nil, st, 16)

	resp := streamResponse(
		llm.NewTextChunk("ok"),
		llm.NewFinalChunk(llm.FinishReasonStop, nil),
	)

	collect(t, p.ProcessStream(context.Background(), "t1", "gpt-4o", resp, Config{}, 123))

	usages := st.byType(store.TypeLLMResponseEnd)
	if len(usages) != 1 {
		t.Fatalf("usage records = %d, want 1", len(usages))
	}
	if est, _ := usages[0].metadata["estimated"].(bool); !est {
		t.Fatalf("metadata = %v, want estimated:true", usages[0].metadata)
	}
	content, ok := usages[0].content.(map[string]any)
	if !ok {
		t.Fatalf("usage content is %T, want map", usages[0].content)
	}
	usage, ok := content["usage"].(*llm.Usage)
	if !ok {
		t.Fatalf("usage field is %T, want *llm.Usage", content["usage"])
	}
	if usage.TotalTokens != 123 || usage.PromptTokens != 123 {
		t.Fatalf("estimated usage = %+v, want 123 total", usage)
	}
}

func TestProcessStreamNoUsageNoEstimate(t *testing.T) {
	st := &captureStore{}
	p := New(nil, st, 16)

	resp := streamResponse(
		llm.NewTextChunk("ok"),
		llm.NewFinalChunk(llm.FinishReasonStop, nil),
	)

	collect(t, p.ProcessStream(context.Background(), "t1", "gpt-4o", resp, Config{}, 0))

	if got := st.byType(store.TypeLLMResponseEnd); len(got) != 0 {
		t.Fatalf("usage records = %d, want 0 without usage or estimate", len(got))
	}
}

func TestProcessStreamMidStreamErrorContinues(t *testing.T) {
	st := &captureStore{}
	p := New(nil, st, 16)

	resp := streamResponse(
		llm.NewErrorChunk("hiccup", nil, false),
		llm.NewTextChunk("recovered"),
		llm.NewFinalChunk(llm.FinishReasonStop, nil),
	)

	chunks := collect(t, p.ProcessStream(context.Background(), "t1", "gpt-4o", resp, Config{}, 0))

	sawError := false
	for _, c := range chunks {
		if c.IsError() && c.Content == "hiccup" {
			sawError = true
		}
	}
	if !sawError {
		t.Fatal("mid-stream error chunk was not forwarded")
	}
	if fin := finishOf(t, chunks); fin.FinishReason != llm.FinishReasonStop {
		t.Fatalf("finish reason = %q, want stop", fin.FinishReason)
	}
	if got := st.byType(store.TypeAssistant); len(got) != 1 {
		t.Fatalf("assistant records = %d, want 1", len(got))
	}
}

func TestProcessStreamFinalErrorWithoutContent(t *testing.T) {
	st := &captureStore{}
	p := New(nil, st, 16)

	resp := streamResponse(llm.NewErrorChunk("provider down", nil, true))

	chunks := collect(t, p.ProcessStream(context.Background(), "t1", "gpt-4o", resp, Config{}, 0))

	if len(chunks) != 1 || !chunks[0].IsError() {
		t.Fatalf("chunks = %+v, want a single error chunk", chunks)
	}
	if len(st.calls) != 0 {
		t.Fatalf("store calls = %d, want 0 when nothing usable arrived", len(st.calls))
	}
}

type panicTool struct{}

func (panicTool) Name() string               { return "boom" }
func (panicTool) Description() string        { return "always panics" }
func (panicTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (panicTool) Execute(ctx context.Context, args map[string]any) (*tools.Result, error) {
	panic("kaboom")
}

func TestResolveToolCall(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(tools.EchoTool{})
	reg.Register(panicTool{})
	p := New(reg, nil, 16)
	ctx := context.Background()

	cases := []struct {
		name string
		call llm.ToolCall
		want string
	}{
		{
			name: "success",
			call: echoCall("c1", "hello"),
			want: "hello",
		},
		{
			name: "namespaced prefix stripped",
			call: llm.ToolCall{ID: "c2", Name: "functions.echo", Function: llm.FunctionCall{Name: "functions.echo", Arguments: `{"text":"hi"}`}},
			want: "hi",
		},
		{
			name: "unknown tool",
			call: llm.ToolCall{ID: "c3", Name: "missing", Function: llm.FunctionCall{Arguments: `{}`}},
			want: "Error: unknown tool 'missing'",
		},
		{
			name: "malformed arguments",
			call: llm.ToolCall{ID: "c4", Name: "echo", Function: llm.FunctionCall{Arguments: `{not json`}},
		},
		{
			name: "tool error",
			call: llm.ToolCall{ID: "c5", Name: "echo", Function: llm.FunctionCall{Arguments: `{"text":""}`}},
		},
		{
			name: "panic recovered",
			call: llm.ToolCall{ID: "c6", Name: "boom", Function: llm.FunctionCall{Arguments: `{}`}},
			want: "Error: internal processing panic",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := p.resolveToolCall(ctx, tc.call)
			if tc.want != "" {
				if got != tc.want {
					t.Fatalf("result = %q, want %q", got, tc.want)
				}
				return
			}
			if !strings.HasPrefix(got, "Error:") {
				t.Fatalf("result = %q, want an error string", got)
			}
		})
	}
}

func TestProcessBatchExecutesAndNormalizes(t *testing.T) {
	st := &captureStore{}
	p := newEchoProcessor(st)

	msg := llm.NewAssistantMessage("checking")
	msg.ToolCalls = []llm.ToolCall{echoCall("call-1", "pong")}

	resp := &llm.Response{
		Message:      &msg,
		FinishReason: llm.FinishReasonStop,
		Usage:        &llm.Usage{TotalTokens: 42},
	}

	res, err := p.ProcessBatch(context.Background(), "t1", "gpt-4o", resp, Config{ExecuteTools: true}, 0)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if res.FinishReason != llm.FinishReasonToolCalls {
		t.Fatalf("finish reason = %q, want tool_calls", res.FinishReason)
	}
	if !res.ToolsExecuted {
		t.Fatal("result must report tools executed")
	}
	if res.Usage == nil || res.Usage.TotalTokens != 42 {
		t.Fatalf("usage = %+v, want total 42", res.Usage)
	}
	if got := st.byType(store.TypeAssistant); len(got) != 1 {
		t.Fatalf("assistant records = %d, want 1", len(got))
	}
	if got := st.byType(store.TypeTool); len(got) != 1 {
		t.Fatalf("tool records = %d, want 1", len(got))
	}
}

func TestProcessBatchRequiresMessage(t *testing.T) {
	p := New(nil, &captureStore{}, 16)
	if _, err := p.ProcessBatch(context.Background(), "t1", "gpt-4o", &llm.Response{}, Config{}, 0); err == nil {
		t.Fatal("expected an error for a response without a message")
	}
}
