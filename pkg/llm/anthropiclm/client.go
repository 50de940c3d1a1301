package anthropiclm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"threadflow/pkg/llm"
)

const defaultMaxTokens = 4096

// Client is a wrapper around the official Anthropic Go SDK. Cache markers on
// incoming messages are translated into ephemeral cache_control breakpoints.
type Client struct {
	client       anthropic.Client
	model        string
	debugEnabled bool
}

// NewClient creates a new Anthropic client
func NewClient(apiKey string, model string, baseURL string) (*Client, error) {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &Client{
		client: anthropic.NewClient(opts...),
		model:  model,
	}, nil
}

func (c *Client) Provider() string {
	return "anthropic"
}

func (c *Client) SetDebug(enabled bool) {
	c.debugEnabled = enabled
}

func (c *Client) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "timeout") {
		return true
	}

	// 529 is Anthropic's dedicated overload status
	if strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "529") ||
		strings.Contains(msg, "500 internal") ||
		strings.Contains(msg, "503 service unavailable") ||
		strings.Contains(msg, "429") {
		return true
	}

	return false
}

// Call implements llm.Gateway. Batch requests aggregate the same stream.
func (c *Client) Call(ctx context.Context, p llm.CallParams) (*llm.Response, error) {
	ch := c.streamChat(ctx, p)
	if p.Stream {
		return &llm.Response{Stream: ch}, nil
	}
	return llm.Collect(ch)
}

func (c *Client) streamChat(ctx context.Context, p llm.CallParams) <-chan llm.StreamChunk {
	chunkCh := make(chan llm.StreamChunk, 100)

	model := p.Model
	if model == "" {
		model = c.model
	}
	maxTokens := int64(p.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	apiMessages, system := c.convertMessages(p.Messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  apiMessages,
		System:    system,
	}
	if p.Temperature > 0 {
		params.Temperature = anthropic.Float(p.Temperature)
	}
	if tools := c.convertTools(p.Tools); len(tools) > 0 {
		params.Tools = tools
	}
	switch p.ToolChoice {
	case llm.ToolChoiceRequired:
		params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
	case llm.ToolChoiceNone:
		params.ToolChoice = anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}
	}

	go func() {
		defer close(chunkCh)

		debugger := llm.NewStreamDebugger(ctx, "anthropic", c.debugEnabled)
		defer debugger.Close()

		stream := c.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		var acc anthropic.Message
		for stream.Next() {
			event := stream.Current()
			debugger.WriteString(event.RawJSON())

			if err := acc.Accumulate(event); err != nil {
				chunkCh <- llm.NewErrorChunk(fmt.Sprintf("Stream accumulation error: %v", err), err, true)
				return
			}

			switch ev := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					chunkCh <- llm.NewTextChunk(delta.Text)
				case anthropic.ThinkingDelta:
					chunkCh <- llm.NewThinkingChunk(delta.Thinking)
				}
			}
		}
		if err := stream.Err(); err != nil {
			chunkCh <- llm.NewErrorChunk(fmt.Sprintf("Stream error: %v", err), err, true)
			return
		}

		var toolCalls []llm.ToolCall
		for _, block := range acc.Content {
			if tu, ok := block.AsAny().(anthropic.ToolUseBlock); ok {
				toolCalls = append(toolCalls, llm.ToolCall{
					ID:   tu.ID,
					Name: tu.Name,
					Function: llm.FunctionCall{
						Name:      tu.Name,
						Arguments: string(tu.Input),
					},
				})
			}
		}
		if len(toolCalls) > 0 {
			chunkCh <- llm.StreamChunk{ToolCalls: toolCalls}
		}

		usage := &llm.Usage{
			PromptTokens:        int(acc.Usage.InputTokens),
			CompletionTokens:    int(acc.Usage.OutputTokens),
			TotalTokens:         int(acc.Usage.InputTokens + acc.Usage.OutputTokens),
			CacheReadTokens:     int(acc.Usage.CacheReadInputTokens),
			CacheCreationTokens: int(acc.Usage.CacheCreationInputTokens),
			StopReason:          string(acc.StopReason),
		}
		chunkCh <- llm.NewFinalChunk(normalizeStopReason(acc.StopReason), usage)
	}()

	return chunkCh
}

// convertMessages splits the history into Anthropic's system blocks and turn
// messages. Cache markers become ephemeral cache_control on the matching
// block.
func (c *Client) convertMessages(messages []llm.Message) ([]anthropic.MessageParam, []anthropic.TextBlockParam) {
	var out []anthropic.MessageParam
	var system []anthropic.TextBlockParam

	for _, m := range messages {
		switch m.Role {
		case "system":
			for _, block := range m.Content {
				if block.Type != llm.BlockTypeText || block.Text == "" {
					continue
				}
				tb := anthropic.TextBlockParam{Text: block.Text}
				if block.CacheControl != nil {
					tb.CacheControl = anthropic.NewCacheControlEphemeralParam()
				}
				system = append(system, tb)
			}

		case "user":
			var blocks []anthropic.ContentBlockParamUnion
			for _, block := range m.Content {
				if block.Type != llm.BlockTypeText || block.Text == "" {
					continue
				}
				tb := anthropic.TextBlockParam{Text: block.Text}
				if block.CacheControl != nil {
					tb.CacheControl = anthropic.NewCacheControlEphemeralParam()
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{OfText: &tb})
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.MessageParam{
					Role:    anthropic.MessageParamRoleUser,
					Content: blocks,
				})
			}

		case "assistant":
			var blocks []anthropic.ContentBlockParamUnion
			if text := m.GetTextContent(); text != "" {
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfText: &anthropic.TextBlockParam{Text: text},
				})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    tc.ID,
						Name:  tc.Name,
						Input: []byte(tc.Function.Arguments),
					},
				})
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.MessageParam{
					Role:    anthropic.MessageParamRoleAssistant,
					Content: blocks,
				})
			}

		case "tool":
			// Tool results travel as user-role blocks in Anthropic's format
			out = append(out, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{{
					OfToolResult: &anthropic.ToolResultBlockParam{
						ToolUseID: m.ToolCallID,
						Content: []anthropic.ToolResultBlockParamContentUnion{{
							OfText: &anthropic.TextBlockParam{Text: m.GetTextContent()},
						}},
					},
				}},
			})
		}
	}

	return out, system
}

func (c *Client) convertTools(rawTools []map[string]any) []anthropic.ToolUnionParam {
	var tools []anthropic.ToolUnionParam
	for _, t := range rawTools {
		funcMap, ok := t["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := funcMap["name"].(string)
		desc, _ := funcMap["description"].(string)

		schema := anthropic.ToolInputSchemaParam{Properties: map[string]any{}}
		if params, ok := funcMap["parameters"].(map[string]any); ok {
			if props, ok := params["properties"].(map[string]any); ok {
				schema.Properties = props
			}
			if req, ok := params["required"].([]any); ok {
				for _, r := range req {
					if s, ok := r.(string); ok {
						schema.Required = append(schema.Required, s)
					}
				}
			}
		}

		tools = append(tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        name,
				Description: anthropic.String(desc),
				InputSchema: schema,
			},
		})
	}
	return tools
}

// normalizeStopReason converts Anthropic stop reasons to the standardized
// lowercase format.
func normalizeStopReason(reason anthropic.StopReason) string {
	switch reason {
	case anthropic.StopReasonEndTurn, anthropic.StopReasonStopSequence:
		return llm.FinishReasonStop
	case anthropic.StopReasonMaxTokens:
		return llm.FinishReasonLength
	case anthropic.StopReasonToolUse:
		return llm.FinishReasonToolCalls
	default:
		return string(reason)
	}
}
