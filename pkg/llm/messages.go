package llm

import (
	"time"

	jsoniter "github.com/json-iterator/go"
)

//----------------------------------------------------------------
// Message - unified conversation message
//----------------------------------------------------------------

// Message represents one conversation message. Stored records carry the same
// shape plus storage metadata; see pkg/store.
type Message struct {
	// ID is the storage identifier of the message, when it came from the
	// thread store. Synthetic messages built during a run leave it empty.
	ID        string         `json:"message_id,omitempty"`
	Role      string         `json:"role"` // "user", "assistant", "system", "tool"
	Content   []ContentBlock `json:"content"`
	Timestamp int64          `json:"timestamp,omitempty"`

	// ToolCalls holds tool invocation requests issued by the model
	// (role: assistant only).
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links this message to the tool call it answers
	// (role: tool only).
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Name is the tool function name (role: tool only).
	Name string `json:"name,omitempty"`
}

// ToolCall represents a tool invocation request produced by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the concrete function name and raw JSON arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON string
}

//----------------------------------------------------------------
// ContentBlock - unified content block
//----------------------------------------------------------------

// ContentBlock is one typed block inside a message.
// Supported types: text, thinking, error.
type ContentBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	// CacheControl marks a provider-side prompt-cache boundary on this
	// block. Messages carrying a marked block are trusted, already
	// validated history and are exempt from consistency filtering.
	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

// CacheControl is the cache-boundary annotation understood by providers
// that support prompt caching.
type CacheControl struct {
	Type string `json:"type"` // "ephemeral"
}

// UnmarshalJSON accepts both the canonical block-list form and the legacy
// plain-string form used by compressed records.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	aux := &struct {
		Content jsoniter.RawMessage `json:"content"`
		*alias
	}{alias: (*alias)(m)}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	if len(aux.Content) == 0 {
		m.Content = nil
		return nil
	}

	var s string
	if err := json.Unmarshal(aux.Content, &s); err == nil {
		if s != "" {
			m.Content = []ContentBlock{NewTextBlock(s)}
		} else {
			m.Content = nil
		}
		return nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(aux.Content, &blocks); err != nil {
		return err
	}
	m.Content = blocks
	return nil
}

//----------------------------------------------------------------
// StreamChunk - incremental gateway output
//----------------------------------------------------------------

// StreamChunk is one incremental piece of a gateway response stream.
type StreamChunk struct {
	// ContentBlocks holds only the newly produced content.
	ContentBlocks []ContentBlock `json:"content_blocks,omitempty"`

	// ToolCalls holds newly completed tool invocation requests.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// IsFinal marks the last chunk of the stream.
	IsFinal bool `json:"is_final"`

	// FinishReason is set on the final chunk only.
	FinishReason string `json:"finish_reason,omitempty"`

	// Usage may appear mid-stream but is always present on the final chunk
	// when the provider reports it.
	Usage *Usage `json:"usage,omitempty"`

	// Error carries a human-readable provider error, RawError the cause.
	Error    string `json:"error,omitempty"`
	RawError error  `json:"-"`
}

// Usage is the normalized token accounting for one gateway call.
type Usage struct {
	PromptTokens        int    `json:"prompt_tokens"`
	CompletionTokens    int    `json:"completion_tokens"`
	TotalTokens         int    `json:"total_tokens"`
	CacheReadTokens     int    `json:"cache_read_input_tokens,omitempty"`
	CacheCreationTokens int    `json:"cache_creation_input_tokens,omitempty"`
	StopReason          string `json:"stop_reason,omitempty"`
}

//----------------------------------------------------------------
// Helper Functions - Message
//----------------------------------------------------------------

// NewTextMessage builds a single-text-block message.
func NewTextMessage(role, text string) Message {
	return Message{
		Role:      role,
		Content:   []ContentBlock{NewTextBlock(text)},
		Timestamp: time.Now().Unix(),
	}
}

// NewSystemMessage builds a system message.
func NewSystemMessage(text string) Message {
	return NewTextMessage("system", text)
}

// NewUserMessage builds a user message.
func NewUserMessage(text string) Message {
	return NewTextMessage("user", text)
}

// NewAssistantMessage builds an assistant message.
func NewAssistantMessage(text string) Message {
	return NewTextMessage("assistant", text)
}

// NewToolMessage builds a tool-result message answering callID.
func NewToolMessage(callID, name, text string) Message {
	m := NewTextMessage("tool", text)
	m.ToolCallID = callID
	m.Name = name
	return m
}

// AddContentBlock appends a block to the message.
func (m *Message) AddContentBlock(block ContentBlock) {
	m.Content = append(m.Content, block)
}

// GetTextContent flattens all text blocks (thinking excluded).
func (m *Message) GetTextContent() string {
	var result string
	for _, block := range m.Content {
		if block.Type == BlockTypeText {
			result += block.Text
		}
	}
	return result
}

// HasCacheMarker reports whether any block carries a cache boundary.
func (m *Message) HasCacheMarker() bool {
	for _, block := range m.Content {
		if block.CacheControl != nil {
			return true
		}
	}
	return false
}

//----------------------------------------------------------------
// Helper Functions - ContentBlock
//----------------------------------------------------------------

// NewTextBlock builds a text block.
func NewTextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockTypeText, Text: text}
}

// NewThinkingBlock builds a thinking block.
func NewThinkingBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockTypeThinking, Text: text}
}

// NewErrorBlock builds an error block shown to the caller.
func NewErrorBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockTypeError, Text: text}
}

//----------------------------------------------------------------
// Helper Functions - StreamChunk
//----------------------------------------------------------------

// NewTextChunk builds a chunk holding one text delta.
func NewTextChunk(text string) StreamChunk {
	return StreamChunk{ContentBlocks: []ContentBlock{NewTextBlock(text)}}
}

// NewThinkingChunk builds a chunk holding one thinking delta.
func NewThinkingChunk(text string) StreamChunk {
	return StreamChunk{ContentBlocks: []ContentBlock{NewThinkingBlock(text)}}
}

// NewErrorChunk builds an error chunk; final marks it stream-terminating.
func NewErrorChunk(msg string, cause error, final bool) StreamChunk {
	return StreamChunk{Error: msg, RawError: cause, IsFinal: final}
}

// NewFinalChunk builds the terminating chunk with usage accounting.
func NewFinalChunk(reason string, usage *Usage) StreamChunk {
	return StreamChunk{IsFinal: true, FinishReason: reason, Usage: usage}
}
