// Package processor turns raw gateway responses into a normalized chunk
// stream, executing tool calls and persisting turn output along the way.
package processor

// ChunkKind is the closed set of chunk types emitted to callers.
type ChunkKind string

const (
	KindStatus  ChunkKind = "status"
	KindContent ChunkKind = "content"
	KindError   ChunkKind = "error"
)

// Status type constants discriminate status chunk bodies.
const (
	StatusFinish        = "finish"
	StatusToolStarted   = "tool_started"
	StatusToolCompleted = "tool_completed"
	StatusError         = "error"
)

// Status is the structured body of a status chunk.
type Status struct {
	StatusType    string `json:"status_type"`
	FinishReason  string `json:"finish_reason,omitempty"`
	ToolsExecuted bool   `json:"tools_executed,omitempty"`
	ToolName      string `json:"tool_name,omitempty"`
	ToolCallID    string `json:"tool_call_id,omitempty"`
	Message       string `json:"message,omitempty"`
}

// Chunk is one element of the outward stream. Exactly one of Content or
// Status is meaningful, selected by Kind.
type Chunk struct {
	Kind    ChunkKind `json:"type"`
	Content string    `json:"content,omitempty"`
	Status  *Status   `json:"status,omitempty"`
}

// NewContentChunk builds a content chunk.
func NewContentChunk(text string) Chunk {
	return Chunk{Kind: KindContent, Content: text}
}

// NewErrorChunk builds an error chunk with a structured error status body.
func NewErrorChunk(message string) Chunk {
	return Chunk{
		Kind:    KindError,
		Content: message,
		Status:  &Status{StatusType: StatusError, Message: message},
	}
}

// NewFinishChunk builds the terminal status chunk of one attempt.
func NewFinishChunk(finishReason string, toolsExecuted bool) Chunk {
	return Chunk{
		Kind: KindStatus,
		Status: &Status{
			StatusType:    StatusFinish,
			FinishReason:  finishReason,
			ToolsExecuted: toolsExecuted,
		},
	}
}

// IsError reports whether the chunk carries a terminal error.
func (c Chunk) IsError() bool {
	return c.Kind == KindError
}
