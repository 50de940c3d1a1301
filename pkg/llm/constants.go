package llm

// Finish reason constants normalize provider-specific stop signals.
// All gateway implementations must map their native values onto these.
const (
	FinishReasonStop         = "stop"       // Normal completion
	FinishReasonLength       = "length"     // Output truncated by token limit
	FinishReasonToolCalls    = "tool_calls" // Model issued native tool calls
	FinishReasonXMLToolLimit = "xml_tool_limit_reached"
)

// ContentBlock type constants used throughout the message pipeline.
const (
	BlockTypeText     = "text"     // Plain text content
	BlockTypeThinking = "thinking" // Internal reasoning/chain-of-thought
	BlockTypeError    = "error"    // Error message surfaced to the caller
)

// Tool choice policies accepted by the gateway call.
const (
	ToolChoiceAuto     = "auto"
	ToolChoiceRequired = "required"
	ToolChoiceNone     = "none"
)

// DebugDirContextKey scopes stream debug output under a per-run directory.
type debugDirKey struct{}

var DebugDirContextKey = debugDirKey{}
