package thread

import (
	"threadflow/pkg/llm"
	"threadflow/pkg/processor"
)

// evaluateTrigger inspects a single outward chunk and decides whether the
// loop should run another attempt. Only finish statuses can trigger: issued
// or executed tool calls continue when continuation is enabled at all, a
// length truncation always continues so the model can finish its thought, and
// hitting the inline tool-call ceiling deliberately stops the loop.
func evaluateTrigger(chunk processor.Chunk, state *AutoContinueState, maxContinues int) bool {
	if chunk.Kind != processor.KindStatus || chunk.Status == nil {
		return false
	}
	st := chunk.Status
	if st.StatusType != processor.StatusFinish {
		return false
	}

	switch {
	case st.FinishReason == llm.FinishReasonXMLToolLimit:
		state.Active = false
	case st.FinishReason == llm.FinishReasonToolCalls || st.ToolsExecuted:
		if maxContinues > 0 {
			state.Active = true
			state.Count++
			return true
		}
	case st.FinishReason == llm.FinishReasonLength:
		state.Active = true
		state.Count++
		return true
	}
	return false
}

// suppressChunk reports whether a triggering finish chunk should be withheld
// from the outward stream. A pure length truncation is an internal detail of
// the continuation loop; finishes that also executed tools stay visible.
func suppressChunk(chunk processor.Chunk) bool {
	return chunk.Kind == processor.KindStatus &&
		chunk.Status != nil &&
		chunk.Status.StatusType == processor.StatusFinish &&
		chunk.Status.FinishReason == llm.FinishReasonLength &&
		!chunk.Status.ToolsExecuted
}
