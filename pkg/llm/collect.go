package llm

import "fmt"

// Collect drains a provider stream into a materialized response. Non-final
// error chunks are skipped since a final chunk still follows; a final error
// chunk fails the whole call.
func Collect(stream <-chan StreamChunk) (*Response, error) {
	msg := Message{Role: "assistant"}
	finish := FinishReasonStop
	var usage *Usage

	for chunk := range stream {
		if chunk.Error != "" {
			if !chunk.IsFinal {
				continue
			}
			if chunk.RawError != nil {
				return nil, chunk.RawError
			}
			return nil, fmt.Errorf("stream failed: %s", chunk.Error)
		}
		for _, block := range chunk.ContentBlocks {
			msg.AddContentBlock(block)
		}
		msg.ToolCalls = append(msg.ToolCalls, chunk.ToolCalls...)
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if chunk.IsFinal && chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}

	return &Response{Message: &msg, FinishReason: finish, Usage: usage}, nil
}
