// Package cache marks prompt-cache boundaries in the prepared message list
// for providers that support provider-side prompt caching.
package cache

import (
	"strings"

	"threadflow/pkg/llm"
)

// MaxCacheBlocks is the provider-imposed cap on cache boundaries per call.
const MaxCacheBlocks = 4

// minSegmentChars is the smallest history segment worth a boundary; caching
// tiny prefixes costs more than it saves.
const minSegmentChars = 4096

// SupportsCaching reports whether model honors cache_control annotations.
func SupportsCaching(model string) bool {
	name := strings.ToLower(model)
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	return strings.Contains(name, "claude")
}

// Annotate prepends the system prompt and marks cache boundaries on stable
// history segments. forceRebuild discards previous markers and re-plans the
// boundaries, used after compression or a model switch invalidated them.
// For models without caching support the list passes through unannotated.
func Annotate(systemPrompt llm.Message, msgs []llm.Message, model string, forceRebuild bool) []llm.Message {
	prepared := make([]llm.Message, 0, len(msgs)+1)
	prepared = append(prepared, systemPrompt)
	prepared = append(prepared, msgs...)

	if !SupportsCaching(model) {
		return prepared
	}

	if forceRebuild {
		for i := range prepared {
			prepared[i] = clearMarkers(prepared[i])
		}
	}

	// System prompt is always a boundary.
	prepared[0] = markLastBlock(prepared[0])

	// Walk history, placing a boundary at the end of each sufficiently
	// large stable segment, leaving the volatile tail unmarked.
	budget := MaxCacheBlocks - 1
	segment := 0
	tail := len(prepared) - 2 // last history message stays unmarked
	for i := 1; i <= tail && budget > 0; i++ {
		if prepared[i].HasCacheMarker() {
			// Existing boundary from an earlier turn: keep it, it
			// delimits already cached history.
			budget--
			segment = 0
			continue
		}
		for _, b := range prepared[i].Content {
			segment += len(b.Text)
		}
		if segment >= minSegmentChars {
			prepared[i] = markLastBlock(prepared[i])
			budget--
			segment = 0
		}
	}

	return prepared
}

// Validate enforces the provider block cap on an annotated list. Excess
// boundaries are cleared oldest-first; markers are only ever removed here,
// never added, so filter exemptions stay sound.
func Validate(prepared []llm.Message, model string) []llm.Message {
	if !SupportsCaching(model) {
		return prepared
	}

	count := 0
	for i := range prepared {
		if prepared[i].HasCacheMarker() {
			count++
		}
	}
	if count <= MaxCacheBlocks {
		return prepared
	}

	excess := count - MaxCacheBlocks
	out := make([]llm.Message, len(prepared))
	copy(out, prepared)
	// The system prompt boundary (index 0) is the most valuable; shed
	// history markers starting from the oldest.
	for i := 1; i < len(out) && excess > 0; i++ {
		if out[i].HasCacheMarker() {
			out[i] = clearMarkers(out[i])
			excess--
		}
	}
	return out
}

func markLastBlock(msg llm.Message) llm.Message {
	if len(msg.Content) == 0 {
		return msg
	}
	blocks := make([]llm.ContentBlock, len(msg.Content))
	copy(blocks, msg.Content)
	blocks[len(blocks)-1].CacheControl = &llm.CacheControl{Type: "ephemeral"}
	msg.Content = blocks
	return msg
}

func clearMarkers(msg llm.Message) llm.Message {
	if !msg.HasCacheMarker() {
		return msg
	}
	blocks := make([]llm.ContentBlock, len(msg.Content))
	copy(blocks, msg.Content)
	for i := range blocks {
		blocks[i].CacheControl = nil
	}
	msg.Content = blocks
	return msg
}
