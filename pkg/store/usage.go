package store

import (
	"context"
	"log/slog"

	"threadflow/pkg/billing"
)

// usageEnvelope is the content shape of a TypeLLMResponseEnd record.
type usageEnvelope struct {
	LLMResponseID string       `json:"llm_response_id,omitempty"`
	Model         string       `json:"model"`
	Usage         usagePayload `json:"usage"`
}

type usagePayload struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	CacheReadTokens     int `json:"cache_read_input_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens"`

	// Some providers only report cached tokens nested in prompt details.
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

// handleBilling meters a completed turn. All failures are logged and
// swallowed; billing never interrupts the conversation pipeline.
func (s *FileStore) handleBilling(ctx context.Context, reporter billing.Reporter, accountID, threadID string, rec Record) {
	var env usageEnvelope
	if err := json.Unmarshal(rec.Content, &env); err != nil {
		slog.ErrorContext(ctx, "Failed to parse usage record for billing", "thread_id", threadID, "error", err)
		return
	}

	if accountID == "" || (env.Usage.PromptTokens == 0 && env.Usage.CompletionTokens == 0) {
		return
	}

	cacheRead := env.Usage.CacheReadTokens
	if cacheRead == 0 && env.Usage.PromptTokensDetails != nil {
		cacheRead = env.Usage.PromptTokensDetails.CachedTokens
	}

	result, err := reporter.Meter(ctx, billing.UsageRecord{
		AccountID:           accountID,
		PromptTokens:        env.Usage.PromptTokens,
		CompletionTokens:    env.Usage.CompletionTokens,
		Model:               env.Model,
		MessageRef:          rec.ID,
		ThreadID:            threadID,
		CacheReadTokens:     cacheRead,
		CacheCreationTokens: env.Usage.CacheCreationTokens,
	})
	if err != nil {
		slog.ErrorContext(ctx, "Billing reporter failed", "thread_id", threadID, "error", err)
		return
	}
	if !result.Success {
		slog.ErrorContext(ctx, "Failed to deduct usage", "thread_id", threadID, "account", accountID)
	}
}
