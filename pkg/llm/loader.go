package llm

import (
	"fmt"
	"log/slog"
	"time"

	"threadflow/pkg/config"

	jsoniter "github.com/json-iterator/go"
)

// NewFromConfig builds the gateway stack declared in the raw 'llm' config
// section. Several groups fold into a FallbackGateway in declaration order.
func NewFromConfig(rawLLM jsoniter.RawMessage, system *config.SystemConfig) (Gateway, error) {
	if rawLLM == nil {
		return nil, fmt.Errorf("missing 'llm' config")
	}

	var groups []ProviderGroupConfig
	if err := json.Unmarshal(rawLLM, &groups); err != nil {
		return nil, fmt.Errorf("failed to parse 'llm' config: %w", err)
	}

	var gateways []Gateway
	for _, group := range groups {
		slog.Info("Loading LLM group", "type", group.Type, "models", len(group.Models))

		factory, ok := GetProviderFactory(group.Type)
		if !ok {
			slog.Warn("Unknown provider type", "type", group.Type)
			continue
		}

		created, err := factory.Create(group, system)
		if err != nil {
			slog.Warn("Failed to create provider gateways", "type", group.Type, "error", err)
			continue
		}

		gateways = append(gateways, created...)
	}

	if len(gateways) == 0 {
		return nil, fmt.Errorf("no LLM gateways could be initialized")
	}

	slog.Info("LLM gateways initialized", "count", len(gateways))

	if len(gateways) == 1 {
		return gateways[0], nil
	}

	return &FallbackGateway{
		Gateways:   gateways,
		MaxRetries: system.MaxRetries,
		RetryDelay: time.Duration(system.RetryDelayMs) * time.Millisecond,
	}, nil
}
