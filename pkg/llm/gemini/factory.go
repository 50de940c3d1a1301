package gemini

import (
	"context"
	"log/slog"

	"threadflow/pkg/config"
	"threadflow/pkg/llm"
)

// GeminiFactory handles creation of Gemini Clients
type GeminiFactory struct{}

// Create implements ProviderFactory
func (f *GeminiFactory) Create(cfg llm.ProviderGroupConfig, sys *config.SystemConfig) ([]llm.Gateway, error) {
	var gateways []llm.Gateway

	useThought := false
	if effort, ok := cfg.Options["thinking_effort"].(string); ok && effort != "" && effort != "off" {
		useThought = true
	}

	// Cartesian product: models x keys (prioritize models)
	for _, model := range cfg.Models {
		for _, key := range cfg.APIKeys {
			client, err := NewGeminiClient(context.Background(), key, model, useThought)
			if err != nil {
				slog.Error("Failed to create Gemini client", "model", model, "error", err)
				continue
			}
			client.SetDebug(sys != nil && sys.DebugChunks)
			gateways = append(gateways, client)
		}
	}
	return gateways, nil
}

func init() {
	llm.RegisterProvider("gemini", &GeminiFactory{})
}
