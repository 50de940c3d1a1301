package anthropiclm

import (
	"log/slog"

	"threadflow/pkg/config"
	"threadflow/pkg/llm"
)

// AnthropicFactory handles creation of Anthropic Clients
type AnthropicFactory struct{}

// Create implements ProviderFactory
func (f *AnthropicFactory) Create(cfg llm.ProviderGroupConfig, sys *config.SystemConfig) ([]llm.Gateway, error) {
	var gateways []llm.Gateway

	apiKey := ""
	if len(cfg.APIKeys) > 0 {
		apiKey = cfg.APIKeys[0]
	}

	for _, model := range cfg.Models {
		client, err := NewClient(apiKey, model, cfg.BaseURL)
		if err != nil {
			slog.Error("Failed to create Anthropic client", "model", model, "error", err)
			continue
		}
		client.SetDebug(sys != nil && sys.DebugChunks)
		gateways = append(gateways, client)
	}
	return gateways, nil
}

func init() {
	llm.RegisterProvider("anthropic", &AnthropicFactory{})
}
