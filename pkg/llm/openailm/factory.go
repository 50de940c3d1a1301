package openailm

import (
	"log/slog"

	"threadflow/pkg/config"
	"threadflow/pkg/llm"
)

const openrouterBaseURL = "https://openrouter.ai/api/v1"

// OpenAIFactory handles creation of OpenAI Clients, including
// OpenAI-compatible routers.
type OpenAIFactory struct {
	provider string
}

// Create implements ProviderFactory
func (f *OpenAIFactory) Create(cfg llm.ProviderGroupConfig, sys *config.SystemConfig) ([]llm.Gateway, error) {
	var gateways []llm.Gateway

	apiKey := ""
	if len(cfg.APIKeys) > 0 {
		apiKey = cfg.APIKeys[0]
	}

	for _, model := range cfg.Models {
		baseURL := cfg.BaseURL
		if baseURL == "" && f.provider == "openrouter" {
			baseURL = openrouterBaseURL
		}

		client, err := NewClient(f.provider, apiKey, model, baseURL, cfg.Options)
		if err != nil {
			slog.Error("Failed to create OpenAI client", "provider", f.provider, "model", model, "error", err)
			continue
		}
		client.SetDebug(sys != nil && sys.DebugChunks)
		gateways = append(gateways, client)
	}
	return gateways, nil
}

func init() {
	llm.RegisterProvider("openai", &OpenAIFactory{provider: "openai"})
	llm.RegisterProvider("openrouter", &OpenAIFactory{provider: "openrouter"})
}
