package ollama

import (
	"log/slog"

	"threadflow/pkg/config"
	"threadflow/pkg/llm"
)

// OllamaFactory handles creation of Ollama Clients
type OllamaFactory struct{}

// Create implements ProviderFactory
func (f *OllamaFactory) Create(cfg llm.ProviderGroupConfig, sys *config.SystemConfig) ([]llm.Gateway, error) {
	var gateways []llm.Gateway

	for _, model := range cfg.Models {
		client, err := NewOllamaClient(model, cfg.BaseURL, cfg.Options)
		if err != nil {
			slog.Error("Failed to create Ollama client", "model", model, "error", err)
			continue
		}
		client.SetDebug(sys != nil && sys.DebugChunks)
		gateways = append(gateways, client)
	}
	return gateways, nil
}

func init() {
	llm.RegisterProvider("ollama", &OllamaFactory{})
}
