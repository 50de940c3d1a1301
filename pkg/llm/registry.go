package llm

import (
	"threadflow/pkg/config"
)

// ProviderGroupConfig declares one group of models served by a provider.
type ProviderGroupConfig struct {
	Type    string         `json:"type"`
	APIKeys []string       `json:"api_keys,omitempty"`
	Models  []string       `json:"models"`
	BaseURL string         `json:"base_url,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

// ProviderFactory builds gateways from a group configuration.
type ProviderFactory interface {
	// Create returns one gateway per configured model/key combination.
	Create(groupConfig ProviderGroupConfig, systemConfig *config.SystemConfig) ([]Gateway, error)
}

var providerRegistry = make(map[string]ProviderFactory)

// RegisterProvider registers a provider factory under a type name.
func RegisterProvider(name string, factory ProviderFactory) {
	providerRegistry[name] = factory
}

// GetProviderFactory looks up a registered provider factory.
func GetProviderFactory(name string) (ProviderFactory, bool) {
	f, ok := providerRegistry[name]
	return f, ok
}
