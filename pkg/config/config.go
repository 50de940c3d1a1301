package config

import (
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
)

// Config defines the global application configuration structure.
// It maps directly to config.json and holds business-level settings.
type Config struct {
	// LLM holds the configuration for the gateway providers in raw JSON.
	LLM jsoniter.RawMessage `json:"llm"`
	// SystemPrompt is the instruction string sent as the initial system
	// message of every run.
	SystemPrompt string `json:"system_prompt"`
	// AccountID is the billing account charged for token usage.
	AccountID string `json:"account_id,omitempty"`
	// StorageDir is the root directory of the thread store.
	StorageDir string `json:"storage_dir,omitempty"`
}

// Validate ensures the configuration contains all mandatory fields.
func (c *Config) Validate() error {
	if len(c.LLM) == 0 {
		return fmt.Errorf("mandatory 'llm' configuration is missing or empty")
	}
	return nil
}

// SystemConfig defines engine-level technical parameters, usually stored in
// system.json. These control reliability and pipeline behavior.
type SystemConfig struct {
	// MaxRetries is how often a transient provider error is retried
	// before falling through to the next configured gateway.
	MaxRetries int `json:"max_retries"`
	// MaxAutoContinues bounds automatic re-invocation after truncation
	// or tool calls within one run.
	MaxAutoContinues int `json:"max_auto_continues"`
	// RetryDelayMs is the wait between consecutive retry attempts.
	RetryDelayMs int `json:"retry_delay_ms"`
	// LLMTimeoutMs is the hard cutoff for one gateway call.
	LLMTimeoutMs int `json:"llm_timeout_ms"`
	// InternalChannelBuffer sizes the chunk channels between pipeline
	// stages to avoid producer blocking.
	InternalChannelBuffer int `json:"internal_channel_buffer"`
	// HistoryKeepRecentCount is the tail window compression never elides.
	HistoryKeepRecentCount int `json:"history_keep_recent_count"`
	// ShowThinking controls whether thinking blocks are forwarded.
	ShowThinking bool `json:"show_thinking"`
	// DebugChunks saves every raw gateway chunk under /debug.
	DebugChunks bool `json:"debug_chunks"`
	// LogLevel sets the minimum severity for log output:
	// "debug", "info", "warn", "error". Default: "info".
	LogLevel string `json:"log_level"`
	// EnableTools globally toggles tool calling.
	EnableTools bool `json:"enable_tools"`
	// EnableContextManager toggles token-budget compression.
	EnableContextManager bool `json:"enable_context_manager"`
	// EnablePromptCaching toggles cache annotation and the fast-path
	// token budget check.
	EnablePromptCaching bool `json:"enable_prompt_caching"`
}

// DefaultSystemConfig returns safe defaults, used as a fallback when
// system.json is missing or corrupt so the engine can always start.
func DefaultSystemConfig() *SystemConfig {
	return &SystemConfig{
		MaxRetries:             3,
		MaxAutoContinues:       25,
		RetryDelayMs:           500,
		LLMTimeoutMs:           600000,
		InternalChannelBuffer:  100,
		HistoryKeepRecentCount: 10,
		ShowThinking:           true,
		LogLevel:               "info",
		EnableTools:            true,
		EnableContextManager:   true,
		EnablePromptCaching:    true,
	}
}

// Load reads and parses the JSON configuration files from the current
// working directory: config.json is mandatory, system.json falls back to
// defaults.
func Load() (*Config, *SystemConfig, error) {
	appPath := "config.json"
	if _, err := os.Stat(appPath); os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("config file '%s' not found. please create one", appPath)
	}

	appFile, err := os.ReadFile(appPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(appFile, &cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	sysCfg := LoadSystemConfig("system.json")

	return &cfg, sysCfg, nil
}

// LoadSystemConfig attempts to load system settings, returning defaults on
// any failure.
func LoadSystemConfig(path string) *SystemConfig {
	cfg := DefaultSystemConfig()

	file, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}

	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(file, cfg); err != nil {
		return cfg
	}

	return cfg
}
