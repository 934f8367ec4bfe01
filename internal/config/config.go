// Package config holds the gateway configuration: a json5 file overlaid
// with JOI_* environment variables.
package config

import (
	"sync"

	"github.com/joilabs/joi-gateway/internal/router"
)

// Config is the full process configuration.
type Config struct {
	mu sync.RWMutex

	Gateway   GatewayConfig   `json:"gateway"`
	Database  DatabaseConfig  `json:"database"`
	Providers ProvidersConfig `json:"providers"`
	Models    ModelsConfig    `json:"models"`
	Agent     AgentConfig     `json:"agent"`
	Memory    MemoryConfig    `json:"memory"`
	Tools     ToolsConfig     `json:"tools"`
	Voice     VoiceConfig     `json:"voice"`
	APNS      APNSConfig      `json:"apns"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// GatewayConfig covers the listener and its shared-secret auth.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"token"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	RateLimitRPM   int      `json:"rate_limit_rpm"`
}

// DatabaseConfig names the Postgres instance.
type DatabaseConfig struct {
	DSN string `json:"dsn"`
}

// ProvidersConfig holds the upstream model provider credentials.
type ProvidersConfig struct {
	Anthropic  ProviderCredential `json:"anthropic"`
	OpenRouter ProviderCredential `json:"openrouter"`
	Ollama     OllamaConfig       `json:"ollama"`
}

// ProviderCredential is one hosted provider's key and optional base URL.
type ProviderCredential struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url,omitempty"`
}

// OllamaConfig points at the local Ollama instance.
type OllamaConfig struct {
	BaseURL string `json:"base_url"`
}

// ModelsConfig carries pricing overrides keyed by model name.
type ModelsConfig struct {
	Pricing map[string]router.Price `json:"pricing,omitempty"`
}

// AgentConfig tunes the turn runtime.
type AgentConfig struct {
	DefaultAgentID string `json:"default_agent_id"`
	HistoryLimit   int    `json:"history_limit"`
	IntentPattern  string `json:"intent_pattern,omitempty"`

	ClaudeCode ClaudeCodeConfig `json:"claude_code"`
}

// ClaudeCodeConfig configures the external coding-agent CLI executor.
type ClaudeCodeConfig struct {
	Enabled bool     `json:"enabled"`
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	WorkDir string   `json:"workdir,omitempty"`
}

// MemoryConfig tunes the memory store maintenance.
type MemoryConfig struct {
	ConsolidateCron string `json:"consolidate_cron"`
	Timezone        string `json:"timezone,omitempty"`
}

// ToolsConfig locates filesystem skills.
type ToolsConfig struct {
	SkillsDir string `json:"skills_dir"`
}

// VoiceConfig tunes the voice turn path.
type VoiceConfig struct {
	FillerDelaysMS []int `json:"filler_delays_ms,omitempty"`
}

// APNSConfig configures review push notifications.
type APNSConfig struct {
	Enabled      bool     `json:"enabled"`
	KeyFile      string   `json:"key_file,omitempty"`
	KeyID        string   `json:"key_id,omitempty"`
	TeamID       string   `json:"team_id,omitempty"`
	Topic        string   `json:"topic,omitempty"`
	DeviceTokens []string `json:"device_tokens,omitempty"`
	Production   bool     `json:"production"`
}

// TelemetryConfig gates the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure"`
}
