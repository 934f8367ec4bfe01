package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Gateway.Host != "0.0.0.0" || cfg.Gateway.Port != 18890 {
		t.Errorf("gateway defaults = %s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	}
	if cfg.Agent.DefaultAgentID != "personal" {
		t.Errorf("default agent = %q", cfg.Agent.DefaultAgentID)
	}
	if cfg.Agent.HistoryLimit != 8 {
		t.Errorf("history limit = %d", cfg.Agent.HistoryLimit)
	}
	if cfg.Providers.Ollama.BaseURL != "http://localhost:11434" {
		t.Errorf("ollama url = %q", cfg.Providers.Ollama.BaseURL)
	}
	if cfg.Memory.ConsolidateCron != "0 4 * * *" {
		t.Errorf("consolidate cron = %q", cfg.Memory.ConsolidateCron)
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Port != 18890 {
		t.Errorf("port = %d, want default", cfg.Gateway.Port)
	}
}

// TestLoadJSON5 exercises the relaxed syntax the config file format allows:
// comments, unquoted keys and trailing commas.
func TestLoadJSON5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	body := `{
		// listener
		gateway: {
			port: 9999,
			token: "hunter2",
		},
		agent: {
			default_agent_id: "research",
			history_limit: 4,
		},
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Port != 9999 || cfg.Gateway.Token != "hunter2" {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	if cfg.Agent.DefaultAgentID != "research" || cfg.Agent.HistoryLimit != 4 {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	// Untouched sections keep their defaults.
	if cfg.Providers.Ollama.BaseURL != "http://localhost:11434" {
		t.Errorf("ollama url = %q", cfg.Providers.Ollama.BaseURL)
	}
}

func TestLoadInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	if err := os.WriteFile(path, []byte("{{{"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("JOI_GATEWAY_TOKEN", "env-secret")
	t.Setenv("JOI_PORT", "7777")
	t.Setenv("JOI_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("JOI_DEFAULT_AGENT", "ops")
	t.Setenv("JOI_TELEMETRY_ENABLED", "1")

	path := filepath.Join(t.TempDir(), "config.json5")
	if err := os.WriteFile(path, []byte(`{gateway: {token: "file-secret", port: 1234}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Token != "env-secret" {
		t.Errorf("token = %q, env must win over file", cfg.Gateway.Token)
	}
	if cfg.Gateway.Port != 7777 {
		t.Errorf("port = %d", cfg.Gateway.Port)
	}
	if len(cfg.Gateway.AllowedOrigins) != 2 || cfg.Gateway.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("origins = %v", cfg.Gateway.AllowedOrigins)
	}
	if cfg.Agent.DefaultAgentID != "ops" {
		t.Errorf("agent = %q", cfg.Agent.DefaultAgentID)
	}
	if !cfg.Telemetry.Enabled {
		t.Error("telemetry should be enabled via env")
	}
}

func TestEnvOverridesIgnoreBadPort(t *testing.T) {
	t.Setenv("JOI_PORT", "not-a-number")
	cfg := Default()
	cfg.applyEnvOverrides()
	if cfg.Gateway.Port != 18890 {
		t.Errorf("port = %d, bad env value must be ignored", cfg.Gateway.Port)
	}
}

func TestMaskedCopy(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Token = "secret-token"
	cfg.Providers.Anthropic.APIKey = "sk-ant-123"
	cfg.Providers.OpenRouter.APIKey = ""

	masked := cfg.MaskedCopy()
	if masked.Gateway.Token != "***" {
		t.Errorf("token = %q, want masked", masked.Gateway.Token)
	}
	if masked.Providers.Anthropic.APIKey != "***" {
		t.Errorf("anthropic key = %q, want masked", masked.Providers.Anthropic.APIKey)
	}
	if masked.Providers.OpenRouter.APIKey != "" {
		t.Errorf("empty key must stay empty, got %q", masked.Providers.OpenRouter.APIKey)
	}
	if masked.Database.DSN != "***" {
		t.Errorf("dsn = %q, want masked", masked.Database.DSN)
	}

	// Masking is a copy, not a mutation.
	if cfg.Gateway.Token != "secret-token" {
		t.Errorf("original token mutated to %q", cfg.Gateway.Token)
	}
}

func TestReplaceFromKeepsCredentials(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Token = "keep-me"
	cfg.Providers.Anthropic.APIKey = "sk-ant-123"

	next := Default()
	next.Agent.DefaultAgentID = "research"
	next.Gateway.Token = "attacker"
	next.Providers.Anthropic.APIKey = "stolen"

	cfg.ReplaceFrom(next)

	if cfg.Agent.DefaultAgentID != "research" {
		t.Errorf("agent = %q, mutable settings must be replaced", cfg.Agent.DefaultAgentID)
	}
	if cfg.Gateway.Token != "keep-me" {
		t.Errorf("token = %q, credentials are immutable at runtime", cfg.Gateway.Token)
	}
	if cfg.Providers.Anthropic.APIKey != "sk-ant-123" {
		t.Errorf("api key = %q, credentials are immutable at runtime", cfg.Providers.Anthropic.APIKey)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json5")
	cfg := Default()
	cfg.Agent.DefaultAgentID = "saved"

	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Agent.DefaultAgentID != "saved" {
		t.Errorf("agent = %q after round trip", loaded.Agent.DefaultAgentID)
	}
}

func TestExpandHome(t *testing.T) {
	home, _ := os.UserHomeDir()
	tests := []struct {
		in   string
		want string
	}{
		{"~/.joi/skills", home + "/.joi/skills"},
		{"~", home},
		{"/abs/path", "/abs/path"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExpandHome(tt.in); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
