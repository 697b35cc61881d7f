package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.Transport.Backend != "nats" {
		t.Errorf("expected default transport nats, got %s", cfg.Transport.Backend)
	}
	if !cfg.Transport.NATS.Embedded {
		t.Error("expected embedded nats by default")
	}
	if cfg.Transport.NATS.Port != 4222 {
		t.Errorf("expected nats port 4222, got %d", cfg.Transport.NATS.Port)
	}
	if cfg.Provider.Backend != "gemini" {
		t.Errorf("expected default provider gemini, got %s", cfg.Provider.Backend)
	}
	if cfg.Provider.Timeout != 60*time.Second {
		t.Errorf("expected provider timeout 60s, got %v", cfg.Provider.Timeout)
	}
	if cfg.Runtime.Concurrency != 1 {
		t.Errorf("expected concurrency 1, got %d", cfg.Runtime.Concurrency)
	}
	if cfg.Runtime.Retention != time.Hour {
		t.Errorf("expected retention 1h, got %v", cfg.Runtime.Retention)
	}
	if cfg.Memory.Path != StorePath {
		t.Errorf("expected memory path %s, got %s", StorePath, cfg.Memory.Path)
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("expected web port 8080, got %d", cfg.Web.Port)
	}
	if !cfg.Web.Enabled {
		t.Error("expected web enabled by default")
	}
	if len(cfg.Agents) != 2 {
		t.Fatalf("expected 2 default agents, got %d", len(cfg.Agents))
	}
	if cfg.Agents[0].Type != "research" || cfg.Agents[1].Type != "synthesis" {
		t.Errorf("unexpected default agent types: %+v", cfg.Agents)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	// Point config to a non-existent file so we use defaults
	t.Setenv("SYNERGOS_CONFIG", "/nonexistent/config.yaml")
	t.Setenv("SYNERGOS_TRANSPORT", "redis")
	t.Setenv("SYNERGOS_REDIS_URL", "redis://cache:6379/2")
	t.Setenv("SYNERGOS_WEB_TOKEN", "hunter2")
	t.Setenv("SYNERGOS_WEB_PORT", "9090")
	t.Setenv("SYNERGOS_TASK_TIMEOUT", "90s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Transport.Backend != "redis" {
		t.Errorf("expected transport redis, got %s", cfg.Transport.Backend)
	}
	if cfg.Transport.Redis.URL != "redis://cache:6379/2" {
		t.Errorf("expected redis url override, got %s", cfg.Transport.Redis.URL)
	}
	if cfg.Web.Auth != "hunter2" {
		t.Errorf("expected web auth hunter2, got %s", cfg.Web.Auth)
	}
	if cfg.Web.Port != 9090 {
		t.Errorf("expected web port 9090, got %d", cfg.Web.Port)
	}
	if cfg.Runtime.TaskTimeout != 90*time.Second {
		t.Errorf("expected task timeout 90s, got %v", cfg.Runtime.TaskTimeout)
	}
}

func TestProviderKeyFromEnv(t *testing.T) {
	t.Setenv("SYNERGOS_CONFIG", "/nonexistent/config.yaml")
	t.Setenv("SYNERGOS_PROVIDER", "anthropic")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	t.Setenv("GEMINI_API_KEY", "gm-should-be-ignored")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Provider.Backend != "anthropic" {
		t.Errorf("expected provider anthropic, got %s", cfg.Provider.Backend)
	}
	if cfg.Provider.APIKey != "sk-ant-test" {
		t.Errorf("expected anthropic key, got %s", cfg.Provider.APIKey)
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	raw := `
transport:
  backend: redis
  redis:
    url: "redis://yaml:6379/0"
provider:
  backend: openai
  model: gpt-4o-mini
  max_tokens: 512
agents:
  - id: researcher
    type: research
    specialty: distributed systems
web:
  port: 3000
  enabled: false
`
	if err := os.WriteFile(cfgPath, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SYNERGOS_CONFIG", cfgPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Transport.Backend != "redis" {
		t.Errorf("expected transport redis, got %s", cfg.Transport.Backend)
	}
	if cfg.Transport.Redis.URL != "redis://yaml:6379/0" {
		t.Errorf("unexpected redis url %s", cfg.Transport.Redis.URL)
	}
	if cfg.Provider.Backend != "openai" || cfg.Provider.Model != "gpt-4o-mini" {
		t.Errorf("unexpected provider: %+v", cfg.Provider)
	}
	if cfg.Provider.MaxTokens != 512 {
		t.Errorf("expected max_tokens 512, got %d", cfg.Provider.MaxTokens)
	}
	// Untouched sections keep their defaults
	if cfg.Scheduler.PollInterval != 30*time.Second {
		t.Errorf("expected default poll interval, got %v", cfg.Scheduler.PollInterval)
	}
	if len(cfg.Agents) != 1 || cfg.Agents[0].ID != "researcher" {
		t.Errorf("unexpected agents: %+v", cfg.Agents)
	}
	if cfg.Agents[0].Specialty != "distributed systems" {
		t.Errorf("unexpected specialty: %s", cfg.Agents[0].Specialty)
	}
	if cfg.Web.Enabled {
		t.Error("expected web disabled from yaml")
	}
}

func TestLoadEnvExpansion(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	raw := `
provider:
  backend: gemini
  api_key: "${TEST_SYNERGOS_KEY}"
`
	if err := os.WriteFile(cfgPath, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SYNERGOS_CONFIG", cfgPath)
	t.Setenv("TEST_SYNERGOS_KEY", "expanded-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Provider.APIKey != "expanded-key" {
		t.Errorf("expected expanded api key, got %s", cfg.Provider.APIKey)
	}
}

func TestValidate(t *testing.T) {
	cfg := defaults()
	cfg.Transport.Backend = "carrier-pigeon"
	if err := validate(&cfg); err == nil {
		t.Error("expected error for unknown transport backend")
	}

	cfg = defaults()
	cfg.Agents = append(cfg.Agents, AgentConfig{ID: "research-1", Type: "research"})
	if err := validate(&cfg); err == nil {
		t.Error("expected error for duplicate agent id")
	}

	cfg = defaults()
	cfg.Agents[0].Type = "oracle"
	if err := validate(&cfg); err == nil {
		t.Error("expected error for unknown agent type")
	}

	cfg = defaults()
	cfg.Digests = []DigestConfig{{Name: "daily", Agent: "research-1", Query: "news"}}
	if err := validate(&cfg); err == nil {
		t.Error("expected error for digest without schedule")
	}
}
