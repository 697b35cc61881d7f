package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// StorePath is the default location of the SQLite store, used by CLI
// subcommands that run without a full config load.
const StorePath = "data/synergos.db"

type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Provider  ProviderConfig  `yaml:"provider"`
	Memory    MemoryConfig    `yaml:"memory"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Agents    []AgentConfig   `yaml:"agents"`
	Digests   []DigestConfig  `yaml:"digests"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Web       WebConfig       `yaml:"web"`
}

type TransportConfig struct {
	Backend string      `yaml:"backend"` // "nats" or "redis"
	NATS    NATSConfig  `yaml:"nats"`
	Redis   RedisConfig `yaml:"redis"`
}

type NATSConfig struct {
	URL      string `yaml:"url"`      // external server; empty means embedded
	Embedded bool   `yaml:"embedded"` // run an in-process server
	Port     int    `yaml:"port"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type ProviderConfig struct {
	Backend     string        `yaml:"backend"` // "gemini", "anthropic" or "openai"
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`  // literal value or "secret:NAME"
	BaseURL     string        `yaml:"base_url"` // empty picks the backend's public endpoint
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
	RateLimit   float64       `yaml:"rate_limit"` // requests per second
	Burst       int           `yaml:"burst"`
	Retries     int           `yaml:"retries"`
}

type MemoryConfig struct {
	Path          string        `yaml:"path"`
	TTL           time.Duration `yaml:"ttl"` // 0 keeps memories forever
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type RuntimeConfig struct {
	QueueSize   int           `yaml:"queue_size"`
	Concurrency int           `yaml:"concurrency"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
	Retention   time.Duration `yaml:"retention"`
}

type AgentConfig struct {
	ID        string `yaml:"id"`
	Type      string `yaml:"type"` // "research" or "synthesis"
	Specialty string `yaml:"specialty"`
}

type DigestConfig struct {
	Name  string        `yaml:"name"`
	Agent string        `yaml:"agent"`
	Query string        `yaml:"query"`
	Cron  string        `yaml:"cron"`  // cron expression, or
	Every time.Duration `yaml:"every"` // fixed interval
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"` // bearer token; empty disables auth
}

func defaults() Config {
	return Config{
		Transport: TransportConfig{
			Backend: "nats",
			NATS: NATSConfig{
				Embedded: true,
				Port:     4222,
			},
			Redis: RedisConfig{
				URL: "redis://localhost:6379/0",
			},
		},
		Provider: ProviderConfig{
			Backend:     "gemini",
			Model:       "gemini-2.0-flash",
			Temperature: 0.7,
			MaxTokens:   2048,
			Timeout:     60 * time.Second,
			RateLimit:   1,
			Burst:       2,
			Retries:     3,
		},
		Memory: MemoryConfig{
			Path:          StorePath,
			SweepInterval: 5 * time.Minute,
		},
		Runtime: RuntimeConfig{
			QueueSize:   128,
			Concurrency: 1,
			TaskTimeout: 2 * time.Minute,
			Retention:   time.Hour,
		},
		Agents: []AgentConfig{
			{ID: "research-1", Type: "research", Specialty: "general"},
			{ID: "synthesis-1", Type: "synthesis"},
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("SYNERGOS_CONFIG")
	if path == "" {
		path = "config/synergos.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	applyEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SYNERGOS_TRANSPORT"); v != "" {
		cfg.Transport.Backend = v
	}
	if v := os.Getenv("SYNERGOS_NATS_URL"); v != "" {
		cfg.Transport.NATS.URL = v
		cfg.Transport.NATS.Embedded = false
	}
	if v := os.Getenv("SYNERGOS_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Transport.NATS.Port = port
		}
	}
	if v := os.Getenv("SYNERGOS_REDIS_URL"); v != "" {
		cfg.Transport.Redis.URL = v
	}
	if v := os.Getenv("SYNERGOS_PROVIDER"); v != "" {
		cfg.Provider.Backend = v
	}
	if v := os.Getenv("SYNERGOS_MODEL"); v != "" {
		cfg.Provider.Model = v
	}
	if v := providerKeyFromEnv(cfg.Provider.Backend); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("SYNERGOS_MEMORY_PATH"); v != "" {
		cfg.Memory.Path = v
	}
	if v := os.Getenv("SYNERGOS_TASK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Runtime.TaskTimeout = d
		}
	}
	if v := os.Getenv("SYNERGOS_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("SYNERGOS_WEB_TOKEN"); v != "" {
		cfg.Web.Auth = v
	}
}

func providerKeyFromEnv(backend string) string {
	switch backend {
	case "gemini":
		return os.Getenv("GEMINI_API_KEY")
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	}
	return ""
}

func validate(cfg *Config) error {
	switch cfg.Transport.Backend {
	case "nats", "redis":
	default:
		return fmt.Errorf("unknown transport backend %q", cfg.Transport.Backend)
	}
	switch cfg.Provider.Backend {
	case "gemini", "anthropic", "openai", "none":
	default:
		return fmt.Errorf("unknown provider backend %q", cfg.Provider.Backend)
	}
	seen := make(map[string]bool, len(cfg.Agents))
	for _, a := range cfg.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent with empty id")
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true
		switch a.Type {
		case "research", "synthesis":
		default:
			return fmt.Errorf("agent %s: unknown type %q", a.ID, a.Type)
		}
	}
	for _, d := range cfg.Digests {
		if d.Name == "" || d.Agent == "" || d.Query == "" {
			return fmt.Errorf("digest %q: name, agent and query are required", d.Name)
		}
		if d.Cron == "" && d.Every == 0 {
			return fmt.Errorf("digest %q: cron or every is required", d.Name)
		}
	}
	return nil
}
