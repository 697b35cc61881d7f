package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/synergos-io/synergos/internal/agent"
	"github.com/synergos-io/synergos/internal/comms"
	"github.com/synergos-io/synergos/internal/config"
	"github.com/synergos-io/synergos/internal/memory"
	"github.com/synergos-io/synergos/internal/provider"
	"github.com/synergos-io/synergos/internal/scheduler"
	"github.com/synergos-io/synergos/internal/tasks"
	"github.com/synergos-io/synergos/internal/transport"
	"github.com/synergos-io/synergos/internal/vault"
	"github.com/synergos-io/synergos/internal/web"
)

func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting synergos gateway", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Memory store
	store, err := memory.Open(cfg.Memory)
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	defer store.Close()
	go store.Run(ctx)
	slog.Info("memory store opened", "path", cfg.Memory.Path)

	// Transport
	broker, closeBroker, err := buildBroker(ctx, cfg.Transport)
	if err != nil {
		return fmt.Errorf("init transport: %w", err)
	}
	defer closeBroker()
	slog.Info("transport connected", "backend", cfg.Transport.Backend)

	// Communication handler and task registry
	comm := comms.New(broker)
	reg := tasks.NewRegistry(tasks.WithRetention(cfg.Runtime.Retention))
	go reg.Run(ctx)

	// Completion provider
	llm, err := buildProvider(cfg.Provider, store)
	if err != nil {
		return fmt.Errorf("init provider: %w", err)
	}

	// Agents
	opts := []agent.Option{
		agent.WithComms(comm),
		agent.WithEvents(broker),
		agent.WithQueueSize(cfg.Runtime.QueueSize),
		agent.WithConcurrency(cfg.Runtime.Concurrency),
		agent.WithTaskTimeout(cfg.Runtime.TaskTimeout),
	}

	var agents []web.Agent
	submitters := make(map[string]scheduler.Submitter, len(cfg.Agents))
	for _, ac := range cfg.Agents {
		var rt web.Agent
		switch ac.Type {
		case "research":
			rt = agent.NewResearch(ac, llm, store, reg, opts...)
		case "synthesis":
			rt = agent.NewSynthesis(ac, llm, store, reg, opts...)
		default:
			return fmt.Errorf("agent %s: unknown type %q", ac.ID, ac.Type)
		}
		agents = append(agents, rt)
		submitters[ac.ID] = rt
	}

	type startable interface {
		Start(ctx context.Context) error
		Stop(ctx context.Context) error
	}
	for _, a := range agents {
		if err := a.(startable).Start(ctx); err != nil {
			return fmt.Errorf("start agent %s: %w", a.ID(), err)
		}
	}
	slog.Info("agents started", "count", len(agents))

	// Scheduler
	sched, err := scheduler.New(cfg.Scheduler, cfg.Digests, submitters, broker)
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}
	go sched.Start(ctx)

	// Web API
	if cfg.Web.Enabled {
		srv := web.NewServer(comm, reg, store, broker, agents, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// Wait for shutdown; SIGHUP re-reads the config and retunes the
	// scheduler without a restart.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for {
		sig := <-sigCh
		if sig != syscall.SIGHUP {
			slog.Info("shutting down", "signal", sig)
			break
		}
		reloaded, err := config.Load()
		if err != nil {
			slog.Warn("config reload failed", "error", err)
			continue
		}
		sched.UpdatePollInterval(reloaded.Scheduler.PollInterval)
		slog.Info("config reloaded", "poll_interval", reloaded.Scheduler.PollInterval)
	}
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	for _, a := range agents {
		if err := a.(startable).Stop(stopCtx); err != nil {
			slog.Warn("agent stop failed", "agent", a.ID(), "error", err)
		}
	}
	return nil
}

// buildBroker connects the configured transport backend. For embedded NATS
// the returned cleanup also shuts the in-process server down.
func buildBroker(ctx context.Context, cfg config.TransportConfig) (transport.Broker, func(), error) {
	switch cfg.Backend {
	case "redis":
		broker, err := transport.DialRedis(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, nil, err
		}
		return broker, func() { broker.Close() }, nil
	case "nats":
		if cfg.NATS.URL != "" && !cfg.NATS.Embedded {
			broker, err := transport.DialNATS(cfg.NATS.URL)
			if err != nil {
				return nil, nil, err
			}
			return broker, func() { broker.Close() }, nil
		}
		srv, err := transport.NewServer(cfg.NATS)
		if err != nil {
			return nil, nil, err
		}
		broker, err := transport.DialNATS(srv.ClientURL())
		if err != nil {
			srv.Close()
			return nil, nil, err
		}
		return broker, func() { broker.Close(); srv.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport backend %q", cfg.Backend)
	}
}

// buildProvider resolves secret: key indirection through the vault and
// constructs the configured completion backend.
func buildProvider(cfg config.ProviderConfig, store *memory.Store) (provider.Completer, error) {
	if cfg.Backend == "none" {
		return provider.Func(func(context.Context, provider.Request) (string, error) {
			return "", fmt.Errorf("no completion backend configured: %w", provider.ErrServiceUnavailable)
		}), nil
	}

	if name, ok := strings.CutPrefix(cfg.APIKey, "secret:"); ok {
		passphrase := os.Getenv("SYNERGOS_VAULT_PASSPHRASE")
		if passphrase == "" {
			return nil, fmt.Errorf("api key references secret %q but SYNERGOS_VAULT_PASSPHRASE is not set", name)
		}
		sec, err := store.GetSecret(name)
		if err != nil {
			return nil, fmt.Errorf("load secret %q: %w", name, err)
		}
		if sec == nil {
			return nil, fmt.Errorf("secret %q not found", name)
		}
		key, err := vault.New(passphrase).Open(sec.Value, sec.Nonce)
		if err != nil {
			return nil, fmt.Errorf("decrypt secret %q: %w", name, err)
		}
		cfg.APIKey = key
	}

	return provider.New(cfg)
}
