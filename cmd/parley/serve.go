package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/parley/internal/agent"
	"github.com/gosuda/parley/internal/approval"
	"github.com/gosuda/parley/internal/broadcast"
	"github.com/gosuda/parley/internal/config"
	"github.com/gosuda/parley/internal/persist"
	"github.com/gosuda/parley/internal/provider"
	"github.com/gosuda/parley/internal/provider/anthropic"
	"github.com/gosuda/parley/internal/queue"
	"github.com/gosuda/parley/internal/sequencer"
	"github.com/gosuda/parley/internal/server"
	redisstore "github.com/gosuda/parley/internal/store/redis"
	"github.com/gosuda/parley/internal/tool"
	"github.com/gosuda/parley/internal/usage"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply the database schema before serving")
	return cmd
}

func newProviders() *provider.Registry {
	reg := provider.NewRegistry()
	reg.Register("echo", provider.NewEcho)
	reg.Register(anthropic.Name, anthropic.NewFromConfig)
	return reg
}

func newTools(cfg *config.Config) (*tool.Registry, error) {
	tools := tool.NewRegistry()
	for _, t := range tool.Builtins() {
		if err := tools.Register(t); err != nil {
			return nil, err
		}
	}
	if cfg.Tools.PolicyFile != "" {
		policy, err := tool.LoadPolicy(cfg.Tools.PolicyFile)
		if err != nil {
			return nil, err
		}
		tools.ApplyPolicy(policy)
	}
	return tools, nil
}

func serve(ctx context.Context, cfg *config.Config, migrate bool) error {
	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if migrate {
		if m, ok := st.(interface{ Migrate(context.Context) error }); ok {
			if err := m.Migrate(ctx); err != nil {
				return err
			}
		}
	}

	// Broadcasting and approval relay.
	hub := broadcast.NewHub(broadcast.DefaultBuffer)
	var b broadcast.Broadcaster = hub
	gate := approval.NewGate(cfg.Approval.Timeout, st.Approvals())
	var relay *approval.Relay
	if cfg.Broadcast == config.BroadcastRedis {
		pubsub, err := redisstore.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer pubsub.Close()

		b = broadcast.NewRedisBroadcaster(ctx, hub, pubsub)
		relay = approval.NewRelay(gate, pubsub)
		go func() {
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("parley: approval relay stopped")
			}
		}()
	}

	// Persistence and usage queues. Workers outlive ctx so Stop can drain.
	retry := queue.RetryPolicy{
		MaxAttempts:  cfg.Queue.MaxAttempts,
		InitialDelay: cfg.Queue.InitialBackoff,
		Multiplier:   2,
		MaxDelay:     cfg.Queue.MaxBackoff,
	}
	opts := queue.Options{Workers: cfg.Queue.Workers, Retry: retry}
	eventsQ := queue.New(persist.QueueName, persist.NewWriter(st.Events(), st.Messages()), opts)
	usageQ := queue.New(usage.QueueName, usage.NewWriter(st.Usage()), opts)
	queues := queue.NewRegistry()
	queues.Register(eventsQ)
	queues.Register(usageQ)
	queues.StartAll(context.WithoutCancel(ctx))

	prov, err := newProviders().Create(cfg.Provider.Name, provider.Config{
		APIKey:    cfg.Provider.APIKey,
		BaseURL:   cfg.Provider.BaseURL,
		Model:     cfg.Provider.Model,
		MaxTokens: cfg.Provider.MaxTokens,
	})
	if err != nil {
		return err
	}
	tools, err := newTools(cfg)
	if err != nil {
		return err
	}

	exec := agent.NewExecutor(agent.ExecutorDeps{
		Provider:       prov,
		Tools:          tools,
		Sequencer:      sequencer.New(st.Events()),
		Broadcaster:    b,
		Events:         eventsQ,
		Messages:       st.Messages(),
		Gate:           gate,
		Usage:          usage.NewAccountant(usageQ),
		Model:          cfg.Provider.Model,
		System:         cfg.Provider.System,
		MaxTokens:      cfg.Provider.MaxTokens,
		ThinkingBudget: cfg.Provider.ThinkingBudget,
		MaxTurns:       cfg.Run.MaxTurns,
	})
	orchestrator := agent.NewOrchestrator(exec, st.Sessions(), gate, st.Approvals(), relay)

	srv := server.New(ctx, cfg, server.Deps{
		Store:        st,
		Orchestrator: orchestrator,
		Queues:       queues,
		Broadcaster:  b,
	})

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Str("provider", prov.Name()).Msg("parley: starting server")
		serveErr <- srv.Start(ctx)
	}()

	// Block until shutdown signal or listener failure.
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}
	log.Info().Msg("parley: shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Order: stop accepting requests, end runs so their terminal events are
	// enqueued, then drain the queues.
	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := queues.StopAll(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("parley: shutdown: %w", errors.Join(errs...))
	}

	log.Info().Msg("parley: stopped")
	return nil
}
