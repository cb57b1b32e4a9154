package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chatrelay/internal/activity"
	"github.com/nextlevelbuilder/chatrelay/internal/adapter"
	"github.com/nextlevelbuilder/chatrelay/internal/agentclient"
	"github.com/nextlevelbuilder/chatrelay/internal/buffer"
	"github.com/nextlevelbuilder/chatrelay/internal/config"
	"github.com/nextlevelbuilder/chatrelay/internal/history"
	"github.com/nextlevelbuilder/chatrelay/internal/model"
	"github.com/nextlevelbuilder/chatrelay/internal/processor"
	"github.com/nextlevelbuilder/chatrelay/internal/queue"
	"github.com/nextlevelbuilder/chatrelay/internal/sessionrepo"
	"github.com/nextlevelbuilder/chatrelay/internal/tracing"
	"github.com/nextlevelbuilder/chatrelay/internal/worker"
)

const (
	streamName = "chatrelay:jobs"
	groupName  = "chatrelay:workers"
)

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the session-processing worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context())
		},
	}
}

func runWorker(ctx context.Context) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL environment variable is not set")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	bufStore := buffer.New(rdb, cfg.Gate.TTL())
	actStore := activity.New(rdb)
	sessions := sessionrepo.New(cfg.DataDir)

	var histStore history.Store
	if cfg.Database.DSN != "" {
		pg, err := history.Connect(ctx, cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("connect history store: %w", err)
		}
		defer pg.Close()
		histStore = pg
	} else {
		slog.Warn("worker: DATABASE_URL not set, using in-memory history store")
		histStore = history.NewMemoryStore()
	}

	if cfg.Agent.ServerURL == "" {
		return fmt.Errorf("OPENCODE_SERVER_URL environment variable is not set")
	}
	agent := agentclient.New(cfg.Agent.ServerURL, cfg.Agent.RequestTimeout(), cfg.Agent.WaitTimeout(),
		agentclient.WithBasicAuth(cfg.Agent.ServerUsername, cfg.Agent.ServerPassword))
	// Same reachability probe as doctor: an unknown session id maps its 404 to (nil, nil).
	if _, err := agent.GetSession(ctx, "startup-check", "ses_doctor0000000000000000"); err != nil {
		return fmt.Errorf("connect to agent: %w", err)
	}

	var adp adapter.Adapter
	if cfg.Discord.Token != "" {
		discordAdapter, err := adapter.NewDiscordAdapter(cfg.Discord.Token)
		if err != nil {
			return fmt.Errorf("start discord adapter: %w", err)
		}
		defer discordAdapter.Close()
		adp = discordAdapter
	} else {
		slog.Warn("worker: CHATRELAY_DISCORD_TOKEN not set, using in-memory adapter")
		adp = adapter.NewMemoryAdapter()
	}

	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:      cfg.Telemetry.Enabled,
		ServiceName:  cfg.Telemetry.ServiceName,
		HTTPEndpoint: cfg.Telemetry.HTTPEndpoint,
		GRPCEndpoint: cfg.Telemetry.GRPCEndpoint,
		Insecure:     cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("start tracing: %w", err)
	}
	defer tracer.Shutdown(context.Background())

	proc := processor.New(sessions, bufStore, actStore, histStore, agent, adp, tracer, processor.Config{
		GateTTL:        cfg.Gate.TTL(),
		PromptMaxBytes: cfg.Agent.PromptMaxBytes,
		SystemPrompt:   "You are a helpful assistant relayed through chatrelay.",
		ApologyText:    "Sorry, something went wrong handling that. Please try again.",
		BuildTools:     []string{"read", "edit", "bash", "grep", "glob"},
		PlayTools:      []string{"read", "grep", "glob"},
		DefaultProvider: "opencode",
		DefaultModel:    "glm-4.7-free",
		ExternalProvider: cfg.ExternalProvider,
	})

	q := queue.New(rdb, streamName, groupName,
		queue.WithMaxAttempts(cfg.Worker.MaxAttempts),
		queue.WithBaseBackoff(cfg.Worker.BaseBackoff()),
		queue.WithKeepFailed(cfg.Worker.KeepFailedCount),
	)

	hostname, _ := os.Hostname()
	pool := worker.New(q, proc, worker.Config{
		Concurrency:     cfg.Worker.Concurrency,
		ReadCount:       10,
		BlockFor:        worker.DefaultConfig().BlockFor,
		StalledInterval: cfg.Worker.StalledInterval(),
		MaxStalled:      cfg.Worker.MaxStalledCount,
	}, hostname)

	reaper := activity.NewReaper(actStore, cfg.Activity.ReapCron, cfg.Activity.Idle(), func(ctx context.Context, key model.ConversationKey) error {
		slog.Info("worker: reaping idle conversation", "conversation", key.String())
		return nil
	})
	go func() {
		if err := reaper.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("worker: activity reaper stopped", "error", err)
		}
	}()

	if watchCh, err := cfg.Watch(ctx, cfgPath); err != nil {
		slog.Warn("worker: config hot-reload disabled", "error", err)
	} else {
		go func() {
			for next := range watchCh {
				slog.Info("worker: config reloaded", "gate_ttl", next.Gate.TTL(), "concurrency", next.Worker.Concurrency)
			}
		}()
	}

	slog.Info("worker: starting", "concurrency", cfg.Worker.Concurrency, "stream", streamName)
	return pool.Run(ctx)
}
