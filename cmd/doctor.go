package cmd

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chatrelay/internal/agentclient"
	"github.com/nextlevelbuilder/chatrelay/internal/config"
	"github.com/nextlevelbuilder/chatrelay/internal/history"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check dependency health before starting the worker",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

// label pads name to width columns using display width, not byte
// length, so aligned output survives wide runes in future labels.
func label(name string, width int) string {
	tag := name + ":"
	pad := width - runewidth.StringWidth(tag)
	if pad < 0 {
		pad = 0
	}
	return tag + padSpaces(pad)
}

func padSpaces(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = ' '
	}
	return string(b)
}

func runDoctor() {
	fmt.Println("chatrelay doctor")
	fmt.Printf("  OS: %s/%s  Go: %s\n\n", runtime.GOOS, runtime.GOARCH, runtime.Version())

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  %s %s\n", label("Config", 12), err)
		return
	}
	fmt.Printf("  %s %s\n", label("Config", 12), cfgPath)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	checkRedis(ctx, cfg)
	checkPostgres(ctx, cfg)
	checkAgent(ctx, cfg)
	checkDiscord(cfg)

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkRedis(ctx context.Context, cfg *config.Config) {
	if cfg.Redis.URL == "" {
		fmt.Printf("  %s REDIS_URL not set\n", label("Redis", 12))
		return
	}
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		fmt.Printf("  %s bad REDIS_URL (%s)\n", label("Redis", 12), err)
		return
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		fmt.Printf("  %s PING FAILED (%s)\n", label("Redis", 12), err)
		return
	}
	fmt.Printf("  %s OK\n", label("Redis", 12))
}

func checkPostgres(ctx context.Context, cfg *config.Config) {
	if cfg.Database.DSN == "" {
		fmt.Printf("  %s DATABASE_URL not set (history store falls back to memory)\n", label("Postgres", 12))
		return
	}
	store, err := history.Connect(ctx, cfg.Database.DSN)
	if err != nil {
		fmt.Printf("  %s CONNECT FAILED (%s)\n", label("Postgres", 12), err)
		return
	}
	defer store.Close()
	fmt.Printf("  %s OK\n", label("Postgres", 12))
}

func checkAgent(ctx context.Context, cfg *config.Config) {
	if cfg.Agent.ServerURL == "" {
		fmt.Printf("  %s OPENCODE_SERVER_URL not set\n", label("Agent", 12))
		return
	}
	client := agentclient.New(cfg.Agent.ServerURL, cfg.Agent.RequestTimeout(), cfg.Agent.WaitTimeout(),
		agentclient.WithBasicAuth(cfg.Agent.ServerUsername, cfg.Agent.ServerPassword))
	// A lookup against a session id that cannot exist still proves the
	// service is reachable and answering: GetSession maps its 404 to (nil, nil).
	_, err := client.GetSession(ctx, "doctor-check", "ses_doctor0000000000000000")
	if err != nil {
		fmt.Printf("  %s UNREACHABLE (%s)\n", label("Agent", 12), err)
		return
	}
	fmt.Printf("  %s OK (%s)\n", label("Agent", 12), cfg.Agent.ServerURL)
}

func checkDiscord(cfg *config.Config) {
	if cfg.Discord.Token == "" {
		fmt.Printf("  %s CHATRELAY_DISCORD_TOKEN not set\n", label("Discord", 12))
		return
	}
	fmt.Printf("  %s token configured\n", label("Discord", 12))
}
