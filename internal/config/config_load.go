package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
)

// Load reads path as JSON5 (missing file = defaults only), then overlays
// the env vars named in spec §6. Env always wins over the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays the environment variables named in spec §6
// onto cfg, matching the teacher's applyEnvOverrides split between
// tunable file fields and env-only secrets.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("DATA_DIR", &c.DataDir)
	envStr("REDIS_URL", &c.Redis.URL)
	envStr("DATABASE_URL", &c.Database.DSN)

	envStr("OPENCODE_SERVER_URL", &c.Agent.ServerURL)
	envStr("OPENCODE_SERVER_USERNAME", &c.Agent.ServerUsername)
	envStr("OPENCODE_SERVER_PASSWORD", &c.Agent.ServerPassword)
	envInt("OPENCODE_SERVER_TIMEOUT_MS", &c.Agent.TimeoutMs)
	envInt("OPENCODE_SERVER_WAIT_TIMEOUT_MS", &c.Agent.WaitTimeoutMs)
	envInt("OPENCODE_PROMPT_MAX_BYTES", &c.Agent.PromptMaxBytes)

	envStr("OPENAI_BASE_URL", &c.ExternalProvider.BaseURL)
	envStr("OPENAI_API_KEY", &c.ExternalProvider.APIKey)
	if v := os.Getenv("OPENCODE_MODELS"); v != "" {
		c.ExternalProvider.Models = splitCSV(v)
	}

	envStr("CHATRELAY_DISCORD_TOKEN", &c.Discord.Token)
}

// Watch reloads the static tuning portion of path whenever it changes on
// disk and republishes the new snapshot on the returned channel. Secrets
// (env-only fields) are never touched by a reload — they require a
// process restart, matching SPEC_FULL §2.3. The channel is closed when
// ctx is cancelled.
func (c *Config) Watch(ctx context.Context, path string) (<-chan Config, error) {
	out := make(chan Config, 1)
	if path == "" {
		close(out)
		return out, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: new watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				next, err := Load(path)
				if err != nil {
					slog.Warn("config: reload failed", "path", path, "error", err)
					continue
				}
				c.replaceTunable(next)
				select {
				case out <- c.Snapshot():
				default:
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config: watcher error", "error", werr)
			}
		}
	}()

	return out, nil
}
