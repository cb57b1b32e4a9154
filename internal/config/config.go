// Package config loads the session core's static tuning from a JSON5
// file and overlays the secret-bearing environment variables named in
// spec §6, with env always winning over the file (matching the
// teacher's config.Load/applyEnvOverrides split between tunable file
// settings and env-only secrets).
package config

import (
	"strings"
	"sync"
	"time"
)

// GateConfig tunes the Buffer Store's gate (spec §4.A): "Gate TTL must
// exceed the heartbeat interval by at least 2x. Default TTL 60s,
// heartbeat 15-30s."
type GateConfig struct {
	TTLSeconds int `json:"ttlSeconds"`
	// HeartbeatSeconds is loaded and reported but not read by the gate
	// loop, which derives its heartbeat from the TTL (gate.Run).
	HeartbeatSeconds int `json:"heartbeatSeconds"`
}

func (g GateConfig) TTL() time.Duration       { return time.Duration(g.TTLSeconds) * time.Second }
func (g GateConfig) Heartbeat() time.Duration { return time.Duration(g.HeartbeatSeconds) * time.Second }

// ActivityConfig tunes the Activity Index reaper.
type ActivityConfig struct {
	ReapCron    string `json:"reapCron"`
	IdleMinutes int    `json:"idleMinutes"`
}

func (a ActivityConfig) Idle() time.Duration { return time.Duration(a.IdleMinutes) * time.Minute }

// WorkerConfig tunes the durable queue consumer (spec §4.H).
type WorkerConfig struct {
	Concurrency      int `json:"concurrency"`
	MaxAttempts      int `json:"maxAttempts"`
	BaseBackoffMs    int `json:"baseBackoffMs"`
	StalledSeconds   int `json:"stalledSeconds"`
	MaxStalledCount  int `json:"maxStalledCount"`
	KeepFailedCount  int `json:"keepFailedCount"`
}

func (w WorkerConfig) BaseBackoff() time.Duration { return time.Duration(w.BaseBackoffMs) * time.Millisecond }
func (w WorkerConfig) StalledInterval() time.Duration {
	return time.Duration(w.StalledSeconds) * time.Second
}

// AgentConfig holds the Agent Client's tuning plus its env-only
// connection secrets (spec §6: OPENCODE_SERVER_*).
type AgentConfig struct {
	PromptMaxBytes int `json:"promptMaxBytes"`

	ServerURL         string `json:"-"`
	ServerUsername    string `json:"-"`
	ServerPassword    string `json:"-"`
	TimeoutMs         int    `json:"requestTimeoutMs"`
	WaitTimeoutMs     int    `json:"waitTimeoutMs"`
}

func (a AgentConfig) RequestTimeout() time.Duration { return time.Duration(a.TimeoutMs) * time.Millisecond }
func (a AgentConfig) WaitTimeout() time.Duration    { return time.Duration(a.WaitTimeoutMs) * time.Millisecond }

// ExternalProviderConfig is the "OPENAI_*" env-only trio that, when all
// three are present, switches the model ref to the litellm provider
// (spec §4.G).
type ExternalProviderConfig struct {
	BaseURL string   `json:"-"`
	APIKey  string   `json:"-"`
	Models  []string `json:"-"`
}

// Enabled reports whether all three external-provider env vars are set.
func (e ExternalProviderConfig) Enabled() bool {
	return e.BaseURL != "" && e.APIKey != "" && len(e.Models) > 0
}

// SelectModel returns the allowed model for a group's override, falling
// back to the first allowed model (spec §4.G: "selected is the group's
// override if in the allowed list else the first allowed").
func (e ExternalProviderConfig) SelectModel(groupOverride string) string {
	if len(e.Models) == 0 {
		return ""
	}
	if groupOverride != "" {
		for _, m := range e.Models {
			if m == groupOverride {
				return groupOverride
			}
		}
	}
	return e.Models[0]
}

// RedisConfig and DatabaseConfig carry their DSNs from env only (secrets
// are never persisted to the JSON5 file).
type RedisConfig struct {
	URL string `json:"-"`
}

type DatabaseConfig struct {
	DSN string `json:"-"`
}

// DiscordConfig carries the adapter's bot token from env only.
type DiscordConfig struct {
	Token string `json:"-"`
}

// TelemetryConfig tunes the dual OTLP exporters (SPEC_FULL §3, §4).
type TelemetryConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	HTTPEndpoint string `json:"httpEndpoint"`
	GRPCEndpoint string `json:"grpcEndpoint"`
	Insecure     bool   `json:"insecure"`
}

// Config is the session core's root configuration.
type Config struct {
	DataDir          string                 `json:"dataDir"`
	Gate             GateConfig             `json:"gate"`
	Activity         ActivityConfig         `json:"activity"`
	Worker           WorkerConfig           `json:"worker"`
	Agent            AgentConfig            `json:"agent"`
	ExternalProvider ExternalProviderConfig `json:"-"`
	Redis            RedisConfig            `json:"-"`
	Database         DatabaseConfig         `json:"-"`
	Discord          DiscordConfig          `json:"-"`
	Telemetry        TelemetryConfig        `json:"telemetry,omitempty"`

	mu sync.RWMutex
}

// Default returns a Config populated with spec-stated defaults.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		Gate: GateConfig{
			TTLSeconds:       60,
			HeartbeatSeconds: 20,
		},
		Activity: ActivityConfig{
			ReapCron:    "*/5 * * * *",
			IdleMinutes: 60,
		},
		Worker: WorkerConfig{
			Concurrency:     4,
			MaxAttempts:     3,
			BaseBackoffMs:   1000,
			StalledSeconds:  30,
			MaxStalledCount: 1,
			KeepFailedCount: 100,
		},
		Agent: AgentConfig{
			PromptMaxBytes: 200_000,
			TimeoutMs:      30_000,
			WaitTimeoutMs:  120_000,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "chatrelay-worker",
		},
	}
}

// Snapshot returns a copy of the current static tuning fields, safe to
// read concurrently with a Reload.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Config{
		DataDir:          c.DataDir,
		Gate:             c.Gate,
		Activity:         c.Activity,
		Worker:           c.Worker,
		Agent:            c.Agent,
		ExternalProvider: c.ExternalProvider,
		Redis:            c.Redis,
		Database:         c.Database,
		Discord:          c.Discord,
		Telemetry:        c.Telemetry,
	}
}

func (c *Config) replaceTunable(next *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Only the hot-reloadable static-file fields are replaced; env-only
	// secrets are never touched by a reload (spec SPEC_FULL §2.3).
	c.Gate = next.Gate
	c.Activity = next.Activity
	c.Worker = next.Worker
	c.Agent.PromptMaxBytes = next.Agent.PromptMaxBytes
	c.Agent.TimeoutMs = next.Agent.TimeoutMs
	c.Agent.WaitTimeoutMs = next.Agent.WaitTimeoutMs
	c.Telemetry = next.Telemetry
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
