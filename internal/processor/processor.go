// Package processor implements the Session Processor (spec §4.G): the
// per-job orchestration that ensures a session exists, drains its
// buffer via the Gate Loop, builds and issues one agent prompt per
// batch, dispatches the reply, and appends history — all while holding
// the conversation's gate.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/chatrelay/internal/adapter"
	"github.com/nextlevelbuilder/chatrelay/internal/agentclient"
	"github.com/nextlevelbuilder/chatrelay/internal/config"
	"github.com/nextlevelbuilder/chatrelay/internal/gate"
	"github.com/nextlevelbuilder/chatrelay/internal/history"
	"github.com/nextlevelbuilder/chatrelay/internal/model"
	"github.com/nextlevelbuilder/chatrelay/internal/tracing"
)

// BufferStore is the subset of the Buffer Store the processor drives
// directly (gate.BufferStore plus RequeueFront, which the gate loop
// itself never calls but the processor needs for lost-gate and
// unexpected-error recovery, spec §4.G).
type BufferStore interface {
	gate.BufferStore
	RequeueFront(ctx context.Context, key model.ConversationKey, msgs []model.SessionEvent) error
}

// ActivityRecorder is the subset of the Activity Index the processor touches.
type ActivityRecorder interface {
	RecordActivity(ctx context.Context, key model.ConversationKey, at time.Time) error
}

// SessionStore is the subset of the Session Repository the processor touches.
type SessionStore interface {
	LoadSession(botID, groupID, userID, sessionID string) (*model.SessionMeta, error)
	CreateSession(meta model.SessionMeta) (model.SessionMeta, error)
	UpdateMeta(meta model.SessionMeta) error
	WorkspacePath(botID, groupID, userID, sessionID string) (string, error)
}

// AgentClient is the subset of the Agent Client the processor calls.
type AgentClient interface {
	CreateSession(ctx context.Context, directory, title string) (agentclient.SessionInfo, error)
	GetSession(ctx context.Context, directory, sessionID string) (*agentclient.SessionInfo, error)
	ListMessages(ctx context.Context, directory, sessionID string) ([]agentclient.Message, error)
	Prompt(ctx context.Context, directory, sessionID string, body agentclient.PromptBody) (agentclient.PromptResult, error)
}

// PolicyClassifier resolves a conversation's tool policy context
// ("build" or "play"); spec §4.G: "policy injected by external
// classification, default = build".
type PolicyClassifier func(ctx context.Context, key model.ConversationKey) string

// ModelOverrideFunc resolves a group's preferred external-provider
// model, if any (spec §4.G: "the group's override if in the allowed list").
type ModelOverrideFunc func(groupID string) string

// Config tunes the processor's business rules (spec §4.G, SPEC_FULL §3).
type Config struct {
	GateTTL          time.Duration
	PromptMaxBytes   int
	SystemPrompt     string
	ApologyText      string
	BuildTools       []string
	PlayTools        []string
	DefaultProvider  string
	DefaultModel     string
	ExternalProvider config.ExternalProviderConfig
}

// Processor is the Session Processor. It is stateless across jobs
// except for the collaborators it was constructed with; all per-job
// state lives on the stack of Process.
type Processor struct {
	sessions      SessionStore
	buffer        BufferStore
	activity      ActivityRecorder
	history       history.Store
	agent         AgentClient
	adapter       adapter.Adapter
	tracer        *tracing.Provider
	cfg           Config
	classify      PolicyClassifier
	modelOverride ModelOverrideFunc
}

// Option configures optional Processor behavior.
type Option func(*Processor)

// WithPolicyClassifier overrides the default "always build" policy.
func WithPolicyClassifier(fn PolicyClassifier) Option {
	return func(p *Processor) { p.classify = fn }
}

// WithModelOverride supplies the group-level external-provider model override.
func WithModelOverride(fn ModelOverrideFunc) Option {
	return func(p *Processor) { p.modelOverride = fn }
}

// New builds a Processor from its collaborators.
func New(sessions SessionStore, buf BufferStore, act ActivityRecorder, hist history.Store,
	agent AgentClient, adp adapter.Adapter, tracer *tracing.Provider, cfg Config, opts ...Option) *Processor {
	if tracer == nil {
		tracer = tracing.NoopProvider()
	}
	p := &Processor{
		sessions: sessions,
		buffer:   buf,
		activity: act,
		history:  hist,
		agent:    agent,
		adapter:  adp,
		tracer:   tracer,
		cfg:      cfg,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Process runs one job to completion: claim the gate, drive the gate
// loop, and restore SessionMeta.Status to idle on a clean exit (spec
// §4.G steps 1-3).
func (p *Processor) Process(ctx context.Context, traceID string, job model.SessionJobData) error {
	key := job.ConversationKey()
	logger := slog.With("trace_id", traceID, "job_id", traceID, "bot_id", job.BotID,
		"group_id", job.GroupID, "session_id", job.SessionID, "user_id", job.UserID)

	ok, err := p.buffer.ClaimGate(ctx, key, job.GateToken)
	if err != nil {
		return fmt.Errorf("processor: claim gate: %w", err)
	}
	if !ok {
		logger.Info("processor: duplicate job enqueue, a live owner already holds the gate")
		return nil
	}

	var meta *model.SessionMeta
	ensured := false
	movedToRunning := false

	attrs := tracing.Attrs{TraceID: traceID, JobID: traceID, BotID: job.BotID, GroupID: job.GroupID, SessionID: job.SessionID, UserID: job.UserID}

	onBatch := func(ctx context.Context, msgs []model.SessionEvent) (gate.BatchResult, error) {
		if !ensured {
			spanCtx, end := p.tracer.Span(ctx, tracing.StageEnsureSession, attrs)
			m, err := p.ensureSession(job)
			end(err)
			_ = spanCtx
			if err != nil {
				if reqErr := p.buffer.RequeueFront(ctx, key, msgs); reqErr != nil {
					logger.Error("processor: requeue after ensure-session failure failed", "error", reqErr)
				}
				return gate.Continue, fmt.Errorf("processor: ensure session: %w", err)
			}
			meta = m
			ensured = true
			if err := p.activity.RecordActivity(ctx, key, time.Time{}); err != nil {
				logger.Warn("processor: record activity failed", "error", err)
			}
			if meta.Status != model.StatusRunning {
				meta.Status = model.StatusRunning
				if err := p.sessions.UpdateMeta(*meta); err != nil {
					logger.Warn("processor: set status running failed", "error", err)
				} else {
					movedToRunning = true
				}
			}
		}

		result, err := p.runTurn(ctx, logger, attrs, key, job, meta, msgs)
		if err != nil {
			if reqErr := p.buffer.RequeueFront(ctx, key, msgs); reqErr != nil {
				logger.Error("processor: requeue after unexpected turn error failed", "error", reqErr)
			}
			return gate.Continue, err
		}
		return result, nil
	}

	outcome, err := gate.Run(ctx, p.buffer, key, job.GateToken, p.cfg.GateTTL, onBatch)

	// Never clear status if ownership was lost — the new owner will do so.
	if movedToRunning && outcome != gate.LostGate {
		meta.Status = model.StatusIdle
		if uerr := p.sessions.UpdateMeta(*meta); uerr != nil {
			logger.Warn("processor: reset status to idle failed", "error", uerr)
		}
	}

	if err != nil {
		return fmt.Errorf("processor: gate loop: %w", err)
	}
	logger.Debug("processor: job finished", "outcome", outcome.String())
	return nil
}

func (p *Processor) ensureSession(job model.SessionJobData) (*model.SessionMeta, error) {
	meta, err := p.sessions.LoadSession(job.BotID, job.GroupID, job.UserID, job.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if meta != nil {
		return meta, nil
	}
	fresh := model.SessionMeta{
		SessionID: job.SessionID,
		GroupID:   job.GroupID,
		BotID:     job.BotID,
		OwnerID:   job.UserID,
		Key:       job.Key,
		Status:    model.StatusIdle,
	}
	created, err := p.sessions.CreateSession(fresh)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &created, nil
}
