package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/chatrelay/internal/adapter"
	"github.com/nextlevelbuilder/chatrelay/internal/agentclient"
	"github.com/nextlevelbuilder/chatrelay/internal/gate"
	"github.com/nextlevelbuilder/chatrelay/internal/model"
	"github.com/nextlevelbuilder/chatrelay/internal/redact"
	"github.com/nextlevelbuilder/chatrelay/internal/tracing"
)

// ErrPromptTooBig is returned when system+user bytes exceed the
// configured budget (spec §4.G's prompt-size guard, §7 kind 6).
var ErrPromptTooBig = errors.New("processor: prompt exceeds configured byte budget")

const (
	policyBuild = "build"
	policyPlay  = "play"
)

// runTurn executes one onBatch turn: merge the batch, build the prompt,
// call the agent, dispatch the reply, and append history (spec §4.G).
func (p *Processor) runTurn(ctx context.Context, logger *slog.Logger, attrs tracing.Attrs,
	key model.ConversationKey, job model.SessionJobData, meta *model.SessionMeta, msgs []model.SessionEvent) (gate.BatchResult, error) {

	workspace, err := p.sessions.WorkspacePath(job.BotID, job.GroupID, job.UserID, job.SessionID)
	if err != nil {
		return gate.Continue, fmt.Errorf("workspace path: %w", err)
	}

	merged := mergeMessages(msgs)
	last := msgs[len(msgs)-1]

	ctx, endBuild := p.tracer.Span(ctx, tracing.StagePromptBuild, attrs)
	system := buildSystemPrompt(p.cfg.SystemPrompt, *meta)
	modelRef := p.selectModel(job.GroupID)
	tools := p.selectTools(ctx, key, *meta)
	resolvedInput := merged
	if resolvedInput == "" {
		resolvedInput = " "
	}
	body := agentclient.PromptBody{
		System: system,
		Model:  modelRef,
		Tools:  tools,
		Parts:  []agentclient.Part{{Type: "text", Text: resolvedInput}},
	}
	if last.MessageID != "" {
		body.MessageID = "msg_" + last.MessageID
	}
	sizeErr := checkPromptSize(system, resolvedInput, p.cfg.PromptMaxBytes)
	endBuild(sizeErr)
	if sizeErr != nil {
		return p.apologize(ctx, logger, key, job, msgs, last, sizeErr)
	}

	// Part of the agent-call stage, not ensure-session (that name is
	// reserved for SessionMeta lazy-creation in processor.go) — the
	// lookup/create round trip happens immediately before the prompt
	// call that shares this span name.
	ctx, endEnsureID := p.tracer.Span(ctx, tracing.StageAgentCall, attrs)
	agentSessionID, err := p.ensureAgentSessionID(ctx, workspace, meta)
	endEnsureID(err)
	if err != nil {
		logger.Error("processor: ensure agent session id failed", "error", err)
		return p.apologize(ctx, logger, key, job, msgs, last, err)
	}

	turnStartedAt := time.Now()
	ctx, endCall := p.tracer.Span(ctx, tracing.StageAgentCall, attrs)
	result, promptErr := p.agent.Prompt(ctx, workspace, agentSessionID, body)
	endCall(promptErr)

	var assistantText string
	var recoveredMsgID string
	if promptErr != nil {
		logger.Warn("processor: agent prompt failed, attempting timeout recovery", "error", promptErr)
		recovered, msgID, recErr := p.recoverAfterTimeout(ctx, workspace, agentSessionID, turnStartedAt, meta.LastAssistantMessageID)
		if recErr != nil {
			logger.Warn("processor: timeout recovery failed", "error", recErr)
		}
		if recovered == "" {
			return p.apologize(ctx, logger, key, job, msgs, last, promptErr)
		}
		assistantText = recovered
		recoveredMsgID = msgID
	} else {
		assistantText = extractText(result.Parts)
		recoveredMsgID = result.Info.ID
		if strings.TrimSpace(assistantText) == "" {
			recovered, msgID, recErr := p.recoverAfterTimeout(ctx, workspace, agentSessionID, turnStartedAt, meta.LastAssistantMessageID)
			if recErr != nil {
				logger.Warn("processor: recovery after empty output failed", "error", recErr)
			}
			if recovered == "" {
				return p.apologize(ctx, logger, key, job, msgs, last, nil)
			}
			assistantText = recovered
			recoveredMsgID = msgID
		}
	}

	// Re-check ownership before sending: the reply we're about to send
	// must belong to the conversation we still own (spec §4.G).
	stillOwn, err := p.buffer.ClaimGate(ctx, key, job.GateToken)
	if err != nil {
		return gate.Continue, fmt.Errorf("re-claim gate after prompt: %w", err)
	}
	if !stillOwn {
		if reqErr := p.buffer.RequeueFront(ctx, key, msgs); reqErr != nil {
			logger.Error("processor: requeue after lost gate failed", "error", reqErr)
		}
		return gate.BatchLostGate, nil
	}

	assistantText = strings.TrimSpace(redact.Text(assistantText))

	ctx, endSend := p.tracer.Span(ctx, tracing.StageSendResponse, attrs)
	sendErr := p.adapter.SendReply(ctx, adapter.Reply{
		Platform:       last.Platform,
		ChannelID:      last.ChannelID,
		ReplyToMessage: last.MessageID,
		Text:           assistantText,
	})
	endSend(sendErr)
	if sendErr != nil {
		logger.Error("processor: send reply failed", "error", sendErr)
	}

	ctx, endHistory := p.tracer.Span(ctx, tracing.StageAppendHistory, attrs)
	historyErr := p.appendTurnHistory(ctx, job, msgs, assistantText)
	endHistory(historyErr)
	if historyErr != nil {
		logger.Error("processor: append history failed", "error", historyErr)
	}

	meta.LastAssistantMessageID = recoveredMsgID
	meta.AgentSessionID = agentSessionID
	if err := p.sessions.UpdateMeta(*meta); err != nil {
		logger.Warn("processor: persist meta after turn failed", "error", err)
	}

	if err := p.activity.RecordActivity(ctx, key, time.Time{}); err != nil {
		logger.Warn("processor: record activity after turn failed", "error", err)
	}

	return gate.Continue, nil
}

// apologize sends the canned apology reply and returns Continue without
// appending assistant history (spec §4.G, §7 kinds 2/3/6).
func (p *Processor) apologize(ctx context.Context, logger *slog.Logger, key model.ConversationKey,
	job model.SessionJobData, msgs []model.SessionEvent, last model.SessionEvent, cause error) (gate.BatchResult, error) {
	if cause != nil {
		logger.Warn("processor: sending apology reply", "cause", cause)
	}
	err := p.adapter.SendReply(ctx, adapter.Reply{
		Platform:       last.Platform,
		ChannelID:      last.ChannelID,
		ReplyToMessage: last.MessageID,
		Text:           p.cfg.ApologyText,
	})
	if err != nil {
		logger.Error("processor: send apology failed", "error", err)
	}
	if herr := p.appendUserHistory(ctx, job, msgs); herr != nil {
		logger.Error("processor: append user history on apology path failed", "error", herr)
	}
	return gate.Continue, nil
}

// mergeMessages concatenates trimmed contents newline-separated, in
// buffer order (spec §4.G).
func mergeMessages(msgs []model.SessionEvent) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if t := strings.TrimSpace(m.Content); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

func buildSystemPrompt(base string, meta model.SessionMeta) string {
	var b strings.Builder
	b.WriteString(base)
	if meta.DisplayName != "" || meta.PreferredName != "" {
		b.WriteString("\n\nUser profile:")
		if meta.PreferredName != "" {
			fmt.Fprintf(&b, " preferred name %q.", meta.PreferredName)
		} else if meta.DisplayName != "" {
			fmt.Fprintf(&b, " display name %q.", meta.DisplayName)
		}
	}
	return b.String()
}

// selectModel implements spec §4.G's model-ref rule: external provider
// mode (litellm) when configured, else the fixed opencode default.
func (p *Processor) selectModel(groupID string) agentclient.ModelRef {
	if p.cfg.ExternalProvider.Enabled() {
		override := ""
		if p.modelOverride != nil {
			override = p.modelOverride(groupID)
		}
		return agentclient.ModelRef{ProviderID: "litellm", ModelID: p.cfg.ExternalProvider.SelectModel(override)}
	}
	return agentclient.ModelRef{ProviderID: p.cfg.DefaultProvider, ModelID: p.cfg.DefaultModel}
}

// selectTools implements spec §4.G's tool-policy rule: a fixed allowlist
// for "build" contexts, a readonly subset for "play", default build.
func (p *Processor) selectTools(ctx context.Context, key model.ConversationKey, meta model.SessionMeta) []string {
	policy := meta.PolicyContext
	if p.classify != nil {
		if c := p.classify(ctx, key); c != "" {
			policy = c
		}
	}
	if policy == policyPlay {
		return p.cfg.PlayTools
	}
	return p.cfg.BuildTools
}

func checkPromptSize(system, userText string, maxBytes int) error {
	if maxBytes <= 0 {
		return nil
	}
	if len(system)+len(userText) > maxBytes {
		return ErrPromptTooBig
	}
	return nil
}

// ensureAgentSessionID implements spec §4.G: reuse meta.AgentSessionID
// if it looks valid and the agent still recognizes it; otherwise create
// a fresh session and persist it atomically.
func (p *Processor) ensureAgentSessionID(ctx context.Context, workspace string, meta *model.SessionMeta) (string, error) {
	if meta.AgentSessionID != "" && agentclient.LooksLikeSessionID(meta.AgentSessionID) {
		info, err := p.agent.GetSession(ctx, workspace, meta.AgentSessionID)
		if err != nil {
			return "", fmt.Errorf("get session: %w", err)
		}
		if info != nil {
			return meta.AgentSessionID, nil
		}
	}
	info, err := p.agent.CreateSession(ctx, workspace, "")
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	meta.AgentSessionID = info.ID
	if err := p.sessions.UpdateMeta(*meta); err != nil {
		return "", fmt.Errorf("persist new agent session id: %w", err)
	}
	return info.ID, nil
}

// recoverAfterTimeout implements spec §4.G/§9's timeout recovery: accept
// the newest assistant message only if it is strictly newer than
// turnStartedAt and was not already accepted in a previous turn.
func (p *Processor) recoverAfterTimeout(ctx context.Context, workspace, sessionID string, turnStartedAt time.Time, lastAccepted string) (text string, msgID string, err error) {
	messages, err := p.agent.ListMessages(ctx, workspace, sessionID)
	if err != nil {
		return "", "", fmt.Errorf("list messages: %w", err)
	}
	var best *agentclient.Message
	for i := range messages {
		m := &messages[i]
		if m.Info.Role != "assistant" {
			continue
		}
		if !m.Info.Created.After(turnStartedAt) {
			continue
		}
		if lastAccepted != "" && m.Info.ID == lastAccepted {
			continue
		}
		if best == nil || m.Info.Created.After(best.Info.Created) {
			best = m
		}
	}
	if best == nil {
		return "", "", nil
	}
	return extractText(best.Parts), best.Info.ID, nil
}

func extractText(parts []agentclient.Part) string {
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func (p *Processor) appendTurnHistory(ctx context.Context, job model.SessionJobData, msgs []model.SessionEvent, assistantText string) error {
	if err := p.appendUserHistory(ctx, job, msgs); err != nil {
		return err
	}
	hkey := historyKeyFor(job, msgs)
	return p.history.AppendHistory(ctx, hkey, model.HistoryEntry{
		Role:             model.RoleAssistant,
		Content:          assistantText,
		CreatedAt:        time.Now(),
		GroupID:          job.GroupID,
		SessionID:        job.SessionID,
		IncludeInContext: true,
	})
}

func (p *Processor) appendUserHistory(ctx context.Context, job model.SessionJobData, msgs []model.SessionEvent) error {
	hkey := historyKeyFor(job, msgs)
	merged := mergeMessages(msgs)
	ts := time.Now()
	if len(msgs) > 0 {
		ts = msgs[0].Timestamp
	}
	return p.history.AppendHistory(ctx, hkey, model.HistoryEntry{
		Role:             model.RoleUser,
		Content:          merged,
		CreatedAt:        ts,
		GroupID:          job.GroupID,
		SessionID:        job.SessionID,
		IncludeInContext: true,
	})
}

func historyKeyFor(job model.SessionJobData, msgs []model.SessionEvent) model.HistoryKey {
	platform, selfID := "", job.BotID
	if len(msgs) > 0 {
		platform = msgs[len(msgs)-1].Platform
		selfID = msgs[len(msgs)-1].SelfID
	}
	return model.HistoryKey{BotAccountID: model.BotAccountID(platform, selfID), UserID: job.UserID}
}
