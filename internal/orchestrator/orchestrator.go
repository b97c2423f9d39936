// Package orchestrator is the single entry point for "process this user
// message under this conversation", per spec.md §4.0. It resolves the
// Context/Conversation, classifies intent as CHAT or AGENTIC, and either
// streams a plain completion or delegates to an Agent Service.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nexuscore/agentcore/internal/agent"
	"github.com/nexuscore/agentcore/internal/agentservice"
	"github.com/nexuscore/agentcore/internal/sessions"
	"github.com/nexuscore/agentcore/internal/tenancy"
	"github.com/nexuscore/agentcore/pkg/coremodels"
	"github.com/nexuscore/agentcore/pkg/models"
)

// controlPrefixPattern matches a leading "/"-command, grounded on
// internal/policy/activation.go's ParseActivationCommand regex shape, here
// generalized into the AGENTIC tie-break rule spec.md §4.0 step 3 names.
var controlPrefixPattern = regexp.MustCompile(`^\s*/\S`)

// Classifier decides CHAT vs AGENTIC for one message. The zero value uses
// only the control-prefix heuristic; an LLM-assisted Classifier can be
// built with NewLLMClassifier.
type Classifier interface {
	Classify(ctx context.Context, history []agent.CompletionMessage, message string) (Intent, error)
}

// Intent is the Orchestrator's CHAT/AGENTIC dispatch decision.
type Intent string

const (
	IntentChat    Intent = "chat"
	IntentAgentic Intent = "agentic"
)

// heuristicClassifier implements the deterministic tie-break rule alone:
// control-prefixed or explicit-tool-mention input is AGENTIC, else CHAT.
type heuristicClassifier struct{}

func (heuristicClassifier) Classify(_ context.Context, _ []agent.CompletionMessage, message string) (Intent, error) {
	if looksAgentic(message) {
		return IntentAgentic, nil
	}
	return IntentChat, nil
}

func looksAgentic(message string) bool {
	return controlPrefixPattern.MatchString(message)
}

// llmClassifier asks the LLM gateway itself, falling back to the heuristic
// tie-break on ambiguous or failed classification, per spec.md §4.0's
// "default to CHAT" failure rule and "deterministic tie-break to AGENTIC on
// ambiguous control-prefixed inputs" rule.
type llmClassifier struct {
	provider agent.LLMProvider
	model    string
}

// NewLLMClassifier builds a Classifier that asks provider a short
// classification prompt before falling back to the heuristic.
func NewLLMClassifier(provider agent.LLMProvider, model string) Classifier {
	return &llmClassifier{provider: provider, model: model}
}

func (c *llmClassifier) Classify(ctx context.Context, history []agent.CompletionMessage, message string) (Intent, error) {
	if looksAgentic(message) {
		return IntentAgentic, nil
	}

	prompt := fmt.Sprintf(
		"Message: %q\n\nDoes answering this require taking actions (running tools, searching memory, "+
			"multi-step work) rather than a direct conversational reply? Respond with exactly one word: "+
			"CHAT or AGENTIC.", message,
	)
	chunks, err := c.provider.Complete(ctx, &agent.CompletionRequest{
		Model:    c.model,
		Messages: append(append([]agent.CompletionMessage{}, history...), agent.CompletionMessage{Role: "user", Content: prompt}),
	})
	if err != nil {
		return IntentChat, nil
	}

	var sb strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return IntentChat, nil
		}
		sb.WriteString(chunk.Text)
	}

	if strings.Contains(strings.ToUpper(sb.String()), "AGENTIC") {
		return IntentAgentic, nil
	}
	return IntentChat, nil
}

// Config bounds the Orchestrator's chat-path behaviour.
type Config struct {
	SystemPrompt          string
	Model                 string
	HistoryWindowMessages int
	DefaultChatTimeout    time.Duration
	DefaultAgenticTimeout time.Duration
}

// DefaultConfig returns the spec's default timeouts (spec.md §5).
func DefaultConfig() Config {
	return Config{
		HistoryWindowMessages: agentservice.DefaultHistoryWindowMessages,
		DefaultChatTimeout:    120 * time.Second,
		DefaultAgenticTimeout: 600 * time.Second,
	}
}

// Orchestrator is the single adapter-facing entry point, per spec.md §6's
// "Adapter interface" boundary.
type Orchestrator struct {
	cfg        Config
	tenancy    tenancy.Store
	sessions   sessions.Store
	classifier Classifier
	provider   agent.LLMProvider
	agents     *agentservice.AgentService
	logger     *slog.Logger
}

// New builds an Orchestrator. classifier may be nil to use the pure
// control-prefix heuristic.
func New(cfg Config, tenancyStore tenancy.Store, sessionStore sessions.Store, classifier Classifier, provider agent.LLMProvider, agents *agentservice.AgentService, logger *slog.Logger) *Orchestrator {
	if classifier == nil {
		classifier = heuristicClassifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HistoryWindowMessages <= 0 {
		cfg.HistoryWindowMessages = agentservice.DefaultHistoryWindowMessages
	}
	return &Orchestrator{cfg: cfg, tenancy: tenancyStore, sessions: sessionStore, classifier: classifier, provider: provider, agents: agents, logger: logger}
}

// Stream is the single exported adapter method, per spec.md §6:
// Orchestrator.Stream(ctx, sessionID, platform, platformID, messageText,
// metadata) (<-chan models.AgentEvent, error).
func (o *Orchestrator) Stream(ctx context.Context, platform, platformID, messageText string, metadata map[string]any) (<-chan models.AgentEvent, error) {
	tenantCtx, err := o.tenancy.GetOrCreateContextByPlatform(ctx, platform, platformID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: resolve context: %w", err)
	}

	conv, err := o.tenancy.GetConversationByPlatform(ctx, platform, platformID)
	if err != nil {
		conv = &coremodels.Conversation{
			ID:         uuid.NewString(),
			ContextID:  tenantCtx.ID,
			Platform:   platform,
			PlatformID: platformID,
			CreatedAt:  time.Now(),
			UpdatedAt:  time.Now(),
		}
		if cerr := o.tenancy.CreateConversation(ctx, conv); cerr != nil {
			return nil, fmt.Errorf("orchestrator: create conversation: %w", cerr)
		}
	}

	history, herr := o.loadHistory(ctx, conv.ID)
	if herr != nil {
		o.logger.Warn("orchestrator: load history for classification failed", "error", herr)
	}

	intent, cerr := o.classifier.Classify(ctx, history, messageText)
	if cerr != nil {
		o.logger.Warn("orchestrator: classification failed, defaulting to chat", "error", cerr)
		intent = IntentChat
	}

	switch intent {
	case IntentAgentic:
		timeout := o.cfg.DefaultAgenticTimeout
		if timeout <= 0 {
			timeout = DefaultConfig().DefaultAgenticTimeout
		}
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		events, err := o.agents.Handle(runCtx, agentservice.Request{
			ContextID:      tenantCtx.ID,
			ConversationID: conv.ID,
			Prompt:         messageText,
			Metadata:       metadata,
		})
		if err != nil {
			cancel()
			return nil, err
		}
		out := make(chan models.AgentEvent, cap(events))
		go func() {
			defer cancel()
			defer close(out)
			for ev := range events {
				out <- ev
			}
		}()
		return out, nil
	default:
		return o.streamChat(ctx, conv, history, messageText)
	}
}

func (o *Orchestrator) streamChat(ctx context.Context, conv *coremodels.Conversation, history []agent.CompletionMessage, messageText string) (<-chan models.AgentEvent, error) {
	timeout := o.cfg.DefaultChatTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().DefaultChatTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)

	inbound := &models.Message{
		ID:        uuid.NewString(),
		SessionID: conv.ID,
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		Content:   messageText,
		CreatedAt: time.Now(),
	}
	if err := o.sessions.AppendMessage(ctx, conv.ID, inbound); err != nil {
		cancel()
		return nil, fmt.Errorf("orchestrator: persist inbound message: %w", err)
	}

	messages := append(append([]agent.CompletionMessage{}, history...), agent.CompletionMessage{Role: "user", Content: messageText})
	chunks, err := o.provider.Complete(runCtx, &agent.CompletionRequest{
		Model:   o.cfg.Model,
		System:  o.cfg.SystemPrompt,
		Messages: messages,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("orchestrator: complete: %w", err)
	}

	out := make(chan models.AgentEvent, 16)
	var seq uint64
	emit := func(ev models.AgentEvent) {
		ev.Version = 1
		ev.Sequence = atomic.AddUint64(&seq, 1)
		ev.Time = time.Now()
		out <- ev
	}

	go func() {
		defer cancel()
		defer close(out)
		var sb strings.Builder
		for chunk := range chunks {
			if chunk.Error != nil {
				emit(models.AgentEvent{Type: models.AgentEventError, Error: &models.ErrorEventPayload{Message: chunk.Error.Error()}})
				return
			}
			if chunk.Text != "" {
				sb.WriteString(chunk.Text)
				emit(models.AgentEvent{Type: models.AgentEventContent, Text: &models.TextEventPayload{Text: chunk.Text}})
			}
		}
		assistant := &models.Message{
			ID:        uuid.NewString(),
			SessionID: conv.ID,
			Direction: models.DirectionOutbound,
			Role:      models.RoleAssistant,
			Content:   sb.String(),
			CreatedAt: time.Now(),
		}
		if err := o.sessions.AppendMessage(context.Background(), conv.ID, assistant); err != nil {
			o.logger.Error("orchestrator: persist assistant message failed", "error", err, "conversation_id", conv.ID)
		}
	}()

	return out, nil
}

func (o *Orchestrator) loadHistory(ctx context.Context, conversationID string) ([]agent.CompletionMessage, error) {
	msgs, err := o.sessions.GetHistory(ctx, conversationID, o.cfg.HistoryWindowMessages)
	if err != nil {
		return nil, err
	}
	out := make([]agent.CompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, agent.CompletionMessage{Role: string(m.Role), Content: m.Content})
	}
	return out, nil
}
