// Package agentservice runs one agentic request to completion and emits its
// event stream, per spec.md §4.2. It wires internal/pipeline's
// Planner/PlanSupervisor/StepExecutor/StepSupervisor into a single Run
// method, generalizing internal/agent/loop.go's AgenticLoop.Run so that
// planning/execution/supervision are delegated rather than inlined.
package agentservice

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nexuscore/agentcore/internal/agent"
	"github.com/nexuscore/agentcore/internal/errkind"
	"github.com/nexuscore/agentcore/internal/pipeline"
	"github.com/nexuscore/agentcore/internal/servicefactory"
	"github.com/nexuscore/agentcore/internal/sessions"
	"github.com/nexuscore/agentcore/internal/skills"
	"github.com/nexuscore/agentcore/pkg/coremodels"
	"github.com/nexuscore/agentcore/pkg/models"
)

// DefaultHistoryWindowMessages bounds how much Conversation history is
// loaded before a run, per spec.md §6's history_window_messages option.
const DefaultHistoryWindowMessages = 40

// Config bounds one AgentService's behaviour.
type Config struct {
	RunConfig             pipeline.RunConfig
	HistoryWindowMessages int
	Model                 string
	SupervisorModel       string
}

// DefaultConfig returns the spec's default bounds.
func DefaultConfig() Config {
	return Config{
		RunConfig:             pipeline.DefaultRunConfig(),
		HistoryWindowMessages: DefaultHistoryWindowMessages,
	}
}

// AgentService runs one request end to end: load history, plan, execute,
// supervise, persist, emit. Grounded on internal/agent/loop.go's
// AgenticLoop/LoopState and its persistInboundMessage/persistAssistantMessage/
// appendMessage history-persistence convention.
type AgentService struct {
	cfg      Config
	factory  *servicefactory.Factory
	sessions sessions.Store
	logger   *slog.Logger
}

// New builds an AgentService.
func New(cfg Config, factory *servicefactory.Factory, sessionStore sessions.Store, logger *slog.Logger) *AgentService {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HistoryWindowMessages <= 0 {
		cfg.HistoryWindowMessages = DefaultHistoryWindowMessages
	}
	return &AgentService{cfg: cfg, factory: factory, sessions: sessionStore, logger: logger}
}

// Request is one inbound turn for a given Context/Conversation.
type Request struct {
	ContextID         string
	ConversationID    string
	Prompt            string
	ConfirmationToken string
	Metadata          map[string]any
}

// Handle runs request to completion, returning a channel of AgentEvents
// closed when the request terminates (success, error, or confirmation
// required). The channel is buffered and backpressured per spec.md §5.
func (s *AgentService) Handle(ctx context.Context, req Request) (<-chan models.AgentEvent, error) {
	runID := uuid.NewString()
	out := make(chan models.AgentEvent, 64)
	sink := newAgentEventSink(out, runID)

	svc, err := s.factory.Create(ctx, req.ContextID)
	if err != nil {
		return nil, fmt.Errorf("agentservice: create service: %w", err)
	}

	history, err := s.loadHistory(ctx, req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("agentservice: load history: %w", err)
	}

	if err := s.persistInbound(ctx, req); err != nil {
		return nil, fmt.Errorf("agentservice: persist inbound: %w", err)
	}

	go s.run(ctx, req, svc, history, sink, out)
	return out, nil
}

func (s *AgentService) run(ctx context.Context, req Request, svc *servicefactory.Service, history []agent.CompletionMessage, sink *agentEventSink, out chan models.AgentEvent) {
	defer close(out)

	model := svc.Model
	if model == "" {
		model = s.cfg.Model
	}
	supervisorModel := s.cfg.SupervisorModel
	if supervisorModel == "" {
		supervisorModel = model
	}

	rc := &pipeline.RunContext{
		ContextID:         req.ContextID,
		ConversationID:    req.ConversationID,
		Tools:             svc.Tools,
		Skills:            svc.Skills,
		Memory:            svc.Memory,
		Provider:          svc.Provider,
		SkillExecutor:     skills.NewExecutor(svc.Provider),
		Model:             model,
		ConfirmationToken: req.ConfirmationToken,
		Jobs:              svc.Jobs,
		AsyncTools:        svc.AsyncTools,
	}

	planner := pipeline.NewPlanner(svc.Provider, model)
	planner.SetThinkingHandler(sink.Thinking)
	planSup := pipeline.NewPlanSupervisor()
	stepSup := pipeline.NewStepSupervisor(svc.Provider, supervisorModel)
	runner := pipeline.NewRunner(s.cfg.RunConfig, planner, planSup, stepSup, rc, sink)

	pc := pipeline.PlanContext{
		History:        history,
		Prompt:         req.Prompt,
		ToolCatalogue:  toolCatalogue(svc.Tools),
		SkillCatalogue: skillCatalogue(svc.Skills),
	}

	result, err := runner.Run(ctx, pc)
	if err != nil {
		s.handleRunError(ctx, req, sink, err)
		return
	}

	if err := s.persistAssistant(ctx, req, result.FinalText); err != nil {
		s.logger.Error("persist assistant message failed", "error", err, "conversation_id", req.ConversationID)
	}
	sink.HistorySnapshot(req.ConversationID, len(result.History), "run complete")
}

func (s *AgentService) handleRunError(ctx context.Context, req Request, sink *agentEventSink, err error) {
	var confirmErr *pipeline.ConfirmationRequiredError
	if asConfirmationRequired(err, &confirmErr) {
		sink.ConfirmationRequired(confirmErr.Step.Index, confirmErr.ToolName, confirmErr.ArgsJSON, confirmErr.Prompt)
		if perr := s.persistSystemMessage(ctx, req, fmt.Sprintf("Pending confirmation for %q: %s", confirmErr.ToolName, confirmErr.Prompt)); perr != nil {
			s.logger.Error("persist confirmation system message failed", "error", perr)
		}
		return
	}

	sink.Err(errkind.CodeOf(err), err.Error())
}

func asConfirmationRequired(err error, target **pipeline.ConfirmationRequiredError) bool {
	if err == nil {
		return false
	}
	c, ok := err.(*pipeline.ConfirmationRequiredError)
	if ok {
		*target = c
	}
	return ok
}

func (s *AgentService) loadHistory(ctx context.Context, conversationID string) ([]agent.CompletionMessage, error) {
	msgs, err := s.sessions.GetHistory(ctx, conversationID, s.cfg.HistoryWindowMessages)
	if err != nil {
		return nil, err
	}
	out := make([]agent.CompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, agent.CompletionMessage{
			Role:        string(m.Role),
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
			Attachments: m.Attachments,
		})
	}
	return out, nil
}

func (s *AgentService) persistInbound(ctx context.Context, req Request) error {
	msg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: req.ConversationID,
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		Content:   req.Prompt,
		Metadata:  req.Metadata,
		CreatedAt: time.Now(),
	}
	return s.sessions.AppendMessage(ctx, req.ConversationID, msg)
}

func (s *AgentService) persistAssistant(ctx context.Context, req Request, text string) error {
	msg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: req.ConversationID,
		Direction: models.DirectionOutbound,
		Role:      models.RoleAssistant,
		Content:   text,
		CreatedAt: time.Now(),
	}
	return s.sessions.AppendMessage(ctx, req.ConversationID, msg)
}

func (s *AgentService) persistSystemMessage(ctx context.Context, req Request, text string) error {
	msg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: req.ConversationID,
		Direction: models.DirectionOutbound,
		Role:      models.RoleSystem,
		Content:   text,
		CreatedAt: time.Now(),
	}
	return s.sessions.AppendMessage(ctx, req.ConversationID, msg)
}

func toolCatalogue(tools *agent.ToolRegistry) map[string]string {
	out := make(map[string]string)
	for _, t := range tools.AsLLMTools() {
		out[t.Name()] = t.Description()
	}
	return out
}

func skillCatalogue(mgr *skills.Manager) map[string]string {
	out := make(map[string]string)
	if mgr == nil {
		return out
	}
	for _, sk := range mgr.ListEligible() {
		out[sk.Name] = sk.Description
	}
	return out
}

// agentEventSink adapts pipeline.EventSink calls into models.AgentEvent
// emission with a monotonic per-run Sequence, grounded on
// internal/agent/loop.go's emitToolEvent single-point channel write.
type agentEventSink struct {
	out   chan<- models.AgentEvent
	runID string
	seq   uint64
}

func newAgentEventSink(out chan<- models.AgentEvent, runID string) *agentEventSink {
	return &agentEventSink{out: out, runID: runID}
}

func (s *agentEventSink) next() (uint64, time.Time) {
	return atomic.AddUint64(&s.seq, 1), time.Now()
}

func (s *agentEventSink) emit(ev models.AgentEvent) {
	seq, now := s.next()
	ev.Version = 1
	ev.RunID = s.runID
	ev.Sequence = seq
	ev.Time = now
	s.out <- ev
}

func (s *agentEventSink) Thinking(text string) {
	if text == "" {
		return
	}
	s.emit(models.AgentEvent{Type: models.AgentEventThinking, Text: &models.TextEventPayload{Text: text}})
}

func (s *agentEventSink) Plan(plan *coremodels.Plan) {
	if plan == nil {
		return
	}
	ids := make([]string, len(plan.Steps))
	for i, st := range plan.Steps {
		ids[i] = fmt.Sprintf("%d:%s:%s", st.Index, st.Kind, st.Target)
	}
	s.emit(models.AgentEvent{Type: models.AgentEventPlan, Plan: &models.PlanEventPayload{
		PlanID: plan.ID, ReplanNum: plan.ReplanNum, StepIDs: ids, Reasoning: plan.Reasoning,
	}})
}

func (s *agentEventSink) StepStart(step coremodels.Step) {
	s.emit(models.AgentEvent{Type: models.AgentEventStepStart, Step: &models.StepEventPayload{
		StepID: fmt.Sprintf("%d", step.Index), Kind: string(step.Kind),
	}})
}

func (s *agentEventSink) StepOutcome(step coremodels.Step, outcome coremodels.StepOutcomeKind, detail string) {
	s.emit(models.AgentEvent{Type: models.AgentEventStepOutcome, Step: &models.StepEventPayload{
		StepID: fmt.Sprintf("%d", step.Index), Kind: string(step.Kind), Outcome: string(outcome), Detail: detail,
	}})
}

func (s *agentEventSink) ToolStart(step coremodels.Step, toolName string) {
	s.emit(models.AgentEvent{Type: models.AgentEventToolStart, Step: &models.StepEventPayload{
		StepID: fmt.Sprintf("%d", step.Index), Kind: string(step.Kind), Detail: toolName,
	}})
}

func (s *agentEventSink) ToolOutput(step coremodels.Step, toolName, output string, isError bool) {
	detail := output
	if isError {
		detail = "error: " + output
	}
	s.emit(models.AgentEvent{Type: models.AgentEventToolOutput, Step: &models.StepEventPayload{
		StepID: fmt.Sprintf("%d", step.Index), Kind: string(step.Kind), Detail: detail,
	}})
}

func (s *agentEventSink) SkillActivity(skillName string, turn, maxTurns int, toolName string) {
	s.emit(models.AgentEvent{Type: models.AgentEventSkillActivity, Skill: &models.SkillEventPayload{
		SkillName: skillName, Turn: turn, MaxTurns: maxTurns, ToolName: toolName,
	}})
}

func (s *agentEventSink) Content(text string) {
	if text == "" {
		return
	}
	s.emit(models.AgentEvent{Type: models.AgentEventContent, Text: &models.TextEventPayload{Text: text}})
}

func (s *agentEventSink) Err(code, message string) {
	s.emit(models.AgentEvent{Type: models.AgentEventError, Error: &models.ErrorEventPayload{Code: code, Message: message}})
}

func (s *agentEventSink) HistorySnapshot(conversationID string, messageCount int, reason string) {
	s.emit(models.AgentEvent{Type: models.AgentEventHistorySnapshot, History: &models.HistorySnapshotPayload{
		ConversationID: conversationID, MessageCount: messageCount, Reason: reason,
	}})
}

func (s *agentEventSink) ConfirmationRequired(stepIndex int, toolName string, argsJSON []byte, prompt string) {
	s.emit(models.AgentEvent{Type: models.AgentEventConfirmationRequired, Confirmation: &models.ConfirmationEventPayload{
		StepID: fmt.Sprintf("%d", stepIndex), ToolName: toolName, ArgsJSON: argsJSON, Prompt: prompt,
	}})
}
