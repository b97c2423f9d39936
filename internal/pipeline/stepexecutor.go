package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nexuscore/agentcore/internal/agent"
	"github.com/nexuscore/agentcore/internal/errkind"
	"github.com/nexuscore/agentcore/internal/jobs"
	"github.com/nexuscore/agentcore/internal/skills"
	"github.com/nexuscore/agentcore/pkg/coremodels"
	"github.com/nexuscore/agentcore/pkg/models"
)

// StepExecutor dispatches a single Step by kind. Grounded on
// internal/agent/loop.go's executeToolsPhase/continuePhase dispatch
// structure and internal/agent/tool_exec.go's ToolExecutor.
type StepExecutor struct {
	rc   *RunContext
	sink EventSink
}

// NewStepExecutor creates a StepExecutor bound to a per-request RunContext.
func NewStepExecutor(rc *RunContext, sink EventSink) *StepExecutor {
	if sink == nil {
		sink = NopSink{}
	}
	return &StepExecutor{rc: rc, sink: sink}
}

// memoryArgs is the expected shape of a memory step's Args.
type memoryArgs struct {
	Query          string `json:"query"`
	Limit          int    `json:"limit"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Execute dispatches step and returns its textual observation.
func (e *StepExecutor) Execute(ctx context.Context, step coremodels.Step, history []agent.CompletionMessage) (string, error) {
	e.sink.StepStart(step)

	switch step.Kind {
	case coremodels.StepKindTool:
		return e.executeTool(ctx, step)
	case coremodels.StepKindSkill:
		return e.executeSkill(ctx, step, history)
	case coremodels.StepKindMemory:
		return e.executeMemory(ctx, step)
	case coremodels.StepKindCompletion:
		return e.executeCompletion(ctx, step, history)
	default:
		return "", errkind.Classify(errkind.Fatal, errkind.CodeStepAborted, fmt.Errorf("stepexecutor: unknown step kind %q", step.Kind))
	}
}

func (e *StepExecutor) executeTool(ctx context.Context, step coremodels.Step) (string, error) {
	tool, ok := e.rc.Tools.Get(step.Target)
	if !ok {
		return "", errkind.Classify(errkind.Semantic, errkind.CodeUnknownTool, fmt.Errorf("stepexecutor: unknown tool %q", step.Target))
	}

	if toolRequiresConfirmation(tool) && e.rc.ConfirmationToken == "" {
		return "", &ConfirmationRequiredError{
			Step:     step,
			ToolName: step.Target,
			ArgsJSON: step.Args,
			Prompt:   fmt.Sprintf("Confirm running %q with the given arguments?", step.Target),
		}
	}

	args := injectContextualParams(step.Args, tool.Schema(), e.rc)
	e.sink.ToolStart(step, step.Target)

	if e.rc.Jobs != nil && toolIsAsync(tool, step.Target, e.rc.AsyncTools) {
		return e.executeAsyncTool(ctx, step, tool, args)
	}

	result, err := tool.Execute(ctx, args)
	if err != nil {
		return "", errkind.Classify(errkind.Transient, "", fmt.Errorf("stepexecutor: tool %q: %w", step.Target, err))
	}

	e.sink.ToolOutput(step, step.Target, result.Content, result.IsError)
	if result.IsError {
		return result.Content, nil
	}
	return result.Content, nil
}

// executeAsyncTool queues the tool call as a background job and returns the
// job record immediately, rather than blocking the step on tool.Execute.
// Grounded on internal/agent/loop.go's queueAsyncJob/runToolJob pair.
func (e *StepExecutor) executeAsyncTool(ctx context.Context, step coremodels.Step, tool agent.Tool, args json.RawMessage) (string, error) {
	job := &jobs.Job{
		ID:        uuid.NewString(),
		ToolName:  step.Target,
		Status:    jobs.StatusQueued,
		CreatedAt: time.Now(),
	}
	if err := e.rc.Jobs.Create(ctx, job); err != nil {
		return "", errkind.Classify(errkind.Transient, "", fmt.Errorf("stepexecutor: create job: %w", err))
	}

	go e.runAsyncJob(tool, args, job)

	payload, err := json.Marshal(map[string]any{"job_id": job.ID, "status": job.Status})
	if err != nil {
		return "", errkind.Classify(errkind.Fatal, "", fmt.Errorf("stepexecutor: encode job payload: %w", err))
	}
	e.sink.ToolOutput(step, step.Target, string(payload), false)
	return string(payload), nil
}

func (e *StepExecutor) runAsyncJob(tool agent.Tool, args json.RawMessage, job *jobs.Job) {
	ctx := context.Background()
	job.Status = jobs.StatusRunning
	job.StartedAt = time.Now()
	_ = e.rc.Jobs.Update(ctx, job)

	result, err := tool.Execute(ctx, args)
	job.FinishedAt = time.Now()
	switch {
	case err != nil:
		job.Status = jobs.StatusFailed
		job.Error = err.Error()
	case result.IsError:
		job.Status = jobs.StatusFailed
		job.Error = result.Content
	default:
		job.Status = jobs.StatusSucceeded
		job.Result = &models.ToolResult{Content: result.Content, IsError: result.IsError}
	}
	_ = e.rc.Jobs.Update(ctx, job)
}

// toolIsAsync reports whether a tool call should run as a background job:
// either its schema declares the top-level "async" boolean, or its name
// matches one of the run's AsyncTools patterns ("x.*", "mcp:*", or exact).
func toolIsAsync(tool agent.Tool, name string, patterns []string) bool {
	var doc struct {
		Async bool `json:"async"`
	}
	if err := json.Unmarshal(tool.Schema(), &doc); err == nil && doc.Async {
		return true
	}
	for _, pattern := range patterns {
		if matchAsyncPattern(pattern, name) {
			return true
		}
	}
	return false
}

func matchAsyncPattern(pattern, name string) bool {
	if pattern == "" || name == "" {
		return false
	}
	if pattern == "mcp:*" {
		return strings.HasPrefix(name, "mcp:")
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == name
}

func (e *StepExecutor) executeSkill(ctx context.Context, step coremodels.Step, history []agent.CompletionMessage) (string, error) {
	if e.rc.Skills == nil || e.rc.SkillExecutor == nil {
		return "", errkind.Classify(errkind.Fatal, errkind.CodeUnknownSkill, fmt.Errorf("stepexecutor: no skill registry configured"))
	}
	skill, ok := e.rc.Skills.GetEligible(step.Target)
	if !ok || skill == nil {
		return "", errkind.Classify(errkind.Semantic, errkind.CodeUnknownSkill, fmt.Errorf("stepexecutor: unknown or ineligible skill %q", step.Target))
	}

	scoped := skills.ScopeRegistry(e.rc.Tools, skill)
	e.rc.SkillExecutor.SetActivityHandler(func(ev skills.WorkerEvent) {
		e.sink.SkillActivity(skill.Name, ev.Turn, ev.MaxTurns, ev.ToolName)
	})

	result, err := e.rc.SkillExecutor.Execute(ctx, skills.ExecuteRequest{
		Skill:       skill,
		Arguments:   string(step.Args),
		History:     history,
		ScopedTools: scoped,
		Model:       e.rc.Model,
	})
	if err != nil {
		return "", errkind.Classify(errkind.Transient, "", fmt.Errorf("stepexecutor: skill %q: %w", step.Target, err))
	}
	return result.Output, nil
}

func (e *StepExecutor) executeMemory(ctx context.Context, step coremodels.Step) (string, error) {
	if e.rc.Memory == nil {
		return "", errkind.Classify(errkind.Fatal, "", fmt.Errorf("stepexecutor: no memory store configured"))
	}
	var args memoryArgs
	if len(step.Args) > 0 {
		if err := json.Unmarshal(step.Args, &args); err != nil {
			return "", errkind.Classify(errkind.Validation, "", fmt.Errorf("stepexecutor: memory step args: %w", err))
		}
	}
	if args.Limit <= 0 {
		args.Limit = 5
	}

	req := &models.SearchRequest{
		Query: args.Query,
		Limit: args.Limit,
	}
	if args.ConversationID != "" {
		req.Scope = models.ScopeSession
		req.ScopeID = args.ConversationID
	}

	resp, err := e.rc.Memory.Search(ctx, e.rc.ContextID, req)
	if err != nil {
		return "", errkind.Classify(errkind.Transient, "", fmt.Errorf("stepexecutor: memory search: %w", err))
	}

	if len(resp.Results) == 0 {
		return "No matching memories found.", nil
	}

	var sb strings.Builder
	for i, r := range resp.Results {
		source := "memory"
		convID := ""
		if r.Entry != nil {
			if r.Entry.Metadata.Source != "" {
				source = r.Entry.Metadata.Source
			}
			convID = r.Entry.SessionID
		}
		fmt.Fprintf(&sb, "%d. [%s", i+1, source)
		if convID != "" {
			fmt.Fprintf(&sb, ", conversation=%s", convID)
		}
		sb.WriteString("] ")
		if r.Entry != nil {
			sb.WriteString(r.Entry.Content)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func (e *StepExecutor) executeCompletion(ctx context.Context, step coremodels.Step, history []agent.CompletionMessage) (string, error) {
	chunks, err := e.rc.Provider.Complete(ctx, &agent.CompletionRequest{
		Model:    e.rc.Model,
		Messages: history,
	})
	if err != nil {
		return "", errkind.Classify(errkind.Transient, "", fmt.Errorf("stepexecutor: completion: %w", err))
	}

	var sb strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", errkind.Classify(errkind.Transient, "", chunk.Error)
		}
		if chunk.Text != "" {
			e.sink.Content(chunk.Text)
			sb.WriteString(chunk.Text)
		}
	}
	return sb.String(), nil
}

// toolRequiresConfirmation reports whether a tool's schema asserts the
// top-level "requires_confirmation" boolean.
func toolRequiresConfirmation(tool agent.Tool) bool {
	var doc struct {
		RequiresConfirmation bool `json:"requires_confirmation"`
	}
	if err := json.Unmarshal(tool.Schema(), &doc); err != nil {
		return false
	}
	return doc.RequiresConfirmation
}

// injectContextualParams merges context_id/conversation_id into args when
// the tool's schema declares properties of those names, per spec.md §4.3's
// "inject contextual parameters ... as declared by the tool's schema".
func injectContextualParams(args json.RawMessage, schema json.RawMessage, rc *RunContext) json.RawMessage {
	var schemaDoc struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(schema, &schemaDoc); err != nil || len(schemaDoc.Properties) == 0 {
		return args
	}

	var merged map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &merged); err != nil {
			merged = nil
		}
	}
	if merged == nil {
		merged = make(map[string]any)
	}

	if _, ok := schemaDoc.Properties["context_id"]; ok {
		merged["context_id"] = rc.ContextID
	}
	if _, ok := schemaDoc.Properties["conversation_id"]; ok {
		merged["conversation_id"] = rc.ConversationID
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return args
	}
	return out
}
