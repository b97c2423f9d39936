package skills

import (
	"context"
	"fmt"
	"strings"

	"github.com/nexuscore/agentcore/internal/agent"
	"github.com/nexuscore/agentcore/pkg/models"
)

// DefaultMaxSkillTurns bounds the worker loop when a skill declares no
// MaxTurns of its own.
const DefaultMaxSkillTurns = 5

// WorkerEvent reports one tick of the bounded worker loop, for callers that
// want to surface skill_activity events upstream.
type WorkerEvent struct {
	Turn     int
	MaxTurns int
	ToolName string
	Detail   string
}

// ExecuteRequest carries everything the worker loop needs for one skill
// invocation.
type ExecuteRequest struct {
	Skill *SkillEntry
	// Arguments substitutes for $ARGUMENTS in the rendered skill body.
	Arguments string
	// History seeds the worker conversation after the rendered system prompt.
	History []agent.CompletionMessage
	// ScopedTools is the intersection of the skill's PermittedTools and the
	// caller's permission-filtered clone — the security seam from spec.md
	// §4.4 step 2. The executor never widens access beyond this set.
	ScopedTools *agent.ToolRegistry
	Model       string
}

// ExecuteResult is the skill's observation, handed back to the StepSupervisor
// for classification.
type ExecuteResult struct {
	Output            string
	ReachedTurnBudget bool
	Messages          []agent.CompletionMessage
}

// Executor runs the Skill Executor's bounded tool-calling worker loop.
// Grounded on internal/agent/loop.go's executeToolsPhase bounded-iteration
// shape, reusing agent.ToolRegistry.AsLLMTools/Execute for scoped dispatch.
type Executor struct {
	provider agent.LLMProvider
	onActivity func(WorkerEvent)
}

// NewExecutor creates an Executor bound to an LLM provider.
func NewExecutor(provider agent.LLMProvider) *Executor {
	return &Executor{provider: provider}
}

// SetActivityHandler installs a callback invoked once per tool dispatch
// inside the worker loop. Nil disables activity reporting.
func (e *Executor) SetActivityHandler(fn func(WorkerEvent)) {
	e.onActivity = fn
}

func (e *Executor) emit(ev WorkerEvent) {
	if e.onActivity != nil {
		e.onActivity(ev)
	}
}

// RenderArguments substitutes $ARGUMENTS with the caller-supplied argument
// text inside a skill's body.
func RenderArguments(body, arguments string) string {
	return strings.ReplaceAll(body, "$ARGUMENTS", arguments)
}

// ScopeRegistry builds the scoped Registry view: only the tools the skill
// declares via Metadata.PermittedTools, looked up in base (already the
// caller's permission-filtered clone). A skill that declares no
// PermittedTools gets an empty registry, never the full one.
func ScopeRegistry(base *agent.ToolRegistry, skill *SkillEntry) *agent.ToolRegistry {
	scoped := agent.NewToolRegistry()
	if skill.Metadata == nil {
		return scoped
	}
	for _, name := range skill.Metadata.PermittedTools {
		if tool, ok := base.Get(name); ok {
			scoped.Register(tool)
		}
	}
	return scoped
}

// Execute runs the bounded worker loop described in spec.md §4.4 step 4-5.
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	if req.Skill == nil {
		return nil, fmt.Errorf("skills: execute requires a resolved skill")
	}

	maxTurns := DefaultMaxSkillTurns
	if req.Skill.Metadata != nil && req.Skill.Metadata.MaxTurns > 0 {
		maxTurns = req.Skill.Metadata.MaxTurns
	}

	rendered := RenderArguments(req.Skill.Content, req.Arguments)
	messages := make([]agent.CompletionMessage, 0, len(req.History)+1)
	messages = append(messages, agent.CompletionMessage{Role: "system", Content: rendered})
	messages = append(messages, req.History...)

	model := req.Model
	if req.Skill.Metadata != nil && req.Skill.Metadata.LLMProfile != "" {
		model = req.Skill.Metadata.LLMProfile
	}

	tools := req.ScopedTools.AsLLMTools()
	var toolOutputs []string

	for turn := 1; turn <= maxTurns; turn++ {
		chunks, err := e.provider.Complete(ctx, &agent.CompletionRequest{
			Model:    model,
			Messages: messages,
			Tools:    tools,
		})
		if err != nil {
			return nil, fmt.Errorf("skills: worker turn %d: %w", turn, err)
		}

		var text strings.Builder
		var calls []models.ToolCall
		for chunk := range chunks {
			if chunk.Error != nil {
				return nil, fmt.Errorf("skills: worker turn %d: %w", turn, chunk.Error)
			}
			if chunk.Text != "" {
				text.WriteString(chunk.Text)
			}
			if chunk.ToolCall != nil {
				calls = append(calls, *chunk.ToolCall)
			}
		}

		if len(calls) == 0 {
			return &ExecuteResult{Output: text.String(), Messages: messages}, nil
		}

		messages = append(messages, agent.CompletionMessage{
			Role:      "assistant",
			Content:   text.String(),
			ToolCalls: calls,
		})

		for _, call := range calls {
			e.emit(WorkerEvent{Turn: turn, MaxTurns: maxTurns, ToolName: call.Name})

			var result *agent.ToolResult
			tool, ok := req.ScopedTools.Get(call.Name)
			if !ok {
				result = &agent.ToolResult{
					Content: "tool not permitted for this skill: " + call.Name,
					IsError: true,
				}
			} else {
				var execErr error
				result, execErr = tool.Execute(ctx, call.Input)
				if execErr != nil {
					result = &agent.ToolResult{Content: execErr.Error(), IsError: true}
				}
			}

			toolOutputs = append(toolOutputs, result.Content)
			messages = append(messages, agent.CompletionMessage{
				Role: "tool",
				ToolResults: []models.ToolResult{{
					ToolCallID: call.ID,
					Content:    result.Content,
					IsError:    result.IsError,
				}},
			})
		}
	}

	return &ExecuteResult{
		Output:            strings.Join(toolOutputs, "\n") + "\n[reached turn budget]",
		ReachedTurnBudget: true,
		Messages:          messages,
	}, nil
}
