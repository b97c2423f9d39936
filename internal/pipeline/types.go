// Package pipeline implements the Planner, PlanSupervisor, StepExecutor, and
// StepSupervisor that together run one Plan to completion — the adaptive
// loop from spec.md §4.3, driven by internal/agentservice.
package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/nexuscore/agentcore/internal/agent"
	"github.com/nexuscore/agentcore/internal/jobs"
	"github.com/nexuscore/agentcore/internal/memory"
	"github.com/nexuscore/agentcore/internal/skills"
	"github.com/nexuscore/agentcore/pkg/coremodels"
)

// EventSink receives AgentEvent-shaped notifications from the pipeline
// without coupling this package to the wire-level AgentEvent type or its
// sequencing; internal/agentservice adapts these into sequenced events.
type EventSink interface {
	Thinking(text string)
	Plan(plan *coremodels.Plan)
	StepStart(step coremodels.Step)
	StepOutcome(step coremodels.Step, outcome coremodels.StepOutcomeKind, detail string)
	ToolStart(step coremodels.Step, toolName string)
	ToolOutput(step coremodels.Step, toolName, output string, isError bool)
	SkillActivity(skillName string, turn, maxTurns int, toolName string)
	Content(text string)
}

// NopSink discards every notification; useful for tests that only care
// about the returned Plan/outcome.
type NopSink struct{}

func (NopSink) Thinking(string)                                           {}
func (NopSink) Plan(*coremodels.Plan)                                     {}
func (NopSink) StepStart(coremodels.Step)                                 {}
func (NopSink) StepOutcome(coremodels.Step, coremodels.StepOutcomeKind, string) {}
func (NopSink) ToolStart(coremodels.Step, string)                         {}
func (NopSink) ToolOutput(coremodels.Step, string, string, bool)          {}
func (NopSink) SkillActivity(string, int, int, string)                    {}
func (NopSink) Content(string)                                            {}

// RunContext is the per-request environment the pipeline's stages operate
// against: a permission-filtered Tool Registry clone, the Skill Registry,
// a Context-scoped memory view, and the shared LLM gateway.
type RunContext struct {
	ContextID      string
	ConversationID string
	Tools          *agent.ToolRegistry
	Skills         *skills.Manager
	Memory         *memory.ContextScopedStore
	Provider       agent.LLMProvider
	SkillExecutor  *skills.Executor
	Model          string
	// ConfirmationToken, when non-empty, authorises a previously-surfaced
	// confirmation_required tool call on this Conversation's next request.
	ConfirmationToken string
	// Jobs, when non-nil, receives async tool executions (tools whose
	// schema declares "async": true, or whose name matches AsyncTools).
	Jobs jobs.Store
	// AsyncTools lists additional tool name patterns ("x.*", "mcp:*") to run
	// as background jobs even when their schema doesn't declare "async".
	AsyncTools []string
}

// ConfirmationRequiredError signals that a tool step needs out-of-band
// authorisation before it can run; the Agent Service surfaces it as a
// confirmation_required event and terminates the request per spec.md §4.2.
type ConfirmationRequiredError struct {
	Step     coremodels.Step
	ToolName string
	ArgsJSON json.RawMessage
	Prompt   string
}

func (e *ConfirmationRequiredError) Error() string {
	return fmt.Sprintf("pipeline: tool %q requires confirmation", e.ToolName)
}
