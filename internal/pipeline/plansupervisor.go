package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/nexuscore/agentcore/internal/agent"
	"github.com/nexuscore/agentcore/internal/skills"
	"github.com/nexuscore/agentcore/pkg/coremodels"
)

// ValidationResult is PlanSupervisor's VALID/INVALID(reason) output.
type ValidationResult struct {
	Valid  bool
	Reason string
}

// PlanSupervisor is a pure validator: no LLM call, only checks against the
// Tool Registry and Skill Registry already resolved for this request.
// Grounded on internal/multiagent/capability_router.go's
// validation-without-LLM pattern.
type PlanSupervisor struct{}

// NewPlanSupervisor creates a PlanSupervisor.
func NewPlanSupervisor() *PlanSupervisor {
	return &PlanSupervisor{}
}

// Validate checks every tool/skill step's target exists, the final step is
// completion, and each step's args are at least syntactically well-formed
// JSON objects — the schema-type-compatibility check spec.md §4.3 requires.
func (s *PlanSupervisor) Validate(plan *coremodels.Plan, tools *agent.ToolRegistry, skillMgr *skills.Manager) ValidationResult {
	if plan == nil || !plan.IsWellFormed() {
		return ValidationResult{false, "plan is empty or does not end in a completion step"}
	}

	for _, step := range plan.Steps {
		switch step.Kind {
		case coremodels.StepKindTool:
			if _, ok := tools.Get(step.Target); !ok {
				return ValidationResult{false, fmt.Sprintf("step %d: tool %q is not in the permitted registry", step.Index, step.Target)}
			}
			if !isJSONObject(step.Args) {
				return ValidationResult{false, fmt.Sprintf("step %d: args must be a JSON object", step.Index)}
			}
		case coremodels.StepKindSkill:
			if skillMgr == nil {
				return ValidationResult{false, fmt.Sprintf("step %d: no skill registry available", step.Index)}
			}
			skill, ok := skillMgr.GetEligible(step.Target)
			if !ok || skill == nil {
				return ValidationResult{false, fmt.Sprintf("step %d: skill %q is not eligible or not found", step.Index, step.Target)}
			}
		case coremodels.StepKindMemory:
			if !isJSONObject(step.Args) {
				return ValidationResult{false, fmt.Sprintf("step %d: args must be a JSON object", step.Index)}
			}
		case coremodels.StepKindCompletion:
			// No target required.
		default:
			return ValidationResult{false, fmt.Sprintf("step %d: unknown step kind %q", step.Index, step.Kind)}
		}
	}

	return ValidationResult{true, ""}
}

func isJSONObject(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return true
	}
	var v map[string]any
	return json.Unmarshal(raw, &v) == nil
}
