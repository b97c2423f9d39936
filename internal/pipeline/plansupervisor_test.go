package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/nexuscore/agentcore/internal/agent"
	"github.com/nexuscore/agentcore/pkg/coremodels"
)

func TestPlanSupervisor_RejectsMissingTool(t *testing.T) {
	tools := agent.NewToolRegistry()
	plan := &coremodels.Plan{Steps: []coremodels.Step{
		{Index: 0, Kind: coremodels.StepKindTool, Target: "missing"},
		{Index: 1, Kind: coremodels.StepKindCompletion},
	}}

	s := NewPlanSupervisor()
	result := s.Validate(plan, tools, nil)
	if result.Valid {
		t.Fatal("expected invalid for unknown tool target")
	}
}

func TestPlanSupervisor_RejectsNonCompletionFinalStep(t *testing.T) {
	plan := &coremodels.Plan{Steps: []coremodels.Step{
		{Index: 0, Kind: coremodels.StepKindTool, Target: "x"},
	}}
	s := NewPlanSupervisor()
	if s.Validate(plan, agent.NewToolRegistry(), nil).Valid {
		t.Fatal("expected invalid plan: no completion step")
	}
}

func TestIsJSONObject(t *testing.T) {
	if !isJSONObject(nil) {
		t.Error("empty args should be treated as valid object")
	}
	if !isJSONObject(json.RawMessage(`{"a":1}`)) {
		t.Error("object literal should be valid")
	}
	if isJSONObject(json.RawMessage(`[1,2,3]`)) {
		t.Error("array literal should not be a valid object")
	}
}
