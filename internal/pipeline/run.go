package pipeline

import (
	"context"
	"fmt"

	"github.com/nexuscore/agentcore/internal/agent"
	"github.com/nexuscore/agentcore/internal/errkind"
	"github.com/nexuscore/agentcore/pkg/coremodels"
)

// DefaultMaxReplans is the default bound on re-planning per request.
const DefaultMaxReplans = 3

// DefaultMaxRetriesPerStep is the default bound on retries for a single step.
const DefaultMaxRetriesPerStep = 1

// RunConfig bounds the adaptive loop.
type RunConfig struct {
	MaxReplans        int
	MaxRetriesPerStep int
}

// DefaultRunConfig returns the spec's default bounds.
func DefaultRunConfig() RunConfig {
	return RunConfig{MaxReplans: DefaultMaxReplans, MaxRetriesPerStep: DefaultMaxRetriesPerStep}
}

// Runner drives the Planner -> PlanSupervisor -> StepExecutor -> StepSupervisor
// adaptive loop described in spec.md §4.2 step 5 / §4.3.
type Runner struct {
	cfg        RunConfig
	planner    *Planner
	planSup    *PlanSupervisor
	stepSup    *StepSupervisor
	rc         *RunContext
	sink       EventSink
}

// NewRunner builds a Runner for one request.
func NewRunner(cfg RunConfig, planner *Planner, planSup *PlanSupervisor, stepSup *StepSupervisor, rc *RunContext, sink EventSink) *Runner {
	if sink == nil {
		sink = NopSink{}
	}
	return &Runner{cfg: cfg, planner: planner, planSup: planSup, stepSup: stepSup, rc: rc, sink: sink}
}

// Result is the Runner's terminal output.
type Result struct {
	FinalText string
	History   []agent.CompletionMessage
}

// Run executes the full adaptive loop for one prompt and returns the final
// completion text, or a *ConfirmationRequiredError / classified error.
func (r *Runner) Run(ctx context.Context, pc PlanContext) (*Result, error) {
	history := append([]agent.CompletionMessage{}, pc.History...)
	replans := 0
	feedback := pc.PriorFeedback
	forceCompletion := false

	for {
		r.sink.Thinking("planning")
		plan, err := r.planner.Plan(ctx, PlanContext{
			History:         history,
			Prompt:          pc.Prompt,
			ToolCatalogue:   pc.ToolCatalogue,
			SkillCatalogue:  pc.SkillCatalogue,
			ReplanNum:       replans,
			PriorFeedback:   feedback,
			ForceCompletion: forceCompletion,
		})
		if err != nil {
			return nil, err
		}
		r.sink.Plan(plan)

		validation := r.planSup.Validate(plan, r.rc.Tools, r.rc.Skills)
		if !validation.Valid {
			if replans >= r.cfg.MaxReplans {
				return nil, errkind.Classify(errkind.Fatal, errkind.CodePlanInvalid, fmt.Errorf("pipeline: plan invalid after exhausting replans: %s", validation.Reason))
			}
			replans++
			feedback = "Previous plan was rejected: " + validation.Reason
			continue
		}

		stepExec := NewStepExecutor(r.rc, r.sink)
		outcome, replanFeedback, err := r.runSteps(ctx, plan, stepExec, &history)
		if err != nil {
			return nil, err
		}
		if outcome == coremodels.StepReplan {
			if replans >= r.cfg.MaxReplans {
				forceCompletion = true
			} else {
				replans++
			}
			feedback = replanFeedback
			continue
		}

		// outcome == success: the completion step's text is the last
		// appended assistant message's content.
		final := ""
		if len(history) > 0 {
			final = history[len(history)-1].Content
		}
		return &Result{FinalText: final, History: history}, nil
	}
}

// runSteps executes plan's steps in order, applying the retry/replan/abort
// tie-break rules. Returns StepSuccess when every step completed, or
// StepReplan with accumulated feedback when re-planning is needed.
func (r *Runner) runSteps(ctx context.Context, plan *coremodels.Plan, stepExec *StepExecutor, history *[]agent.CompletionMessage) (coremodels.StepOutcomeKind, string, error) {
	for i := 0; i < len(plan.Steps); i++ {
		step := plan.Steps[i]
		retries := 0

		for stepDone := false; !stepDone; {
			observation, stepErr := stepExec.Execute(ctx, step, *history)

			var confirmErr *ConfirmationRequiredError
			if asConfirmation(stepErr, &confirmErr) {
				return "", "", confirmErr
			}

			if step.Kind == coremodels.StepKindCompletion {
				if stepErr != nil {
					return "", "", stepErr
				}
				*history = append(*history, agent.CompletionMessage{Role: "assistant", Content: observation})
				return coremodels.StepSuccess, "", nil
			}

			result, classifyErr := r.stepSup.Classify(ctx, step, observation, stepErr)
			if classifyErr != nil {
				return "", "", classifyErr
			}

			switch result.Kind {
			case coremodels.StepSuccess:
				*history = append(*history, agent.CompletionMessage{Role: "tool", Content: observation})
				r.sink.StepOutcome(step, coremodels.StepSuccess, observation)
				stepDone = true

			case coremodels.StepRetry:
				if retries >= r.cfg.MaxRetriesPerStep {
					// Tie-break: exhausted retry budget escalates to replan.
					r.sink.StepOutcome(step, coremodels.StepReplan, result.Feedback)
					return coremodels.StepReplan, result.Feedback, nil
				}
				retries++
				r.sink.StepOutcome(step, coremodels.StepRetry, result.Feedback)
				step.Rationale = step.Rationale + " (retry: " + result.Feedback + ")"

			case coremodels.StepReplan:
				r.sink.StepOutcome(step, coremodels.StepReplan, result.Feedback)
				return coremodels.StepReplan, result.Feedback, nil

			case coremodels.StepAbort:
				r.sink.StepOutcome(step, coremodels.StepAbort, result.Reason)
				return "", "", errkind.Classify(errkind.Fatal, errkind.CodeStepAborted, fmt.Errorf("pipeline: step %d aborted: %s", step.Index, result.Reason))

			default:
				return "", "", errkind.Classify(errkind.Fatal, "", fmt.Errorf("pipeline: unknown step outcome %q", result.Kind))
			}
		}
	}

	return coremodels.StepSuccess, "", nil
}

func asConfirmation(err error, target **ConfirmationRequiredError) bool {
	if err == nil {
		return false
	}
	c, ok := err.(*ConfirmationRequiredError)
	if ok {
		*target = c
	}
	return ok
}
