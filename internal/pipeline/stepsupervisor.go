package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nexuscore/agentcore/internal/agent"
	"github.com/nexuscore/agentcore/internal/errkind"
	"github.com/nexuscore/agentcore/pkg/coremodels"
)

// StepSupervisor classifies a step's observation into a StepOutcome using
// the decision table in spec.md §4.3. Grounded on the decision-table shape
// of internal/multiagent/supervisor.go's Supervisor, generalized from
// agent-handoff classification to step-outcome classification.
type StepSupervisor struct {
	provider agent.LLMProvider
	model    string
}

// NewStepSupervisor creates a StepSupervisor bound to a short supervisor
// profile model.
func NewStepSupervisor(provider agent.LLMProvider, model string) *StepSupervisor {
	return &StepSupervisor{provider: provider, model: model}
}

// outcomeDoc is the wire shape the supervisor LLM call returns.
type outcomeDoc struct {
	Outcome  string `json:"outcome"` // success | retry | replan | abort
	Feedback string `json:"feedback,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Classify asks the LLM to map (step, observation, stepErr) onto a
// StepOutcome. A non-nil stepErr short-circuits the LLM call: its errkind
// classification already determines the outcome, per the decision table's
// transient/semantic/authorisation/fatal rows.
func (s *StepSupervisor) Classify(ctx context.Context, step coremodels.Step, observation string, stepErr error) (coremodels.StepOutcome, error) {
	if stepErr != nil {
		return s.classifyFromError(step, observation, stepErr), nil
	}

	prompt := fmt.Sprintf(
		"Step: kind=%s target=%s rationale=%q\nObservation: %s\n\n"+
			"Classify this observation as one of: success, retry, replan, abort.\n"+
			"- success: the observation satisfies the step's declared intent.\n"+
			"- retry: a transient failure (timeout, rate limit, 5xx, network error, parse flake).\n"+
			"- replan: a non-transient but recoverable failure (wrong tool, wrong arguments, off-topic).\n"+
			"- abort: unrecoverable (authorisation denied, invalid context, explicit fatal error).\n"+
			"Respond with a single JSON object: {\"outcome\": string, \"feedback\": string, \"reason\": string}.",
		step.Kind, step.Target, step.Rationale, observation,
	)

	chunks, err := s.provider.Complete(ctx, &agent.CompletionRequest{
		Model: s.model,
		Messages: []agent.CompletionMessage{
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return coremodels.StepOutcome{}, errkind.Classify(errkind.Transient, "", fmt.Errorf("stepsupervisor: complete: %w", err))
	}

	var sb strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return coremodels.StepOutcome{}, errkind.Classify(errkind.Transient, "", chunk.Error)
		}
		sb.WriteString(chunk.Text)
	}

	var doc outcomeDoc
	text := extractJSONObject(sb.String())
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		// Unparseable classification is treated as a semantic failure
		// rather than propagated, since the step itself still produced
		// a usable (if unclassified) observation.
		return coremodels.StepOutcome{
			Kind:        coremodels.StepReplan,
			Step:        step,
			Observation: observation,
			Feedback:    "supervisor response could not be parsed; re-planning",
		}, nil
	}

	kind, err := parseOutcomeKind(doc.Outcome)
	if err != nil {
		kind = coremodels.StepReplan
	}

	return coremodels.StepOutcome{
		Kind:        kind,
		Step:        step,
		Observation: observation,
		Feedback:    doc.Feedback,
		Reason:      doc.Reason,
	}, nil
}

func (s *StepSupervisor) classifyFromError(step coremodels.Step, observation string, stepErr error) coremodels.StepOutcome {
	switch errkind.KindOf(stepErr) {
	case errkind.Transient:
		return coremodels.StepOutcome{Kind: coremodels.StepRetry, Step: step, Observation: observation, Feedback: stepErr.Error()}
	case errkind.Semantic, errkind.Validation:
		return coremodels.StepOutcome{Kind: coremodels.StepReplan, Step: step, Observation: observation, Feedback: stepErr.Error()}
	case errkind.Authorisation:
		return coremodels.StepOutcome{Kind: coremodels.StepReplan, Step: step, Observation: observation, Feedback: "authorisation denied for " + step.Target + ": " + stepErr.Error()}
	case errkind.Cancelled:
		return coremodels.StepOutcome{Kind: coremodels.StepAbort, Step: step, Reason: "request cancelled"}
	default:
		return coremodels.StepOutcome{Kind: coremodels.StepAbort, Step: step, Reason: stepErr.Error()}
	}
}

func parseOutcomeKind(s string) (coremodels.StepOutcomeKind, error) {
	switch coremodels.StepOutcomeKind(strings.ToLower(s)) {
	case coremodels.StepSuccess, coremodels.StepRetry, coremodels.StepReplan, coremodels.StepAbort:
		return coremodels.StepOutcomeKind(strings.ToLower(s)), nil
	default:
		return "", fmt.Errorf("stepsupervisor: unknown outcome %q", s)
	}
}
