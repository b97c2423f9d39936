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

// maxPlanParseRetries is how many times the Planner feeds its own parse
// error back into the prompt before giving up (spec.md §4.3: "up to twice").
const maxPlanParseRetries = 2

// PlanContext carries everything the Planner needs to produce a Plan.
type PlanContext struct {
	History          []agent.CompletionMessage
	Prompt           string
	ToolCatalogue    map[string]string // tool name -> description
	SkillCatalogue   map[string]string // skill name -> description
	ReplanNum        int
	PriorFeedback    string // supervisor feedback carried into a replan
	ForceCompletion  bool   // restricted mode after max_replans exhaustion
}

// Planner streams the LLM to produce a structured Plan. Structurally
// grounded on the other_examples reference relay-internal-brain Planner's
// Plan(ctx, PlanContext) method, adapted to agent.LLMProvider.
type Planner struct {
	provider agent.LLMProvider
	model    string
	onThinking func(string)
}

// NewPlanner creates a Planner bound to an LLM provider and default model.
func NewPlanner(provider agent.LLMProvider, model string) *Planner {
	return &Planner{provider: provider, model: model}
}

// SetThinkingHandler installs a callback for intermediate reasoning tokens,
// surfaced upstream as `thinking` events.
func (p *Planner) SetThinkingHandler(fn func(string)) {
	p.onThinking = fn
}

func (p *Planner) emitThinking(text string) {
	if p.onThinking != nil && text != "" {
		p.onThinking(text)
	}
}

// Plan runs the planning loop and returns a parsed, structurally valid Plan.
func (p *Planner) Plan(ctx context.Context, pc PlanContext) (*coremodels.Plan, error) {
	prompt := p.buildPrompt(pc)
	messages := append(append([]agent.CompletionMessage{}, pc.History...), agent.CompletionMessage{
		Role:    "user",
		Content: prompt,
	})

	var lastErr error
	for attempt := 0; attempt <= maxPlanParseRetries; attempt++ {
		if attempt > 0 {
			messages = append(messages, agent.CompletionMessage{
				Role:    "user",
				Content: fmt.Sprintf("Your previous plan failed to parse: %v. Respond with a single valid JSON plan object.", lastErr),
			})
		}

		chunks, err := p.provider.Complete(ctx, &agent.CompletionRequest{
			Model:    p.model,
			Messages: messages,
		})
		if err != nil {
			return nil, errkind.Classify(errkind.Transient, errkind.CodePlanParseError, fmt.Errorf("planner: complete: %w", err))
		}

		var text strings.Builder
		for chunk := range chunks {
			if chunk.Error != nil {
				return nil, errkind.Classify(errkind.Transient, errkind.CodePlanParseError, chunk.Error)
			}
			if chunk.Thinking != "" {
				p.emitThinking(chunk.Thinking)
			}
			if chunk.Text != "" {
				text.WriteString(chunk.Text)
			}
		}

		plan, parseErr := parsePlan(text.String())
		if parseErr == nil {
			if !plan.IsWellFormed() {
				lastErr = fmt.Errorf("plan is not well-formed: must have at least one step ending in completion")
				continue
			}
			plan.ReplanNum = pc.ReplanNum
			return plan, nil
		}
		lastErr = parseErr
	}

	return nil, errkind.Classify(errkind.Semantic, errkind.CodePlanParseError, fmt.Errorf("planner: failed to parse plan after %d attempts: %w", maxPlanParseRetries+1, lastErr))
}

func (p *Planner) buildPrompt(pc PlanContext) string {
	var sb strings.Builder
	if pc.ForceCompletion {
		sb.WriteString("Re-planning has been exhausted. Produce a final plan containing only a single completion step that answers from what is already known.\n\n")
	}
	sb.WriteString("Request: ")
	sb.WriteString(pc.Prompt)
	sb.WriteString("\n\nAvailable tools:\n")
	for name, desc := range pc.ToolCatalogue {
		sb.WriteString(fmt.Sprintf("- %s: %s\n", name, desc))
	}
	sb.WriteString("\nAvailable skills:\n")
	for name, desc := range pc.SkillCatalogue {
		sb.WriteString(fmt.Sprintf("- %s: %s\n", name, desc))
	}
	if pc.PriorFeedback != "" {
		sb.WriteString("\nFeedback from the previous attempt:\n")
		sb.WriteString(pc.PriorFeedback)
	}
	sb.WriteString("\n\nRespond with a single JSON object: {\"reasoning\": string, \"steps\": [{\"kind\": \"tool|skill|memory|completion\", \"target\": string, \"args\": object, \"rationale\": string}, ...]}. The last step must have kind \"completion\".")
	return sb.String()
}

// planDoc is the wire shape the Planner asks the LLM to emit.
type planDoc struct {
	Reasoning string `json:"reasoning"`
	Steps     []struct {
		Kind      string          `json:"kind"`
		Target    string          `json:"target"`
		Args      json.RawMessage `json:"args"`
		Rationale string          `json:"rationale"`
	} `json:"steps"`
}

func parsePlan(raw string) (*coremodels.Plan, error) {
	raw = extractJSONObject(raw)
	var doc planDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("planner: parse plan json: %w", err)
	}
	if len(doc.Steps) == 0 {
		return nil, fmt.Errorf("planner: plan has no steps")
	}

	steps := make([]coremodels.Step, 0, len(doc.Steps))
	for i, s := range doc.Steps {
		kind, err := parseStepKind(s.Kind)
		if err != nil {
			return nil, err
		}
		args := s.Args
		if args == nil {
			args = json.RawMessage("{}")
		}
		steps = append(steps, coremodels.Step{
			Index:     i,
			Kind:      kind,
			Target:    s.Target,
			Args:      args,
			Rationale: s.Rationale,
		})
	}

	return &coremodels.Plan{Steps: steps, Reasoning: doc.Reasoning}, nil
}

func parseStepKind(s string) (coremodels.StepKind, error) {
	switch coremodels.StepKind(s) {
	case coremodels.StepKindTool, coremodels.StepKindSkill, coremodels.StepKindMemory, coremodels.StepKindCompletion:
		return coremodels.StepKind(s), nil
	default:
		return "", fmt.Errorf("planner: unknown step kind %q", s)
	}
}

// extractJSONObject trims leading/trailing prose around a JSON object, in
// case the LLM wraps its answer in commentary or a code fence.
func extractJSONObject(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}
