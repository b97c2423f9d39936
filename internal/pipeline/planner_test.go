package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/nexuscore/agentcore/internal/agent"
)

type fakeChunkProvider struct {
	texts []string
	err   error
}

func (f *fakeChunkProvider) Name() string           { return "fake" }
func (f *fakeChunkProvider) Models() []agent.Model   { return nil }
func (f *fakeChunkProvider) SupportsTools() bool     { return true }

func (f *fakeChunkProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan *agent.CompletionChunk, len(f.texts)+1)
	for _, t := range f.texts {
		ch <- &agent.CompletionChunk{Text: t}
	}
	ch <- &agent.CompletionChunk{Done: true}
	close(ch)
	return ch, nil
}

func TestExtractJSONObject(t *testing.T) {
	cases := []struct{ in, want string }{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"some preamble\n{\"a\":1}\ntrailing", `{"a":1}`},
	}
	for _, c := range cases {
		got := extractJSONObject(c.in)
		if got != c.want {
			t.Errorf("extractJSONObject(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestParsePlan_WellFormed(t *testing.T) {
	raw := `{"reasoning":"do it","steps":[
		{"kind":"tool","target":"search","args":{"q":"x"},"rationale":"look it up"},
		{"kind":"completion","target":"","args":{},"rationale":"answer"}
	]}`
	plan, err := parsePlan(raw)
	if err != nil {
		t.Fatalf("parsePlan: %v", err)
	}
	if !plan.IsWellFormed() {
		t.Fatal("expected well-formed plan")
	}
	if len(plan.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(plan.Steps))
	}
	if plan.Steps[0].Kind != "tool" || plan.Steps[0].Target != "search" {
		t.Errorf("unexpected first step: %+v", plan.Steps[0])
	}
}

func TestParsePlan_InvalidKind(t *testing.T) {
	raw := `{"steps":[{"kind":"bogus","target":"x"}]}`
	if _, err := parsePlan(raw); err == nil {
		t.Fatal("expected error for unknown step kind")
	}
}

func TestPlanner_RetriesOnParseFailure(t *testing.T) {
	provider := &fakeChunkProvider{texts: []string{"not json at all"}}
	p := NewPlanner(provider, "planner-model")

	var thoughts []string
	p.SetThinkingHandler(func(s string) { thoughts = append(thoughts, s) })

	_, err := p.Plan(context.Background(), PlanContext{Prompt: "do something"})
	if err == nil {
		t.Fatal("expected error after exhausting parse retries")
	}
	if !strings.Contains(err.Error(), "pipeline") {
		t.Errorf("expected pipeline-prefixed error, got %v", err)
	}
}

func TestPlanner_SucceedsOnWellFormedPlan(t *testing.T) {
	raw := `{"reasoning":"r","steps":[{"kind":"completion","target":"","args":{},"rationale":"done"}]}`
	provider := &fakeChunkProvider{texts: []string{raw}}
	p := NewPlanner(provider, "planner-model")

	plan, err := p.Plan(context.Background(), PlanContext{Prompt: "hi", ReplanNum: 2})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.ReplanNum != 2 {
		t.Errorf("expected ReplanNum carried through, got %d", plan.ReplanNum)
	}
	if !plan.IsWellFormed() {
		t.Fatal("expected well-formed plan")
	}
}
