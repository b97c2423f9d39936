package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nexuscore/agentcore/internal/agent"
	"github.com/nexuscore/agentcore/internal/jobs"
	"github.com/nexuscore/agentcore/pkg/coremodels"
)

// slowAsyncTool declares itself async via its schema and blocks briefly
// before returning, so the test can observe the step returning immediately
// with a queued job rather than waiting on the tool.
type slowAsyncTool struct{ delay time.Duration }

func (slowAsyncTool) Name() string        { return "slow-report" }
func (slowAsyncTool) Description() string { return "a slow tool that runs in the background" }
func (slowAsyncTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","async":true}`)
}
func (t slowAsyncTool) Execute(ctx context.Context, _ json.RawMessage) (*agent.ToolResult, error) {
	select {
	case <-time.After(t.delay):
	case <-ctx.Done():
	}
	return &agent.ToolResult{Content: "done"}, nil
}

func TestStepExecutor_AsyncSchemaTool_QueuesJobAndReturnsImmediately(t *testing.T) {
	tools := agent.NewToolRegistry()
	tools.Register(slowAsyncTool{delay: 200 * time.Millisecond})

	store := jobs.NewMemoryStore()
	rc := &RunContext{Tools: tools, Jobs: store}
	exec := NewStepExecutor(rc, nil)

	start := time.Now()
	obs, err := exec.Execute(context.Background(), coremodels.Step{Kind: coremodels.StepKindTool, Target: "slow-report"}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= 150*time.Millisecond {
		t.Errorf("expected Execute to return before the tool's delay elapsed, took %v", elapsed)
	}

	var payload struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(obs), &payload); err != nil {
		t.Fatalf("observation not valid job payload: %v (%q)", err, obs)
	}
	if payload.JobID == "" {
		t.Fatal("expected a non-empty job_id")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		job, err := store.Get(context.Background(), payload.JobID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if job != nil && job.Status == jobs.StatusSucceeded {
			if job.Result == nil || job.Result.Content != "done" {
				t.Errorf("expected job result content %q, got %+v", "done", job.Result)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job never reached succeeded status")
}

func TestStepExecutor_AsyncToolPattern_MatchesConfiguredName(t *testing.T) {
	tools := agent.NewToolRegistry()
	tools.Register(echoTool{})

	store := jobs.NewMemoryStore()
	rc := &RunContext{Tools: tools, Jobs: store, AsyncTools: []string{"echo"}}
	exec := NewStepExecutor(rc, nil)

	obs, err := exec.Execute(context.Background(), coremodels.Step{Kind: coremodels.StepKindTool, Target: "echo"}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var payload struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal([]byte(obs), &payload); err != nil || payload.JobID == "" {
		t.Fatalf("expected queued-job observation for a pattern-matched tool, got %q (err=%v)", obs, err)
	}
}

func TestStepExecutor_SyncTool_RunsInlineWhenNotAsync(t *testing.T) {
	tools := agent.NewToolRegistry()
	tools.Register(echoTool{})

	rc := &RunContext{Tools: tools, Jobs: jobs.NewMemoryStore()}
	exec := NewStepExecutor(rc, nil)

	obs, err := exec.Execute(context.Background(), coremodels.Step{Kind: coremodels.StepKindTool, Target: "echo"}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if obs != "hello" {
		t.Errorf("expected inline tool result %q, got %q", "hello", obs)
	}
}
