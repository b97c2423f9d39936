package servicefactory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nexuscore/agentcore/internal/agent"
	"github.com/nexuscore/agentcore/pkg/coremodels"
)

// fakeTenancyStore implements tenancy.Store with just enough behavior to
// exercise the Service Factory's permission-resolution step.
type fakeTenancyStore struct {
	perms map[string][]coremodels.ToolPermission
}

func (f *fakeTenancyStore) CreateContext(context.Context, *coremodels.TenantContext) error { return nil }
func (f *fakeTenancyStore) GetContext(context.Context, string) (*coremodels.TenantContext, error) {
	return nil, nil
}
func (f *fakeTenancyStore) GetOrCreateContextByPlatform(context.Context, string, string) (*coremodels.TenantContext, error) {
	return nil, nil
}
func (f *fakeTenancyStore) CreateConversation(context.Context, *coremodels.Conversation) error {
	return nil
}
func (f *fakeTenancyStore) GetConversation(context.Context, string) (*coremodels.Conversation, error) {
	return nil, nil
}
func (f *fakeTenancyStore) GetConversationByPlatform(context.Context, string, string) (*coremodels.Conversation, error) {
	return nil, nil
}
func (f *fakeTenancyStore) ListToolPermissions(_ context.Context, contextID string) ([]coremodels.ToolPermission, error) {
	return f.perms[contextID], nil
}
func (f *fakeTenancyStore) SetToolPermission(context.Context, coremodels.ToolPermission) error {
	return nil
}
func (f *fakeTenancyStore) GetOAuthToken(context.Context, string, string) (*coremodels.OAuthToken, error) {
	return nil, nil
}
func (f *fakeTenancyStore) SetOAuthToken(context.Context, *coremodels.OAuthToken) error { return nil }

type stubTool struct{ name string }

func (s stubTool) Name() string            { return s.name }
func (s stubTool) Description() string     { return "stub" }
func (s stubTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (s stubTool) Execute(context.Context, json.RawMessage) (*agent.ToolResult, error) {
	return &agent.ToolResult{Content: "ok"}, nil
}

func TestFactory_Create_FiltersDeniedTools(t *testing.T) {
	base := agent.NewToolRegistry()
	base.Register(stubTool{name: "search"})
	base.Register(stubTool{name: "shell_exec"})

	store := &fakeTenancyStore{
		perms: map[string][]coremodels.ToolPermission{
			"ctx-1": {{ContextID: "ctx-1", ToolName: "shell_exec", Allowed: false}},
		},
	}

	f := NewFactory(base, nil, nil, nil, store, nil, nil, nil, nil, "test-model")

	svc, err := f.Create(context.Background(), "ctx-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, ok := svc.Tools.Get("search"); !ok {
		t.Error("expected search tool to remain registered")
	}
	if _, ok := svc.Tools.Get("shell_exec"); ok {
		t.Error("expected shell_exec to be filtered out by denied permission")
	}

	// The base registry must be untouched — Create clones rather than mutates.
	if _, ok := base.Get("shell_exec"); !ok {
		t.Error("expected base registry to retain shell_exec after Create filtered the clone")
	}
}

func TestFactory_Create_NoPermissionRowsDefaultsToAllow(t *testing.T) {
	base := agent.NewToolRegistry()
	base.Register(stubTool{name: "search"})

	store := &fakeTenancyStore{perms: map[string][]coremodels.ToolPermission{}}
	f := NewFactory(base, nil, nil, nil, store, nil, nil, nil, nil, "test-model")

	svc, err := f.Create(context.Background(), "ctx-2")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, ok := svc.Tools.Get("search"); !ok {
		t.Error("expected tool with no permission row to remain allowed by default")
	}
	if svc.ContextID != "ctx-2" {
		t.Errorf("ContextID = %q, want ctx-2", svc.ContextID)
	}
	if svc.Model != "test-model" {
		t.Errorf("Model = %q, want test-model", svc.Model)
	}
}
