// Package servicefactory builds a per-request Agent Service: a cloned and
// permission-filtered Tool Registry, MCP-exposed tools registered under a
// prefixed name, and a Context-scoped memory view. Grounded on
// internal/multiagent/orchestrator.go's RegisterAgent (clones an
// AgentDefinition, builds a fresh agent.Runtime per agent) generalized to
// "build a fresh service per request" rather than per agent.
package servicefactory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nexuscore/agentcore/internal/agent"
	"github.com/nexuscore/agentcore/internal/jobs"
	"github.com/nexuscore/agentcore/internal/mcp"
	"github.com/nexuscore/agentcore/internal/memory"
	"github.com/nexuscore/agentcore/internal/skills"
	"github.com/nexuscore/agentcore/internal/tenancy"
	"github.com/nexuscore/agentcore/internal/tools/policy"
)

// Factory holds the process-lifetime singletons the Service Factory clones
// and filters per request: the base Tool Registry (immutable template),
// the Skill Registry, the MCP Client Pool, and the shared memory manager.
type Factory struct {
	baseTools  *agent.ToolRegistry
	skillMgr   *skills.Manager
	mcpPool    *mcp.Pool
	memoryMgr  *memory.ContextScopedStore
	tenancy    tenancy.Store
	resolver   *policy.Resolver
	provider   agent.LLMProvider
	defaultModel string
	jobStore   jobs.Store
	asyncTools []string
	logger     *slog.Logger
}

// NewFactory wires the process-lifetime singletons into a Factory. It also
// binds the shared policy.Resolver into the Skill Manager's gating context
// (via a ToolPolicyChecker adapter) and recomputes eligible skills, so skill
// gating and tool-permission resolution stay consistent with one Resolver.
//
// edgeConnected reports whether the current deployment has any remote tool
// runner attached; nil is treated as "never connected". It is a func rather
// than a bool so skill gating always reflects live state.
func NewFactory(baseTools *agent.ToolRegistry, skillMgr *skills.Manager, mcpPool *mcp.Pool, memoryMgr *memory.ContextScopedStore, store tenancy.Store, resolver *policy.Resolver, basePolicy *policy.Policy, edgeConnected func() bool, provider agent.LLMProvider, defaultModel string) *Factory {
	if skillMgr != nil && resolver != nil {
		checker := NewToolPolicyAdapter(resolver, basePolicy, edgeConnected)
		skillMgr.SetToolPolicy(checker)
		_ = skillMgr.RefreshEligible()
	}

	return &Factory{
		baseTools:    baseTools,
		skillMgr:     skillMgr,
		mcpPool:      mcpPool,
		memoryMgr:    memoryMgr,
		tenancy:      store,
		resolver:     resolver,
		provider:     provider,
		defaultModel: defaultModel,
		logger:       slog.Default().With("component", "servicefactory"),
	}
}

// SetAsyncJobs binds the job store and tool-name patterns the resulting
// Services should dispatch as background jobs rather than run inline.
// Optional: a Factory with no job store bound never runs tools async.
func (f *Factory) SetAsyncJobs(store jobs.Store, toolPatterns []string) {
	f.jobStore = store
	f.asyncTools = toolPatterns
}

// Service is everything an Agent Service needs for one (request, Context):
// a cloned+filtered Registry, the Skill Registry, the memory view, and the
// shared LLM gateway. It is never reused across requests.
type Service struct {
	ContextID  string
	Tools      *agent.ToolRegistry
	Skills     *skills.Manager
	Memory     *memory.ContextScopedStore
	Provider   agent.LLMProvider
	Model      string
	Jobs       jobs.Store
	AsyncTools []string
}

// Create builds a Service bound to exactly one (request, Context), per
// spec.md §4.1's per-request build algorithm.
func (f *Factory) Create(ctx context.Context, contextID string) (*Service, error) {
	// 1. Shallow-clone the base Registry.
	clone := f.baseTools.Clone()

	// 2. Load Tool Permissions; apply filter_by_permissions.
	resolved, err := tenancy.ResolvedPermissions(ctx, f.tenancy, contextID)
	if err != nil {
		return nil, fmt.Errorf("servicefactory: resolve permissions: %w", err)
	}
	clone.FilterByPermissions(resolved)

	// 3. Fetch the Context's OAuth tokens and ask the MCP Client Pool for
	// clients for this Context; register each MCP-exposed tool under a
	// prefixed name. Per-server connect failures are logged, not fatal —
	// the rest of the Context's tools still register.
	if f.mcpPool != nil {
		for _, cerr := range f.mcpPool.ConnectAll(ctx, contextID) {
			f.logger.Warn("mcp server connect failed", "context_id", contextID, "error", cerr)
		}
		mgr := f.mcpPool.Manager(contextID)
		for serverID, tools := range mgr.AllTools() {
			for _, t := range tools {
				clone.Register(newMCPTool(mgr, serverID, t))
			}
		}
	}

	// 4. Construct a Memory Store view scoped to context_id (already shared
	// — the view itself pins the Context on every call, it is not cloned).
	return &Service{
		ContextID:  contextID,
		Tools:      clone,
		Skills:     f.skillMgr,
		Memory:     f.memoryMgr,
		Provider:   f.provider,
		Model:      f.defaultModel,
		Jobs:       f.jobStore,
		AsyncTools: f.asyncTools,
	}, nil
}

// mcpTool adapts an MCP-exposed tool to agent.Tool, registered under a
// "mcp:serverID.toolName" name so it cannot collide with a core tool.
type mcpTool struct {
	manager  *mcp.Manager
	serverID string
	tool     *mcp.MCPTool
}

func newMCPTool(manager *mcp.Manager, serverID string, tool *mcp.MCPTool) *mcpTool {
	return &mcpTool{manager: manager, serverID: serverID, tool: tool}
}

func (t *mcpTool) Name() string {
	return fmt.Sprintf("mcp:%s.%s", t.serverID, t.tool.Name)
}

func (t *mcpTool) Description() string {
	if t.tool.Description != "" {
		return t.tool.Description
	}
	return "MCP tool " + t.tool.Name + " from " + t.serverID
}

func (t *mcpTool) Schema() json.RawMessage {
	if len(t.tool.InputSchema) == 0 {
		return json.RawMessage(`{"type":"object"}`)
	}
	return t.tool.InputSchema
}

func (t *mcpTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var args map[string]any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return &agent.ToolResult{Content: fmt.Sprintf("invalid arguments: %v", err), IsError: true}, nil
		}
	}

	result, err := t.manager.CallTool(ctx, t.serverID, t.tool.Name, args)
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}

	var sb strings.Builder
	for _, c := range result.Content {
		if c.Text != "" {
			sb.WriteString(c.Text)
			sb.WriteString("\n")
		}
	}
	return &agent.ToolResult{Content: strings.TrimRight(sb.String(), "\n"), IsError: result.IsError}, nil
}
