// Package coremodels defines the tenant-scoped domain types layered on top
// of pkg/models: Context, Conversation, ToolPermission, OAuthToken, and the
// Plan/Step/StepOutcome types driving the agentic pipeline.
package coremodels

import "time"

// TenantContext is the tenant boundary for every request the core handles.
// All tool permissions, memory records, and conversations are scoped to one.
// Named TenantContext rather than Context to avoid colliding with
// context.Context in call sites that import both packages unqualified.
type TenantContext struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Type           string         `json:"type"` // e.g. "personal", "team", "project"
	Config         map[string]any `json:"config,omitempty"`
	DefaultWorkDir string         `json:"default_work_dir,omitempty"`
	PinnedFiles    []string       `json:"pinned_files,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	DeletedAt      *time.Time     `json:"deleted_at,omitempty"`
}

// Conversation is a thread of messages within a Context, extending the base
// session shape in pkg/models with the tenancy and workspace fields the
// agent execution core requires.
type Conversation struct {
	ID         string         `json:"id"`
	ContextID  string         `json:"context_id"`
	Platform   string         `json:"platform"`
	PlatformID string         `json:"platform_id"`
	WorkDir    string         `json:"work_dir,omitempty"`
	Title      string         `json:"title,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// ToolPermission records an explicit allow/deny decision for one tool within
// one Context. Absence of a row means "allowed" (default-allow, per the
// registry's filter_by_permissions contract); an explicit row with
// Allowed=false is the only way to deny a tool.
type ToolPermission struct {
	ContextID string    `json:"context_id"`
	ToolName  string    `json:"tool_name"`
	Allowed   bool      `json:"allowed"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OAuthToken holds a Context-scoped credential for an external provider
// (used by MCP servers that require bearer-token auth). Tokens are never
// placed in an AgentEvent payload or a tool result that reaches the model;
// callers must redact before logging or streaming.
type OAuthToken struct {
	ContextID    string    `json:"context_id"`
	Provider     string    `json:"provider"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        string    `json:"scope,omitempty"`
}

// ToolDescriptor is the registry-facing description of a tool, independent
// of its Go implementation, used for listings and permission decisions.
type ToolDescriptor struct {
	Name                 string `json:"name"`
	Description          string `json:"description"`
	Category             string `json:"category,omitempty"`
	RequiresConfirmation bool   `json:"requires_confirmation,omitempty"`
}
