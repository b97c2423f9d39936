// Package tenancy persists TenantContext, Conversation, ToolPermission, and
// OAuthToken rows — the tenant boundary and permission model the Service
// Factory and Tool Registry consult on every request.
package tenancy

import (
	"context"

	"github.com/nexuscore/agentcore/pkg/coremodels"
)

// Store is the persistence interface for tenancy data, mirroring the shape
// of internal/sessions.Store (CRUD + scoped lookups).
type Store interface {
	// Context CRUD
	CreateContext(ctx context.Context, tc *coremodels.TenantContext) error
	GetContext(ctx context.Context, id string) (*coremodels.TenantContext, error)
	GetOrCreateContextByPlatform(ctx context.Context, platform, platformID string) (*coremodels.TenantContext, error)

	// Conversation CRUD
	CreateConversation(ctx context.Context, conv *coremodels.Conversation) error
	GetConversation(ctx context.Context, id string) (*coremodels.Conversation, error)
	GetConversationByPlatform(ctx context.Context, platform, platformID string) (*coremodels.Conversation, error)

	// ToolPermission: absence of a row means allowed.
	ListToolPermissions(ctx context.Context, contextID string) ([]coremodels.ToolPermission, error)
	SetToolPermission(ctx context.Context, perm coremodels.ToolPermission) error

	// OAuthToken
	GetOAuthToken(ctx context.Context, contextID, provider string) (*coremodels.OAuthToken, error)
	SetOAuthToken(ctx context.Context, token *coremodels.OAuthToken) error
}

// ResolvedPermissions turns a Context's ToolPermission rows into the
// map[string]bool that ToolRegistry.FilterByPermissions consumes. Rows are
// looked up, not defaulted here — default-allow is expressed by a tool's
// absence from the returned map, which FilterByPermissions already treats
// as "keep".
func ResolvedPermissions(ctx context.Context, store Store, contextID string) (map[string]bool, error) {
	rows, err := store.ListToolPermissions(ctx, contextID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(rows))
	for _, r := range rows {
		out[r.ToolName] = r.Allowed
	}
	return out, nil
}
