package tenancy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nexuscore/agentcore/pkg/coremodels"
)

// MemoryStore is an in-memory Store implementation for testing and local
// runs, following the same shape as internal/sessions.MemoryStore.
type MemoryStore struct {
	mu            sync.RWMutex
	contexts      map[string]*coremodels.TenantContext
	contextByKey  map[string]string // platform:platformID -> context id
	conversations map[string]*coremodels.Conversation
	convByKey     map[string]string
	permissions   map[string]map[string]bool // contextID -> toolName -> allowed
	tokens        map[string]map[string]*coremodels.OAuthToken // contextID -> provider -> token
}

// NewMemoryStore creates a new in-memory tenancy store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contexts:      make(map[string]*coremodels.TenantContext),
		contextByKey:  make(map[string]string),
		conversations: make(map[string]*coremodels.Conversation),
		convByKey:     make(map[string]string),
		permissions:   make(map[string]map[string]bool),
		tokens:        make(map[string]map[string]*coremodels.OAuthToken),
	}
}

func platformKey(platform, platformID string) string {
	return platform + ":" + platformID
}

func (m *MemoryStore) CreateContext(ctx context.Context, tc *coremodels.TenantContext) error {
	if tc == nil {
		return errors.New("tenancy: context is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *tc
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	m.contexts[clone.ID] = &clone
	tc.ID = clone.ID
	tc.CreatedAt = clone.CreatedAt
	return nil
}

func (m *MemoryStore) GetContext(ctx context.Context, id string) (*coremodels.TenantContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tc, ok := m.contexts[id]
	if !ok {
		return nil, fmt.Errorf("tenancy: context %q not found", id)
	}
	clone := *tc
	return &clone, nil
}

// GetOrCreateContextByPlatform returns the Context mapped to (platform,
// platformID), creating a default one on first contact — the Orchestrator's
// resolution for the "brand-new chat" open question (SPEC_FULL.md §9).
func (m *MemoryStore) GetOrCreateContextByPlatform(ctx context.Context, platform, platformID string) (*coremodels.TenantContext, error) {
	key := platformKey(platform, platformID)

	m.mu.RLock()
	if id, ok := m.contextByKey[key]; ok {
		tc := m.contexts[id]
		m.mu.RUnlock()
		clone := *tc
		return &clone, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.contextByKey[key]; ok {
		clone := *m.contexts[id]
		return &clone, nil
	}
	tc := &coremodels.TenantContext{
		ID:        uuid.NewString(),
		Name:      key,
		Type:      "personal",
		CreatedAt: time.Now(),
	}
	m.contexts[tc.ID] = tc
	m.contextByKey[key] = tc.ID
	clone := *tc
	return &clone, nil
}

func (m *MemoryStore) CreateConversation(ctx context.Context, conv *coremodels.Conversation) error {
	if conv == nil {
		return errors.New("tenancy: conversation is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *conv
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	now := time.Now()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	m.conversations[clone.ID] = &clone
	if clone.Platform != "" && clone.PlatformID != "" {
		m.convByKey[platformKey(clone.Platform, clone.PlatformID)] = clone.ID
	}
	conv.ID = clone.ID
	conv.CreatedAt = clone.CreatedAt
	conv.UpdatedAt = clone.UpdatedAt
	return nil
}

func (m *MemoryStore) GetConversation(ctx context.Context, id string) (*coremodels.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.conversations[id]
	if !ok {
		return nil, fmt.Errorf("tenancy: conversation %q not found", id)
	}
	clone := *conv
	return &clone, nil
}

func (m *MemoryStore) GetConversationByPlatform(ctx context.Context, platform, platformID string) (*coremodels.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.convByKey[platformKey(platform, platformID)]
	if !ok {
		return nil, fmt.Errorf("tenancy: conversation for %s/%s not found", platform, platformID)
	}
	clone := *m.conversations[id]
	return &clone, nil
}

func (m *MemoryStore) ListToolPermissions(ctx context.Context, contextID string) ([]coremodels.ToolPermission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.permissions[contextID]
	out := make([]coremodels.ToolPermission, 0, len(rows))
	for tool, allowed := range rows {
		out = append(out, coremodels.ToolPermission{ContextID: contextID, ToolName: tool, Allowed: allowed})
	}
	return out, nil
}

func (m *MemoryStore) SetToolPermission(ctx context.Context, perm coremodels.ToolPermission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.permissions[perm.ContextID]; !ok {
		m.permissions[perm.ContextID] = make(map[string]bool)
	}
	m.permissions[perm.ContextID][perm.ToolName] = perm.Allowed
	return nil
}

func (m *MemoryStore) GetOAuthToken(ctx context.Context, contextID, provider string) (*coremodels.OAuthToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byProvider, ok := m.tokens[contextID]
	if !ok {
		return nil, fmt.Errorf("tenancy: no oauth tokens for context %q", contextID)
	}
	tok, ok := byProvider[provider]
	if !ok {
		return nil, fmt.Errorf("tenancy: no %q token for context %q", provider, contextID)
	}
	clone := *tok
	return &clone, nil
}

func (m *MemoryStore) SetOAuthToken(ctx context.Context, token *coremodels.OAuthToken) error {
	if token == nil {
		return errors.New("tenancy: token is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[token.ContextID]; !ok {
		m.tokens[token.ContextID] = make(map[string]*coremodels.OAuthToken)
	}
	clone := *token
	m.tokens[token.ContextID][token.Provider] = &clone
	return nil
}
