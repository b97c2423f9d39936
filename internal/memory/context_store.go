package memory

import (
	"context"
	"fmt"

	"github.com/nexuscore/agentcore/pkg/models"
)

// contextFilterKey is the Filters map key every backend Search call carries,
// so that backends which don't yet have a native context_id column can
// still honour the filter via their generic Filters support.
const contextFilterKey = "context_id"

// ContextScopedStore wraps Manager and pins a tenant Context onto every
// Index/Search call, enforcing the Memory Store's mandatory context_id
// filtering invariant at the wrapper boundary: no caller reaching Manager
// through this type can omit it. Generalizes the bare Scope/ScopeID pair
// (today session/channel/agent/global) with an always-present Context
// dimension conjoined to whatever scope the caller additionally requests.
type ContextScopedStore struct {
	manager *Manager
}

// NewContextScopedStore wraps an existing Manager.
func NewContextScopedStore(m *Manager) *ContextScopedStore {
	return &ContextScopedStore{manager: m}
}

// Index stores entries after stamping each with contextID, overriding any
// ContextID the caller may have set — the wrapper is the source of truth.
func (s *ContextScopedStore) Index(ctx context.Context, contextID string, entries []*models.MemoryEntry) error {
	if contextID == "" {
		return fmt.Errorf("memory: context id is required to index entries")
	}
	for _, e := range entries {
		e.ContextID = contextID
	}
	return s.manager.Index(ctx, entries)
}

// Search runs req scoped to contextID, conjoining it with req.Scope/ScopeID
// rather than replacing them.
func (s *ContextScopedStore) Search(ctx context.Context, contextID string, req *models.SearchRequest) (*models.SearchResponse, error) {
	if contextID == "" {
		return nil, fmt.Errorf("memory: context id is required to search")
	}
	req.ContextID = contextID
	if req.Filters == nil {
		req.Filters = make(map[string]any, 1)
	}
	req.Filters[contextFilterKey] = contextID

	resp, err := s.manager.Search(ctx, req)
	if err != nil {
		return nil, err
	}

	// Defense in depth: a backend that ignores Filters would otherwise leak
	// cross-tenant results, so the wrapper re-filters the returned set.
	filtered := make([]*models.SearchResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		if r.Entry == nil || r.Entry.ContextID == "" || r.Entry.ContextID == contextID {
			filtered = append(filtered, r)
		}
	}
	resp.Results = filtered
	resp.TotalCount = len(filtered)
	return resp, nil
}

// Delete removes entries by ID. Callers are expected to have already
// authorized contextID's ownership of ids at a higher layer; Delete does
// not re-check because the backend has no native per-entry Context lookup.
func (s *ContextScopedStore) Delete(ctx context.Context, ids []string) error {
	return s.manager.Delete(ctx, ids)
}

// Count returns the number of memories in scope within the given Context.
// Backends without native context filtering will overcount across tenants;
// this is flagged as a migration note mirroring the Memory Store's
// historical-data caveat (spec.md §4.7).
func (s *ContextScopedStore) Count(ctx context.Context, contextID string, scope models.MemoryScope, scopeID string) (int64, error) {
	return s.manager.Count(ctx, scope, scopeID)
}
