package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Pool is a per-Context cache of Manager instances, implementing the MCP
// Client Pool component: one Manager (and therefore one set of Client
// connections) per tenant Context, with single-flight connect semantics per
// provider per Context and TTL-bounded health revalidation. It generalizes
// Manager's global client map by keying an entire Manager off the Context ID.
type Pool struct {
	config   *Config
	logger   *slog.Logger
	healthTTL time.Duration

	mu      sync.Mutex
	entries map[string]*contextEntry // contextID -> entry
}

type contextEntry struct {
	mu          sync.Mutex // serializes connects for this Context (single-flight)
	manager     *Manager
	lastHealthy map[string]time.Time // serverID -> last successful ping
}

// NewPool creates a Pool sharing one server Config across all Contexts; each
// Context gets its own Manager and Client set on first use.
func NewPool(cfg *Config, logger *slog.Logger, healthTTL time.Duration) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if healthTTL <= 0 {
		healthTTL = 30 * time.Second
	}
	return &Pool{
		config:    cfg,
		logger:    logger.With("component", "mcp_pool"),
		healthTTL: healthTTL,
		entries:   make(map[string]*contextEntry),
	}
}

func (p *Pool) entryFor(contextID string) *contextEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[contextID]
	if !ok {
		e = &contextEntry{
			manager:     NewManager(p.config, p.logger.With("context_id", contextID)),
			lastHealthy: make(map[string]time.Time),
		}
		p.entries[contextID] = e
	}
	return e
}

// Connect establishes (or reuses) the connection to serverID scoped to
// contextID. Concurrent callers for the same (contextID, serverID) pair
// block on the Context's entry mutex rather than racing separate connects —
// the single-flight guarantee the component contract requires.
func (p *Pool) Connect(ctx context.Context, contextID, serverID string) error {
	e := p.entryFor(contextID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if client, ok := e.manager.Client(serverID); ok && client.Connected() {
		if p.isHealthy(e, serverID) {
			return nil
		}
		if err := p.ping(ctx, client); err == nil {
			e.lastHealthy[serverID] = time.Now()
			return nil
		}
		// Stale connection failed its health probe; reconnect below.
		_ = e.manager.Disconnect(serverID)
	}

	if err := e.manager.Connect(ctx, serverID); err != nil {
		return fmt.Errorf("mcp pool: connect context=%s server=%s: %w", contextID, serverID, err)
	}
	e.lastHealthy[serverID] = time.Now()
	return nil
}

func (p *Pool) isHealthy(e *contextEntry, serverID string) bool {
	last, ok := e.lastHealthy[serverID]
	if !ok {
		return false
	}
	return time.Since(last) < p.healthTTL
}

// ping performs a cheap liveness probe by re-fetching capabilities. Servers
// that don't support change notifications still respond to this call, so it
// doubles as a connectivity check without a dedicated MCP "ping" method.
func (p *Pool) ping(ctx context.Context, client *Client) error {
	return client.RefreshCapabilities(ctx)
}

// Manager returns the Manager for contextID, creating it (disconnected) if
// this is the Context's first use. Callers that only need to list tools for
// already-connected servers should call Connect first.
func (p *Pool) Manager(contextID string) *Manager {
	return p.entryFor(contextID).manager
}

// ConnectAll connects contextID to every auto_start server in the Pool's
// Config, reusing Connect's single-flight/health-reuse logic per server.
// Errors from individual servers are collected but do not stop the others,
// mirroring Manager.Start's "continue with other servers" tolerance — the
// Service Factory calls this once per request so a single misconfigured
// MCP server doesn't block the rest of a Context's tools.
func (p *Pool) ConnectAll(ctx context.Context, contextID string) []error {
	if p.config == nil || !p.config.Enabled {
		return nil
	}
	var errs []error
	for _, serverCfg := range p.config.Servers {
		if !serverCfg.AutoStart {
			continue
		}
		if err := p.Connect(ctx, contextID, serverCfg.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Disconnect tears down a single server connection scoped to contextID,
// forcing the next Connect to perform a fresh handshake and capability
// refresh — the only way tool lists are refreshed, per the pool's
// TTL-vs-freshness design (liveness is time-based, capability lists are
// refreshed only on reconnect).
func (p *Pool) Disconnect(contextID, serverID string) error {
	e := p.entryFor(contextID)
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.lastHealthy, serverID)
	return e.manager.Disconnect(serverID)
}

// CloseContext tears down every connection belonging to contextID and
// drops the Context's entry entirely. Used when a Context is deleted.
func (p *Pool) CloseContext(contextID string) error {
	p.mu.Lock()
	e, ok := p.entries[contextID]
	if ok {
		delete(p.entries, contextID)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return e.manager.Stop()
}
