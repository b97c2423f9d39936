package servicefactory

import (
	"github.com/nexuscore/agentcore/internal/tools/policy"
)

// toolPolicyAdapter satisfies skills.ToolPolicyChecker using the Tool
// Registry's existing policy.Resolver/Policy pair, so skill eligibility
// checks (internal/skills.CheckEligibility) reuse the same group and
// edge-daemon bookkeeping the Tool Registry itself resolves against.
type toolPolicyAdapter struct {
	resolver     *policy.Resolver
	pol          *policy.Policy
	edgeConnected func() bool
}

// NewToolPolicyAdapter wraps a Resolver/Policy pair for a single Context.
// edgeConnected reports whether that Context currently has an edge daemon
// attached; it is a func rather than a bool so the adapter always reflects
// live connection state without needing to be rebuilt per check.
func NewToolPolicyAdapter(resolver *policy.Resolver, pol *policy.Policy, edgeConnected func() bool) *toolPolicyAdapter {
	return &toolPolicyAdapter{resolver: resolver, pol: pol, edgeConnected: edgeConnected}
}

// IsGroupAllowed reports whether at least one tool in the named group is
// permitted under the bound Policy — a group is usable if anything in it is.
func (a *toolPolicyAdapter) IsGroupAllowed(group string) bool {
	tools := policy.GetGroupTools(group)
	if len(tools) == 0 {
		// Not a known built-in group; fall back to treating the name itself
		// as a tool reference (covers custom groups registered via AddGroup).
		return a.resolver.IsAllowed(a.pol, group)
	}
	for _, t := range tools {
		if a.resolver.IsAllowed(a.pol, t) {
			return true
		}
	}
	return false
}

// HasEdgeConnected reports whether this Context has a live edge daemon.
func (a *toolPolicyAdapter) HasEdgeConnected() bool {
	if a.edgeConnected == nil {
		return false
	}
	return a.edgeConnected()
}
