package skills

import (
	"log/slog"
	"testing"
)

// wiringToolPolicy reports a single group as allowed or not, for exercising
// SetToolPolicy's effect on RefreshEligible without exercising the full
// gating matrix already covered by gating_test.go.
type wiringToolPolicy struct {
	allowed map[string]bool
}

func (w *wiringToolPolicy) IsGroupAllowed(group string) bool { return w.allowed[group] }
func (w *wiringToolPolicy) HasEdgeConnected() bool            { return false }

func newBareManager() *Manager {
	return &Manager{
		skills:    make(map[string]*SkillEntry),
		eligible:  make(map[string]*SkillEntry),
		gatingCtx: NewGatingContext(nil, nil),
		logger:    slog.Default(),
	}
}

func TestManager_SetToolPolicy_AffectsRefreshEligible(t *testing.T) {
	m := newBareManager()
	m.skills["needs-shell"] = &SkillEntry{
		Name:     "needs-shell",
		Metadata: &SkillMetadata{ToolGroups: []string{"shell"}},
	}

	if err := m.RefreshEligible(); err != nil {
		t.Fatalf("RefreshEligible: %v", err)
	}
	if _, ok := m.GetEligible("needs-shell"); !ok {
		t.Fatal("expected skill to stay eligible when no ToolPolicy is bound (gating skipped)")
	}

	m.SetToolPolicy(&wiringToolPolicy{allowed: map[string]bool{"shell": true}})
	if err := m.RefreshEligible(); err != nil {
		t.Fatalf("RefreshEligible: %v", err)
	}
	if _, ok := m.GetEligible("needs-shell"); !ok {
		t.Error("expected skill to become eligible once its tool group is allowed")
	}

	m.SetToolPolicy(&wiringToolPolicy{allowed: map[string]bool{"shell": false}})
	if err := m.RefreshEligible(); err != nil {
		t.Fatalf("RefreshEligible: %v", err)
	}
	if _, ok := m.GetEligible("needs-shell"); ok {
		t.Error("expected skill to become ineligible again once its tool group is denied")
	}
}
