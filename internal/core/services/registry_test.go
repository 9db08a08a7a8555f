package services

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/manthysbr/forgeOS/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWorkflowsYAML = `version: "1"
workflows:
  - id: security_audit
    description: Hardening pass over an existing system
    stages:
      - type: single
        station: planner
      - type: loop
        station: engineer
      - type: single
        station: reviewer
  - id: ops_change
    description: Infrastructure change
    stages:
      - type: single
        station: operator
  - id: greenfield_project
    description: Build something new from scratch
    stages:
      - type: single
        station: planner
      - type: loop
        station: engineer
rules:
  - id: p0-security
    priority: P0
    tags_all: [security]
    workflow_id: security_audit
  - id: ops-title
    title_contains: "infra"
    workflow_id: ops_change
default: greenfield_project
`

func writeWorkflowsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflows.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestRegistry(t *testing.T, content string) *WorkflowRegistry {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	return NewWorkflowRegistry(logger, writeWorkflowsFile(t, content))
}

func TestRegistry_SelectExplicit(t *testing.T) {
	reg := newTestRegistry(t, testWorkflowsYAML)

	sel, err := reg.Select(domain.SelectionInput{
		RequestedWorkflowID: "ops_change",
		Title:               "rotate credentials",
		Priority:            domain.PriorityP2,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowID("ops_change"), sel.WorkflowID)
	assert.Equal(t, domain.SelectionExplicit, sel.Reason)
	assert.Empty(t, sel.MatchedRule)
}

func TestRegistry_SelectExplicitUnknown(t *testing.T) {
	reg := newTestRegistry(t, testWorkflowsYAML)

	_, err := reg.Select(domain.SelectionInput{RequestedWorkflowID: "no_such_flow"})
	assert.ErrorIs(t, err, domain.ErrUnknownWorkflow)
}

func TestRegistry_SelectRuleFirstMatchWins(t *testing.T) {
	reg := newTestRegistry(t, testWorkflowsYAML)

	sel, err := reg.Select(domain.SelectionInput{
		Title:    "patch the auth infra",
		Tags:     []string{"security", "backend"},
		Priority: domain.PriorityP0,
	})
	require.NoError(t, err)
	// Both rules match; declaration order decides.
	assert.Equal(t, domain.WorkflowID("security_audit"), sel.WorkflowID)
	assert.Equal(t, domain.SelectionRuleHit, sel.Reason)
	assert.Equal(t, "p0-security", sel.MatchedRule)
}

func TestRegistry_SelectRuleTitlePredicate(t *testing.T) {
	reg := newTestRegistry(t, testWorkflowsYAML)

	sel, err := reg.Select(domain.SelectionInput{
		Title:    "Upgrade Infra for the billing cluster",
		Priority: domain.PriorityP1,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowID("ops_change"), sel.WorkflowID)
	assert.Equal(t, "ops-title", sel.MatchedRule)
}

func TestRegistry_SelectDefault(t *testing.T) {
	reg := newTestRegistry(t, testWorkflowsYAML)

	sel, err := reg.Select(domain.SelectionInput{
		Title:    "Add a feature: user profiles",
		Priority: domain.PriorityP2,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowID("greenfield_project"), sel.WorkflowID)
	assert.Equal(t, domain.SelectionDefault, sel.Reason)
}

func TestRegistry_GetAndList(t *testing.T) {
	reg := newTestRegistry(t, testWorkflowsYAML)

	cfg, err := reg.Get("security_audit")
	require.NoError(t, err)
	require.Len(t, cfg.Stages, 3)
	assert.Equal(t, domain.ExecTypeLoop, cfg.Stages[1].Type)
	assert.Equal(t, "engineer", cfg.Stages[1].Station)

	_, err = reg.Get("ghost")
	assert.ErrorIs(t, err, domain.ErrUnknownWorkflow)

	all, err := reg.List()
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRegistry_LoadRejectsBadFiles(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing default", "workflows:\n  - id: a\n    stages:\n      - type: single\n        station: x\nrules: []\n"},
		{"unknown default", "workflows:\n  - id: a\n    stages:\n      - type: single\n        station: x\ndefault: b\n"},
		{"stage without station", "workflows:\n  - id: a\n    stages:\n      - type: single\ndefault: a\n"},
		{"bad stage type", "workflows:\n  - id: a\n    stages:\n      - type: parallel\n        station: x\ndefault: a\n"},
		{"rule targets unknown workflow", "workflows:\n  - id: a\n    stages:\n      - type: single\n        station: x\nrules:\n  - id: r\n    workflow_id: b\ndefault: a\n"},
		{"duplicate workflow id", "workflows:\n  - id: a\n    stages:\n      - type: single\n        station: x\n  - id: a\n    stages:\n      - type: single\n        station: y\ndefault: a\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg := newTestRegistry(t, tc.yaml)
			_, err := reg.List()
			assert.ErrorIs(t, err, domain.ErrRegistryLoad)
		})
	}
}

func TestRegistry_InvalidateReloads(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	path := writeWorkflowsFile(t, testWorkflowsYAML)
	reg := NewWorkflowRegistry(logger, path)

	all, err := reg.List()
	require.NoError(t, err)
	require.Len(t, all, 3)

	smaller := `workflows:
  - id: only_one
    stages:
      - type: single
        station: planner
default: only_one
`
	require.NoError(t, os.WriteFile(path, []byte(smaller), 0o644))

	// Cached snapshot still served until invalidated.
	all, err = reg.List()
	require.NoError(t, err)
	assert.Len(t, all, 3)

	reg.Invalidate()
	all, err = reg.List()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
