package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRules(t *testing.T) {
	cfg := Default()
	assert.Len(t, cfg.Statuses, 8)
	assert.Len(t, cfg.Criteria, 4)

	var wildcard int
	for _, tr := range cfg.DomainTransitions() {
		assert.True(t, tr.Active)
		if tr.FromStatus == "*" {
			wildcard++
			assert.True(t, tr.RequiresNote, "%s->%s", tr.FromStatus, tr.ToStatus)
		}
	}
	assert.Equal(t, 2, wildcard)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":         "statuses: [{key: A, label: A}]\nworkflow: {}\n",
		"no statuses":         "criteria: [{key: q, max_score: 5, weight: 1}]\n",
		"reserved key":        "statuses: [{key: '*', label: any}]\n",
		"duplicate status":    "statuses: [{key: A, label: A}, {key: A, label: again}]\n",
		"unknown target":      "statuses: [{key: A, label: A}]\ntransitions: [{from: A, to: B, roles: [ADMIN]}]\n",
		"no roles":            "statuses: [{key: A, label: A}, {key: B, label: B}]\ntransitions: [{from: A, to: B}]\n",
		"undeclared role":     "roles: [ADMIN]\nstatuses: [{key: A, label: A}, {key: B, label: B}]\ntransitions: [{from: A, to: B, roles: [PILOT]}]\n",
		"unknown action":      "statuses: [{key: A, label: A}, {key: B, label: B}]\ntransitions: [{from: A, to: B, roles: [ADMIN], auto_actions: [sendEmail]}]\n",
		"duplicate edge":      "statuses: [{key: A, label: A}, {key: B, label: B}]\ntransitions: [{from: A, to: B, roles: [ADMIN]}, {from: A, to: B, roles: [ADMIN]}]\n",
		"zero weight":         "statuses: [{key: A, label: A}]\ncriteria: [{key: q, max_score: 5, weight: 0}]\n",
		"zero max score":      "statuses: [{key: A, label: A}]\ncriteria: [{key: q, max_score: 0, weight: 1}]\n",
		"personnel sans name": "statuses: [{key: A, label: A}]\npersonnel: [{id: p1}]\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestInactiveFlagsCarryThrough(t *testing.T) {
	cfg, err := FromYAML([]byte(`statuses:
  - {key: A, label: A}
  - {key: B, label: B, active: false}
transitions:
  - {from: "*", to: A, roles: [ADMIN], active: false}
criteria:
  - {key: q, max_score: 10, weight: 1, active: false}
`))
	require.NoError(t, err)
	st := cfg.DomainStatuses()
	assert.True(t, st[0].Active)
	assert.False(t, st[1].Active)
	assert.False(t, cfg.DomainTransitions()[0].Active)
	assert.False(t, cfg.DomainCriteria()[0].Active)
}

func TestLoadFromWorkspace(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "jobflow.yml"), []byte(GenerateDefault()), 0o644))
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"ADMIN", "COORDINATOR", "TECHNICIAN"}, cfg.Roles)
}
