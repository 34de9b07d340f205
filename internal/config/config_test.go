package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, int64(994140), cfg.Testray.RoutineID)
	assert.Equal(t, 0.8, cfg.Engine.SimilarityThreshold)
	assert.Equal(t, "LPD", cfg.Jira.Project)
	assert.Equal(t, ".triage/triage.db", cfg.Ledger.Path)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "triage.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
testray:
  base_url: https://testray.example.com
  routine_id: 123
engine:
  similarity_threshold: 0.9
jira:
  component_map:
    Headless API: Headless
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://testray.example.com", cfg.Testray.BaseURL)
	assert.Equal(t, int64(123), cfg.Testray.RoutineID)
	assert.Equal(t, 0.9, cfg.Engine.SimilarityThreshold)
	assert.Equal(t, "Headless", cfg.Jira.ComponentMap["Headless API"])
	// Untouched fields keep defaults.
	assert.Equal(t, int64(35392), cfg.Testray.ProjectID)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "triage.yaml")
	require.NoError(t, os.WriteFile(path, []byte("testray:\n  routine_id: 123\n"), 0644))

	t.Setenv("TRIAGE_TESTRAY_ROUTINE_ID", "456")
	t.Setenv("TRIAGE_JIRA_TOKEN", "sekrit")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(456), cfg.Testray.RoutineID)
	assert.Equal(t, "sekrit", cfg.Jira.Token)
}

func TestLoadRejectsBadThreshold(t *testing.T) {
	t.Setenv("TRIAGE_SIMILARITY_THRESHOLD", "1.5")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "similarity threshold")
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
