package blueprint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadFileParsesBlueprints(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blueprints.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
impl-1:
  role: implement
  model: gpt-5
  max_instances: 3
  interval_seconds: 60
  spawn_mode: task-bound
  allowed_tools: [read, write, bash]

gatekeeper:
  role: gatekeeper
  model: gpt-5
  max_instances: 1
  interval_seconds: 30
  spawn_mode: task-bound
  claim_from: provisional
`), 0o644))

	set, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, set, 2)

	impl := set["impl-1"]
	require.Equal(t, "incoming", impl.ClaimState())
	require.True(t, impl.AllowsTaskType("anything"))

	gate := set["gatekeeper"]
	require.Equal(t, "provisional", gate.ClaimState())
}

func TestLoadFileRejectsBadSpawnMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blueprints.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
impl-1:
  role: implement
  max_instances: 1
  interval_seconds: 60
  spawn_mode: wat
`), 0o644))

	_, err := LoadFile(path)
	require.Error(t, err)
}

func TestLoadFileRejectsMissingRole(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blueprints.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
impl-1:
  max_instances: 1
  interval_seconds: 60
  spawn_mode: task-bound
`), 0o644))

	_, err := LoadFile(path)
	require.Error(t, err)
}
