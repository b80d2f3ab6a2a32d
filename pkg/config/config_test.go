package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadNode(t *testing.T) {
	path := writeConfig(t, `
bind: 10.0.0.1:9101
db_path: /var/lib/parley/node.db
peers:
  - 10.0.0.2:9101
  - 10.0.0.3:9101
log_level: debug
log_json: true
`)

	cfg, err := LoadNode(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:9101", cfg.Bind)
	assert.Equal(t, "/var/lib/parley/node.db", cfg.DBPath)
	assert.Equal(t, []string{"10.0.0.2:9101", "10.0.0.3:9101"}, cfg.Peers)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.LogJSON)
}

func TestLoadNodeDefaults(t *testing.T) {
	cfg, err := LoadNode(writeConfig(t, "{}"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9101", cfg.Bind)
	assert.Equal(t, "./parley.db", cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.Peers)
}

func TestLoadNodeRejectsSelfPeer(t *testing.T) {
	_, err := LoadNode(writeConfig(t, `
bind: 10.0.0.1:9101
peers:
  - 10.0.0.1:9101
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "own bind address")
}

func TestLoadNodeBadYAML(t *testing.T) {
	_, err := LoadNode(writeConfig(t, "bind: [not: a: string"))
	require.Error(t, err)
}

func TestLoadClient(t *testing.T) {
	cfg, err := LoadClient(writeConfig(t, `
cluster:
  - 10.0.0.1:9101
  - 10.0.0.2:9101
username: alice
`))
	require.NoError(t, err)
	assert.Len(t, cfg.Cluster, 2)
	assert.Equal(t, "alice", cfg.Username)
}

func TestLoadClientRequiresCluster(t *testing.T) {
	_, err := LoadClient(writeConfig(t, "username: alice"))
	require.Error(t, err)
}
