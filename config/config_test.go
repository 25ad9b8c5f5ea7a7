package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesSpecDefaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, 3*time.Second, cfg.ElectionTimeoutMin)
	require.Equal(t, 5*time.Second, cfg.ElectionTimeoutMax)
	require.Equal(t, time.Second, cfg.HeartbeatInterval)
	require.Equal(t, 2, cfg.QueueReplicationFactor)
	require.Equal(t, 8.0, cfg.FailureDetectorT)
	require.Equal(t, CacheLRU, cfg.CachePolicy)
}

func TestQueueAndCachePortsOffsetNodePort(t *testing.T) {
	cfg := Default()
	cfg.NodePort = 8001
	require.Equal(t, 8101, cfg.QueuePort())
	require.Equal(t, 8201, cfg.CachePort())
}

func TestLoadWithEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaultsFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "syncd.yaml")
	contents := `
node_id: n1
node_port: 9001
cache_policy: LFU
cluster_nodes:
  - id: n2
    host: 127.0.0.1
    port: 9002
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "n1", cfg.NodeID)
	require.Equal(t, 9001, cfg.NodePort)
	require.Equal(t, CacheLFU, cfg.CachePolicy)
	require.Len(t, cfg.ClusterNodes, 1)
	require.Equal(t, "n2", cfg.ClusterNodes[0].ID)
}

func TestValidateRejectsMissingNodeID(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsBadElectionTimeouts(t *testing.T) {
	cfg := Default()
	cfg.NodeID = "n1"
	cfg.ElectionTimeoutMin = 5 * time.Second
	cfg.ElectionTimeoutMax = 3 * time.Second
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownCachePolicy(t *testing.T) {
	cfg := Default()
	cfg.NodeID = "n1"
	cfg.CachePolicy = "MRU"
	require.Error(t, cfg.Validate())
}

func TestValidateAcceptsDefaultsWithNodeID(t *testing.T) {
	cfg := Default()
	cfg.NodeID = "n1"
	require.NoError(t, cfg.Validate())
}
