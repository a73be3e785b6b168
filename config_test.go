package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"infiniquotient/filter"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestParseConfigFileMergesDefaults(t *testing.T) {
	path := writeConfig(t, `
filter:
  false_positive_rate: 0.001
  policy: geometric
datastore:
  type: bolt
  path: /tmp/blocks
  allowed_codecs: [raw, dag-cbor]
server:
  port: 9090
  api_key: secret
raft:
  enabled: true
  node_id: node-1
  timeout: 2s
  peers: ["node-2=10.0.0.2:7000"]
log:
  level: debug
  json: true
`)
	cfg, err := ParseConfigFile(path)
	require.NoError(t, err)

	assert.Equal(t, 0.001, cfg.Filter.FalsePositiveRate)
	assert.Equal(t, "geometric", cfg.Filter.Policy)
	assert.Equal(t, defaultHash, cfg.Filter.Hash)
	assert.Equal(t, defaultMinLogSize, cfg.Filter.MinLogSize)
	assert.Equal(t, defaultFilterType, cfg.Filter.Type)

	assert.Equal(t, "bolt", cfg.Datastore.Type)
	assert.Equal(t, []string{"raw", "dag-cbor"}, cfg.Datastore.AllowedCodecs)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, defaultServerHost, cfg.Server.Host)
	assert.Equal(t, "secret", cfg.Server.APIKey)
	assert.Positive(t, cfg.Server.Concurrency)

	assert.True(t, cfg.Raft.Enabled)
	assert.Equal(t, "node-1", cfg.Raft.NodeID)
	assert.Equal(t, 2*time.Second, cfg.Raft.Timeout)
	assert.Equal(t, defaultSnapshotDir, cfg.Raft.SnapshotDir)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
}

func TestParseConfigFileRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "filter:\n  fpr: 0.1\n")
	_, err := ParseConfigFile(path)
	assert.Error(t, err)
}

func TestParseConfigFileMissing(t *testing.T) {
	_, err := ParseConfigFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, defaultServerPort, cfg.Server.Port)
	assert.NotEmpty(t, cfg.Raft.NodeID)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		modify func(c *Config)
	}{
		{"filter type", func(c *Config) { c.Filter.Type = "bloom" }},
		{"negative rate", func(c *Config) { c.Filter.FalsePositiveRate = -1 }},
		{"rate of one", func(c *Config) { c.Filter.FalsePositiveRate = 1 }},
		{"policy", func(c *Config) { c.Filter.Policy = "linear" }},
		{"hash", func(c *Config) { c.Filter.Hash = "md5" }},
		{"min log size", func(c *Config) { c.Filter.MinLogSize = 33 }},
		{"threshold", func(c *Config) { c.Filter.ExpansionThreshold = 1.5 }},
		{"datastore", func(c *Config) { c.Datastore.Type = "s3" }},
		{"codec", func(c *Config) { c.Datastore.AllowedCodecs = []string{"nope"} }},
		{"port", func(c *Config) { c.Server.Port = 70000 }},
		{"peers", func(c *Config) {
			c.Raft.Enabled = true
			c.Raft.Peers = []string{"10.0.0.2:7000"}
		}},
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := createDefaultConfig()
			tc.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := createDefaultConfig()
	cfg.Filter.FalsePositiveRate = 2
	assert.ErrorIs(t, cfg.Validate(), filter.ErrInvalidConfig)
}

func TestParsePeers(t *testing.T) {
	peers, err := parsePeers([]string{"a=10.0.0.1:7000", "b=10.0.0.2:7000"})
	require.NoError(t, err)
	assert.Equal(t, []peer{{"a", "10.0.0.1:7000"}, {"b", "10.0.0.2:7000"}}, peers)

	_, err = parsePeers([]string{"=10.0.0.1:7000"})
	assert.ErrorIs(t, err, filter.ErrInvalidConfig)
}
