package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lecca.io/scout-watchtower/internal/config"
)

func TestEmbeddedExampleDecodes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yml")
	require.NoError(t, ensureDefaultConfig(path, configExample))

	cfg, err := config.Read(path)
	require.NoError(t, err)
	assert.Equal(t, "30m", cfg.Advanced.ErrorInterval)
	require.Len(t, cfg.Chain.Nodes, 1)
	assert.True(t, cfg.Chain.Nodes[0].AlertOnDown)
	// the placeholder stash must be replaced by the operator
	assert.Error(t, cfg.Validate())
}

func TestEnsureDefaultConfigKeepsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("chain: {}\n"), 0o644))

	require.NoError(t, ensureDefaultConfig(path, configExample))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "chain: {}\n", string(data))
}

func TestFlagsOverrideConfig(t *testing.T) {
	cfg := &config.Config{Chain: config.ChainConfig{Nodes: []config.NodeConfig{{WS: "ws://a"}}}}
	cfg.ApplyDefaults()
	cfg.Alerts.Channels.Matrix.Enabled = true

	f := flags{stashes: "a, b", short: true, exposeAll: true, disableMatrix: true, errorInterval: "5m"}
	require.NoError(t, f.apply(cfg, []string{"kusama"}))

	assert.Equal(t, config.KnownChains["kusama"], cfg.Chain.WS)
	assert.Empty(t, cfg.Chain.Nodes)
	assert.Equal(t, []string{"a", "b"}, cfg.Chain.Stashes)
	assert.True(t, cfg.Report.Short)
	assert.True(t, cfg.Expose.All)
	assert.False(t, cfg.Alerts.Channels.Matrix.Enabled)
	assert.Equal(t, "5m", cfg.Advanced.ErrorInterval)

	f = flags{wsURL: "ws://custom"}
	require.NoError(t, f.apply(cfg, []string{"polkadot"}))
	assert.Equal(t, "ws://custom", cfg.Chain.WS)

	assert.Error(t, f.apply(cfg, []string{"rococo"}))
}
