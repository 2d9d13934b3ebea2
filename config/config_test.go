package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Artfain/reserve-node/config"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, int64(20), cfg.Queue().MaxOutstanding)
	require.Equal(t, 20*time.Second, cfg.Rounds().Interval)
	require.Equal(t, 15*time.Minute, cfg.Rounds().PoolExpiry)
	require.Equal(t, int64(50<<20), cfg.Downloads().MaxBufferBytes)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
node:
  listen: ":4000"
  peers: ["10.0.0.1:3000", "10.0.0.2:3000"]
  log_level: debug
chain:
  block_lock: 120
  legacy_cutover: 500
  genesis:
    chain_ref: custom
    allocations:
      alice: 2500
round:
  adjudicate: true
  interval: 5s
  grace_window: 1500ms
pool:
  explorer_address: explorer
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, ":4000", cfg.Node.Listen)
	require.Len(t, cfg.Node.Peers, 2)
	require.Equal(t, "data", cfg.Node.DataDir)
	require.Equal(t, int64(120), cfg.Queue().BlockLock)

	rounds := cfg.Rounds()
	require.Equal(t, int64(500), rounds.LegacyCutover)
	require.Equal(t, 5*time.Second, rounds.Interval)
	require.Equal(t, 1500*time.Millisecond, rounds.GraceWindow)
	require.Equal(t, 25*time.Second, rounds.LegacyInterval)
	require.Equal(t, "explorer", rounds.ExplorerAddress)

	g := cfg.Genesis()
	require.Equal(t, "custom", g.ChainRef)
	require.Equal(t, 2500.0, g.Allocations["alice"])

	lvl, err := cfg.Level()
	require.NoError(t, err)
	require.Equal(t, "DEBUG", lvl.String())
}

func TestLoadRejectsBadInput(t *testing.T) {
	_, err := config.Load(writeConfig(t, "round:\n  interval: soon\n"))
	require.Error(t, err)

	_, err = config.Load(writeConfig(t, "nodes:\n  listen: x\n"))
	require.Error(t, err)

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*config.Config){
		"max outstanding": func(c *config.Config) { c.Admission.MaxOutstanding = 0 },
		"bandwidth ratio": func(c *config.Config) { c.Download.MinBandwidthRatio = 1 },
		"sync interval":   func(c *config.Config) { c.Node.SyncInterval = 0 },
		"adjudicator joining": func(c *config.Config) {
			c.Round.Adjudicate = true
			c.Pool.Join = "ws://adj:3000/pool"
			c.Pool.Address = "me"
		},
		"log level": func(c *config.Config) { c.Node.LogLevel = "loud" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			mutate(cfg)
			require.ErrorIs(t, cfg.Validate(), config.ErrInvalid)
		})
	}
}
