package config_test

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merlos/nsauth/internal/config"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, ":5006", cfg.Server.Listen)
	assert.Equal(t, "chacha20poly1305", cfg.Server.Cipher)
	assert.Equal(t, 10000, cfg.Server.MaxFrameSize)
	assert.Equal(t, 5*time.Second, cfg.Server.Window.Duration)
	assert.False(t, cfg.Server.Hardened)
	assert.Equal(t, time.Second, cfg.Node.PollInterval.Duration)
	assert.Equal(t, 10, cfg.Adversary.Iterations)
}

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := config.Default()
	cfg.Server.ChallengeKey = "Y2hhbGxlbmdl"
	cfg.Server.Hardened = true
	cfg.Server.Window = config.Duration{Duration: 2 * time.Second}
	cfg.Server.PutNode(config.NodeEntry{Name: "Alice", Key: "YWxpY2U="})
	cfg.Server.PutNode(config.NodeEntry{Name: "bob", Key: "Ym9i"})
	cfg.Node.Name = "Alice"
	cfg.Node.Key = "YWxpY2U="

	require.NoError(t, config.Save(path, cfg))

	// Secret key material. Windows does not support Unix permissions.
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}

	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	alice, ok := loaded.Server.FindNode("Alice")
	require.True(t, ok, "node names must keep their case")
	assert.Equal(t, "YWxpY2U=", alice.Key)
}

func TestLoad_PartialFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  window: 750ms\nlog:\n  level: debug\n"), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, cfg.Server.Window.Duration)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, ":5006", cfg.Server.Listen)
	assert.Equal(t, time.Hour, cfg.Server.KeyRetention.Duration)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("NSAUTH_SERVER_LISTEN", "127.0.0.1:7000")
	t.Setenv("NSAUTH_SERVER_HARDENED", "true")
	t.Setenv("NSAUTH_NODE_WINDOW", "9s")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.Server.Listen)
	assert.True(t, cfg.Server.Hardened)
	assert.Equal(t, 9*time.Second, cfg.Node.Window.Duration)
}

func TestLoad_Errors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  window: soon\n"), 0o600))
	_, err = config.Load(path)
	assert.Error(t, err)
}

func TestNodeRegistry(t *testing.T) {
	var s config.ServerSection
	s.PutNode(config.NodeEntry{Name: "A", Key: "AAAA"})
	s.PutNode(config.NodeEntry{Name: "B", Key: "BBBB"})
	s.PutNode(config.NodeEntry{Name: "A", Key: "CCCC"})
	require.Len(t, s.Nodes, 2)

	a, ok := s.FindNode("A")
	require.True(t, ok)
	assert.Equal(t, "CCCC", a.Key)

	assert.True(t, s.RemoveNode("A"))
	assert.False(t, s.RemoveNode("A"))
	_, ok = s.FindNode("A")
	assert.False(t, ok)
}

func TestNodeKeys(t *testing.T) {
	s := config.ServerSection{Nodes: []config.NodeEntry{
		{Name: "A", Key: "AQID"},
		{Name: "B", Key: "BAUG"},
	}}
	keys, err := s.NodeKeys()
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"A": {1, 2, 3}, "B": {4, 5, 6}}, keys)

	s.Nodes = append(s.Nodes, config.NodeEntry{Name: "A", Key: "AQID"})
	_, err = s.NodeKeys()
	assert.Error(t, err, "duplicate names")

	s.Nodes = []config.NodeEntry{{Name: "C", Key: "not base64!"}}
	_, err = s.NodeKeys()
	assert.Error(t, err)
}

func TestDecodeKey(t *testing.T) {
	k, err := config.DecodeKey("node.key", "")
	require.NoError(t, err)
	assert.Nil(t, k)

	k, err = config.DecodeKey("node.key", "AQID")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, k)

	_, err = config.DecodeKey("node.key", "%%%")
	assert.Error(t, err)
}
