package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matst80/ira/internal/rpc"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := loadConfig(nil, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", cfg.Upstream)
	assert.Equal(t, "localhost:9000", cfg.Addr())
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "ira", cfg.Prefix)
	assert.Equal(t, 10*time.Second, cfg.RPCTimeout)
	assert.Equal(t, time.Duration(0), cfg.ShutdownTimeout)
	assert.Equal(t, rpc.Overwrite, cfg.bridgeOptions(nil).Overlap)
	assert.Nil(t, cfg.bridgeOptions(nil).Mirror)
}

func TestLayering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ira.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9100\nrpc_timeout: 3s\nprefix: bridge\nlog_level: info\n"), 0o644))

	t.Setenv("IRA_PORT", "9200")
	t.Setenv("IRA_OVERLAP_POLICY", "reject")

	cfg, err := loadConfig([]string{"--config", path, "--log-level", "debug", "http://app:3000"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Port)
	assert.Equal(t, 3*time.Second, cfg.RPCTimeout)
	assert.Equal(t, "bridge", cfg.Prefix)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "http://app:3000", cfg.Upstream)
	assert.Equal(t, rpc.Reject, cfg.bridgeOptions(nil).Overlap)
}

func TestUnprefixedEnvironmentIgnored(t *testing.T) {
	t.Setenv("SHELL", "/bin/zsh")
	t.Setenv("PORT", "3000")
	t.Setenv("HOST", "0.0.0.0")
	t.Setenv("UPSTREAM", "ftp://nowhere")

	cfg, err := loadConfig(nil, io.Discard)
	require.NoError(t, err)
	assert.False(t, cfg.Shell)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, "http://localhost:8080", cfg.Upstream)

	t.Setenv("IRA_SHELL", "true")
	cfg, err = loadConfig(nil, io.Discard)
	require.NoError(t, err)
	assert.True(t, cfg.Shell)
}

func TestUnknownYAMLKeyFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ira.yaml")
	require.NoError(t, os.WriteFile(path, []byte("prot: 1\n"), 0o644))
	_, err := loadConfig([]string{"--config", path}, io.Discard)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string][]string{
		"bad upstream": {"ftp://x"},
		"bad port":     {"--port", "70000"},
		"bad policy":   {"--overlap-policy", "queue"},
		"bad prefix":   {"--prefix", "a/b"},
		"bad level":    {"--log-level", "loud"},
		"two args":     {"http://a", "http://b"},
	}
	for name, args := range cases {
		_, err := loadConfig(args, io.Discard)
		assert.Error(t, err, name)
	}
}

func TestHelp(t *testing.T) {
	_, err := loadConfig([]string{"-h"}, io.Discard)
	assert.ErrorIs(t, err, pflag.ErrHelp)
}
