package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Az107/HTeaPot/internal/config"
)

func TestLoadDefaultsWithNoFile(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Address)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 1, cfg.Threads)
	assert.Equal(t, 10, cfg.KeepAliveTTLSeconds)
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hteapot.yaml")
	contents := "address: 127.0.0.1\nport: 9090\nthreads: 4\nproxy_rules:\n  - prefix: /api\n    upstream: http://localhost:3000\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Address)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 4, cfg.Threads)
	require.Len(t, cfg.ProxyRules, 1)
	assert.Equal(t, "/api", cfg.ProxyRules[0].Prefix)

	rules := cfg.CollabProxyRules()
	require.Len(t, rules, 1)
	assert.Equal(t, "http://localhost:3000", rules[0].Upstream)
}
