package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	t.Setenv(EnvDataRoot, "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 8000, cfg.Port)
	assert.Equal(t, 64, cfg.MetricsCacheCapacity)
	assert.Equal(t, [2]int{8081, 8099}, cfg.Remote.LocalPortRange)
	assert.True(t, filepath.IsAbs(cfg.DataRoot))
}

func TestEnvOverridesConfigFile(t *testing.T) {
	confDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", confDir)

	require.NoError(t, SetUserRoot(filepath.Join(confDir, "from-file")))

	envRoot := filepath.Join(t.TempDir(), "from-env")
	t.Setenv(EnvDataRoot, envRoot)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, envRoot, cfg.DataRoot)
}

func TestSetUserRootRoundTrip(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv(EnvDataRoot, "")

	root := t.TempDir()
	require.NoError(t, SetUserRoot(root))

	got, err := UserRoot()
	require.NoError(t, err)
	assert.Equal(t, root, got)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, root, cfg.DataRoot)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	confDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", confDir)

	path, err := ConfigPath()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("user_root: [unclosed"), 0600))

	_, err = Load()
	assert.Error(t, err)
}

func TestSSHPathFromEnv(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv(EnvDataRoot, t.TempDir())
	t.Setenv(EnvSSHPath, "/opt/openssh/bin/ssh")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/opt/openssh/bin/ssh", cfg.Remote.SSHPath)
}
