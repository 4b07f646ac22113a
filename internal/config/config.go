// Copyright 2026 The Runicorn Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config resolves the data root and viewer settings from the
// environment, the user config file, and CLI overrides (in that order of
// precedence: flags > RUNICORN_DIR > config file > default).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	runerr "github.com/runicorn/runicorn/pkg/errors"
)

// EnvDataRoot overrides the default data root when set.
const EnvDataRoot = "RUNICORN_DIR"

// EnvSSHPath selects the native SSH binary used by the OpenSSH tunnel backend.
const EnvSSHPath = "RUNICORN_SSH_PATH"

// Config holds the viewer service configuration.
type Config struct {
	// DataRoot is the root directory for runs, blobs, and the index.
	DataRoot string `yaml:"data_root"`

	// Host is the address the viewer binds to. Default: 127.0.0.1
	Host string `yaml:"host"`

	// Port is the viewer listen port. Default: 8000
	Port int `yaml:"port"`

	// StaleSweepInterval is how often the liveness sweep runs.
	StaleSweepInterval time.Duration `yaml:"stale_sweep_interval"`

	// StaleIdleThreshold is how long a running run may go without a status
	// update before the sweep considers it abandoned.
	StaleIdleThreshold time.Duration `yaml:"stale_idle_threshold"`

	// MetricsCacheCapacity is the number of runs held by the metrics cache.
	MetricsCacheCapacity int `yaml:"metrics_cache_capacity"`

	// Remote configures the remote viewer controller.
	Remote RemoteConfig `yaml:"remote"`
}

// RemoteConfig holds remote controller settings.
type RemoteConfig struct {
	// SSHPath is the native ssh binary used for the subprocess tunnel
	// backend. Empty means look up "ssh" on PATH.
	SSHPath string `yaml:"ssh_path"`

	// LocalPortRange is the inclusive range tunnels allocate local ports from.
	LocalPortRange [2]int `yaml:"local_port_range"`

	// HealthInterval is the per-connection health check period.
	HealthInterval time.Duration `yaml:"health_interval"`

	// CommandTimeout is the default timeout for remote exec and probes.
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// Default returns a Config with all defaults applied but no data root resolved.
func Default() *Config {
	return &Config{
		Host:                 "127.0.0.1",
		Port:                 8000,
		StaleSweepInterval:   30 * time.Second,
		StaleIdleThreshold:   120 * time.Second,
		MetricsCacheCapacity: 64,
		Remote: RemoteConfig{
			LocalPortRange: [2]int{8081, 8099},
			HealthInterval: 30 * time.Second,
			CommandTimeout: 30 * time.Second,
		},
	}
}

// userFile is the persisted subset of configuration (config --set-user-root).
type userFile struct {
	UserRoot string `yaml:"user_root,omitempty"`
}

// Load reads the user config file (if any), applies environment overrides,
// and fills in defaults. The returned config always has a usable DataRoot.
func Load() (*Config, error) {
	cfg := Default()

	path, err := ConfigPath()
	if err != nil {
		return nil, &runerr.ConfigError{Reason: "cannot determine config directory", Cause: err}
	}

	var uf userFile
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &uf); err != nil {
			return nil, &runerr.ConfigError{Key: path, Reason: "invalid YAML", Cause: err}
		}
	case os.IsNotExist(err):
		// No config file yet; defaults apply.
	default:
		return nil, &runerr.ConfigError{Key: path, Reason: "cannot read config file", Cause: err}
	}

	cfg.DataRoot = uf.UserRoot
	if env := os.Getenv(EnvDataRoot); env != "" {
		cfg.DataRoot = env
	}
	if cfg.DataRoot == "" {
		root, err := defaultDataRoot()
		if err != nil {
			return nil, &runerr.ConfigError{Key: "data_root", Reason: "cannot determine home directory", Cause: err}
		}
		cfg.DataRoot = root
	}

	if ssh := os.Getenv(EnvSSHPath); ssh != "" {
		cfg.Remote.SSHPath = ssh
	}

	abs, err := filepath.Abs(cfg.DataRoot)
	if err != nil {
		return nil, &runerr.ConfigError{Key: "data_root", Reason: fmt.Sprintf("invalid path %q", cfg.DataRoot), Cause: err}
	}
	cfg.DataRoot = abs

	return cfg, nil
}

// UserRoot returns the persisted user root, or empty if none is set.
func UserRoot() (string, error) {
	path, err := ConfigPath()
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var uf userFile
	if err := yaml.Unmarshal(data, &uf); err != nil {
		return "", &runerr.ConfigError{Key: path, Reason: "invalid YAML", Cause: err}
	}
	return uf.UserRoot, nil
}

// SetUserRoot persists the user data root to the config file. The write is
// atomic: the file is replaced via a temp file in the same directory.
func SetUserRoot(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return &runerr.ConfigError{Key: "user_root", Reason: fmt.Sprintf("invalid path %q", root), Cause: err}
	}

	path, err := ConfigPath()
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(userFile{UserRoot: abs})
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.yaml")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
