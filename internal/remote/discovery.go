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

package remote

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
)

// venvScanDirs are the conventional virtualenv locations probed during
// discovery, relative to the remote home directory.
var venvScanDirs = []string{"venvs", ".virtualenvs", "envs"}

// discoverEnvironments probes the remote host for installations that can run
// the peer: the system PATH, conda environments, and conventional virtualenv
// directories. Only candidates whose reported version is compatible with the
// local version survive.
func discoverEnvironments(ctx context.Context, t transport, localVersion string, logger *slog.Logger) ([]Environment, error) {
	var found []Environment
	seen := map[string]bool{}

	add := func(env Environment) {
		if env.Path == "" || seen[env.Path] {
			return
		}
		version, err := probeBinary(ctx, t, env.Path)
		if err != nil {
			logger.Debug("environment probe failed",
				slog.String("path", env.Path), slog.Any("error", err))
			return
		}
		if !versionsCompatible(localVersion, version) {
			logger.Debug("environment version incompatible",
				slog.String("path", env.Path), slog.String("version", version))
			return
		}
		env.Version = version
		seen[env.Path] = true
		found = append(found, env)
	}

	// System PATH.
	if out, err := t.run(ctx, "command -v runicorn"); err == nil {
		add(Environment{Name: "system", Kind: EnvSystem, Path: strings.TrimSpace(out)})
	}

	// Conda environments: "name  *  /path/to/env" lines.
	if out, err := t.run(ctx, "conda env list 2>/dev/null"); err == nil {
		for _, env := range parseCondaList(out) {
			env.Path = path.Join(env.Path, "bin", "runicorn")
			add(env)
		}
	}

	// Conventional virtualenv directories under $HOME.
	for _, dir := range venvScanDirs {
		out, err := t.run(ctx, fmt.Sprintf("ls -d \"$HOME\"/%s/*/ 2>/dev/null", dir))
		if err != nil {
			continue
		}
		for _, line := range strings.Split(out, "\n") {
			line = strings.TrimSpace(strings.TrimSuffix(line, "/"))
			if line == "" {
				continue
			}
			add(Environment{
				Name: path.Base(line),
				Kind: EnvVenv,
				Path: path.Join(line, "bin", "runicorn"),
			})
		}
	}

	return found, nil
}

// parseCondaList extracts (name, prefix) pairs from `conda env list` output.
func parseCondaList(out string) []Environment {
	var envs []Environment
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		// Forms: "name /path", "name * /path", "/path" (unnamed).
		var name, prefix string
		switch {
		case len(fields) >= 3 && fields[1] == "*":
			name, prefix = fields[0], fields[2]
		case len(fields) == 2:
			name, prefix = fields[0], fields[1]
		case len(fields) == 1 && strings.HasPrefix(fields[0], "/"):
			name, prefix = path.Base(fields[0]), fields[0]
		default:
			continue
		}
		envs = append(envs, Environment{Name: name, Kind: EnvConda, Path: prefix})
	}
	return envs
}

// probeBinary asks a candidate binary for its version.
func probeBinary(ctx context.Context, t transport, bin string) (string, error) {
	out, err := t.run(ctx, fmt.Sprintf("%q version --short", bin))
	if err != nil {
		return "", err
	}
	version := strings.TrimSpace(out)
	if version == "" {
		return "", fmt.Errorf("binary %s reported no version", bin)
	}
	return version, nil
}

// versionsCompatible applies the peer policy: identical major.minor.
func versionsCompatible(local, remote string) bool {
	return majorMinor(local) != "" && majorMinor(local) == majorMinor(remote)
}

func majorMinor(v string) string {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	parts := strings.SplitN(v, ".", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[0] + "." + parts[1]
}
