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

package main

import (
	"github.com/runicorn/runicorn/internal/cli"
	"github.com/runicorn/runicorn/internal/commands/archive"
	configcmd "github.com/runicorn/runicorn/internal/commands/config"
	"github.com/runicorn/runicorn/internal/commands/runs"
	versioncmd "github.com/runicorn/runicorn/internal/commands/version"
	"github.com/runicorn/runicorn/internal/commands/viewer"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildDate)

	rootCmd := cli.NewRootCommand()
	rootCmd.AddCommand(viewer.NewCommand())
	rootCmd.AddCommand(configcmd.NewCommand())
	rootCmd.AddCommand(archive.NewExportCommand())
	rootCmd.AddCommand(archive.NewImportCommand())
	rootCmd.AddCommand(runs.NewDeleteCommand())
	rootCmd.AddCommand(versioncmd.NewCommand())

	if err := rootCmd.Execute(); err != nil {
		cli.HandleExitError(err)
	}
}
