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

// Package cli holds the root command and shared CLI plumbing.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	runerr "github.com/runicorn/runicorn/pkg/errors"
)

// Exit codes. Invalid configuration is distinguished from runtime failure
// so supervisors can tell "fix the config" from "restart me".
const (
	ExitOK     = 0
	ExitError  = 1
	ExitConfig = 2
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// SetVersion records build metadata (called from main with ldflags values).
func SetVersion(v, c, b string) {
	version, commit, buildDate = v, c, b
}

// GetVersion returns the recorded build metadata.
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

// NewRootCommand creates the root command for the runicorn CLI.
func NewRootCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "runicorn",
		Short: "Runicorn - local-first experiment tracking",
		Long: `Runicorn records machine-learning runs (metrics, logs, images, and
versioned artifacts) on local disk and serves them to a browser UI,
including live tailing and remote viewing over SSH.

Run 'runicorn viewer' to start the local service.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// HandleExitError prints err and exits with the matching code.
func HandleExitError(err error) {
	if err == nil {
		os.Exit(ExitOK)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)

	if runerr.IsConfig(err) || runerr.IsValidation(err) {
		os.Exit(ExitConfig)
	}
	os.Exit(ExitError)
}
