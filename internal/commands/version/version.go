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

package version

import (
	"github.com/spf13/cobra"

	"github.com/runicorn/runicorn/internal/cli"
)

// NewCommand creates the version command. --short prints the bare version,
// which remote environment discovery parses when probing candidate
// binaries; keep that output a single line.
func NewCommand() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, c, b := cli.GetVersion()
			if short {
				cmd.Println(v)
				return nil
			}
			cmd.Printf("runicorn version %s\n", v)
			cmd.Printf("  commit:     %s\n", c)
			cmd.Printf("  build date: %s\n", b)
			return nil
		},
	}

	cmd.Flags().BoolVar(&short, "short", false, "Print only the version string")
	return cmd
}
