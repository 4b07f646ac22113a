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

package config

import (
	"github.com/spf13/cobra"

	"github.com/runicorn/runicorn/internal/config"
	runerr "github.com/runicorn/runicorn/pkg/errors"
)

// NewCommand creates the config command for reading and writing the
// persistent user data root.
func NewCommand() *cobra.Command {
	var (
		setUserRoot string
		show        bool
	)

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read or write persistent configuration",
		Long: `Read or write the persistent user configuration.

--set-user-root stores the data root used when RUNICORN_DIR is unset.
--show prints the effective configuration after all overrides.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case setUserRoot != "" && show:
				return runerr.Validation("flags", "--set-user-root and --show are mutually exclusive")

			case setUserRoot != "":
				if err := config.SetUserRoot(setUserRoot); err != nil {
					return err
				}
				root, err := config.UserRoot()
				if err != nil {
					return err
				}
				cmd.Printf("user root set to %s\n", root)
				return nil

			case show:
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				cmd.Printf("data_root: %s\n", cfg.DataRoot)
				cmd.Printf("host:      %s\n", cfg.Host)
				cmd.Printf("port:      %d\n", cfg.Port)
				if cfg.Remote.SSHPath != "" {
					cmd.Printf("ssh_path:  %s\n", cfg.Remote.SSHPath)
				}
				return nil

			default:
				return runerr.Validation("flags", "one of --set-user-root or --show is required")
			}
		},
	}

	cmd.Flags().StringVar(&setUserRoot, "set-user-root", "", "Persist PATH as the user data root")
	cmd.Flags().BoolVar(&show, "show", false, "Print the effective configuration")
	return cmd
}
