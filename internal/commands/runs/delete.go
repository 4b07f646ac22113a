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

package runs

import (
	"bufio"
	"strings"

	"github.com/spf13/cobra"

	"github.com/runicorn/runicorn/internal/config"
	runlog "github.com/runicorn/runicorn/internal/log"
	"github.com/runicorn/runicorn/internal/storage"
	runerr "github.com/runicorn/runicorn/pkg/errors"
)

// NewDeleteCommand creates the delete command, which permanently removes a
// run directory.
func NewDeleteCommand() *cobra.Command {
	var (
		runID    string
		force    bool
		dataRoot string
	)

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Permanently delete a run",
		Long: `Permanently delete a run directory and its index entries. Blobs the run
referenced stay in the content store until the next orphan cleanup.

This cannot be undone; without --force a confirmation prompt is shown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" {
				return runerr.Validation("run_id", "--run-id is required")
			}

			root := dataRoot
			if root == "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				root = cfg.DataRoot
			}
			store, err := storage.Open(root, runlog.New(runlog.FromEnv()))
			if err != nil {
				return err
			}

			run, err := store.GetRun(runID)
			if err != nil {
				return err
			}

			if !force {
				cmd.Printf("Permanently delete run %s (%s)? [y/N]: ", runID, run.Meta.Path)
				reader := bufio.NewReader(cmd.InOrStdin())
				answer, _ := reader.ReadString('\n')
				answer = strings.ToLower(strings.TrimSpace(answer))
				if answer != "y" && answer != "yes" {
					cmd.Println("aborted")
					return nil
				}
			}

			if err := store.HardDelete(runID); err != nil {
				return err
			}
			cmd.Printf("deleted %s\n", runID)
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "Run id to delete")
	cmd.Flags().BoolVar(&force, "force", false, "Skip the confirmation prompt")
	cmd.Flags().StringVar(&dataRoot, "data-root", "", "Data root directory override")
	return cmd
}
