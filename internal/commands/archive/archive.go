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

// Package archive implements the export and import commands, which move
// runs between data roots as gzip tarballs.
package archive

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/runicorn/runicorn/internal/config"
	runlog "github.com/runicorn/runicorn/internal/log"
	"github.com/runicorn/runicorn/internal/storage"
	runerr "github.com/runicorn/runicorn/pkg/errors"
)

func openStore(dataRoot string) (*storage.Store, error) {
	root := dataRoot
	if root == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		root = cfg.DataRoot
	}
	return storage.Open(root, runlog.New(runlog.FromEnv()))
}

// NewExportCommand creates the export command.
func NewExportCommand() *cobra.Command {
	var (
		prefix   string
		out      string
		dataRoot string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export runs under a path prefix to a tar.gz archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if prefix == "" {
				return runerr.Validation("prefix", "--prefix is required")
			}
			if out == "" {
				return runerr.Validation("out", "--out is required")
			}
			store, err := openStore(dataRoot)
			if err != nil {
				return err
			}

			f, err := os.Create(out)
			if err != nil {
				return err
			}
			n, err := store.ExportPrefix(prefix, f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				os.Remove(out)
				return err
			}
			cmd.Printf("exported %d run(s) to %s\n", n, out)
			return nil
		},
	}

	cmd.Flags().StringVar(&prefix, "prefix", "", "Path prefix to export")
	cmd.Flags().StringVar(&out, "out", "", "Output archive file")
	cmd.Flags().StringVar(&dataRoot, "data-root", "", "Data root directory override")
	return cmd
}

// NewImportCommand creates the import command.
func NewImportCommand() *cobra.Command {
	var (
		archivePath string
		dataRoot    string
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import runs from a tar.gz archive",
		Long: `Import runs from an archive produced by export. Runs whose id already
exists in the data root are skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if archivePath == "" {
				return runerr.Validation("archive", "--archive is required")
			}
			store, err := openStore(dataRoot)
			if err != nil {
				return err
			}

			f, err := os.Open(archivePath)
			if err != nil {
				return err
			}
			defer f.Close()

			ids, err := store.Import(f)
			if err != nil {
				return err
			}
			cmd.Printf("imported %d run(s)\n", len(ids))
			for _, id := range ids {
				cmd.Printf("  %s\n", id)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&archivePath, "archive", "", "Archive file to import")
	cmd.Flags().StringVar(&dataRoot, "data-root", "", "Data root directory override")
	return cmd
}
