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

package storage

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	runerr "github.com/runicorn/runicorn/pkg/errors"
)

// ExportPrefix streams a gzip'd tar of every run whose path lives under the
// prefix. Archive members are rooted at runs/<run_id>/. Soft-deleted runs
// are skipped. Returns the number of runs exported.
func (s *Store) ExportPrefix(prefix string, w io.Writer) (int, error) {
	if err := ValidateRunPath(prefix); err != nil {
		return 0, err
	}
	ids, err := s.ListRunIDs()
	if err != nil {
		return 0, err
	}

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	count := 0
	for _, id := range ids {
		run, err := s.GetRun(id)
		if err != nil || run.Deleted() || !PathHasPrefix(run.Meta.Path, prefix) {
			continue
		}
		if err := s.tarRun(tw, id); err != nil {
			return count, fmt.Errorf("archiving run %s: %w", id, err)
		}
		count++
	}

	if err := tw.Close(); err != nil {
		return count, err
	}
	return count, gz.Close()
}

// tarRun adds one run directory to the archive.
func (s *Store) tarRun(tw *tar.Writer, runID string) error {
	root := s.layout.RunDir(runID)
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == LockFile {
			// Locks are per-host state, not run data.
			return nil
		}
		name := filepath.ToSlash(filepath.Join(RunsDirName, runID, rel))

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = name
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() || !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

// Import unpacks an archive produced by ExportPrefix into the data root.
// Existing runs with the same id are left untouched. Member paths are
// validated against traversal before anything is written. Returns the run
// ids that were imported.
func (s *Store) Import(r io.Reader) ([]string, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, runerr.Validation("archive", "not a gzip archive")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	imported := map[string]bool{}
	skipped := map[string]bool{}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, runerr.Validation("archive", fmt.Sprintf("corrupt tar stream: %v", err))
		}

		runID, rel, err := splitArchivePath(hdr.Name)
		if err != nil {
			return nil, err
		}
		if skipped[runID] {
			continue
		}
		if !imported[runID] {
			// First member of a run decides: skip runs that already exist.
			if _, statErr := os.Stat(s.layout.RunDir(runID)); statErr == nil {
				skipped[runID] = true
				continue
			}
			imported[runID] = true
		}

		target := filepath.Join(s.layout.RunDir(runID), filepath.FromSlash(rel))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return nil, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return nil, err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0777)
			if err != nil {
				return nil, err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return nil, err
			}
			if err := f.Close(); err != nil {
				return nil, err
			}
		case tar.TypeSymlink:
			// Run directories never contain symlinks; reject rather than
			// create a link escaping the data root.
			return nil, runerr.Validation("archive", fmt.Sprintf("symlink member %q not allowed", hdr.Name))
		}
	}

	ids := make([]string, 0, len(imported))
	for id := range imported {
		ids = append(ids, id)
		if run, err := s.GetRun(id); err == nil {
			s.notifyRun(run)
		}
	}
	return ids, nil
}

// splitArchivePath validates runs/<run_id>/<rel> member names.
func splitArchivePath(name string) (runID, rel string, err error) {
	clean := strings.TrimSuffix(name, "/")
	parts := strings.SplitN(clean, "/", 3)
	if len(parts) < 2 || parts[0] != RunsDirName {
		return "", "", runerr.Validation("archive", fmt.Sprintf("unexpected member %q", name))
	}
	runID = parts[1]
	if ValidateRunID(runID) != nil {
		return "", "", runerr.Validation("archive", fmt.Sprintf("invalid run id in member %q", name))
	}
	if len(parts) == 3 {
		rel = parts[2]
	}
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return "", "", &runerr.PathEscapeError{Path: name}
		}
	}
	return runID, rel, nil
}
