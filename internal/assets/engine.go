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

// Package assets implements the content-addressed blob store and workspace
// snapshots: files are stored once under their SHA-256 digest, and a manifest
// records how to rebuild a tree from them.
package assets

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/runicorn/runicorn/internal/storage"
	runerr "github.com/runicorn/runicorn/pkg/errors"
)

// Engine stores blobs and snapshots under a data root.
type Engine struct {
	layout storage.Layout
	logger *slog.Logger
}

// New builds an assets engine over the data root described by layout.
func New(layout storage.Layout, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(layout.BlobsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blobs dir: %w", err)
	}
	if err := os.MkdirAll(layout.ManifestsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create manifests dir: %w", err)
	}
	return &Engine{layout: layout, logger: logger.With("component", "assets")}, nil
}

// StoreBlob streams r into the blob store and returns the digest and size.
// The bytes land under their final name only after a same-filesystem rename,
// so a crashed write never leaves a torn blob. Storing existing content is a
// no-op.
func (e *Engine) StoreBlob(r io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp(e.layout.BlobsDir(), ".tmp-*")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp blob: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		tmp.Close()
		return "", 0, fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", 0, err
	}
	if err := tmp.Close(); err != nil {
		return "", 0, err
	}

	digest := hex.EncodeToString(h.Sum(nil))
	target := e.layout.BlobPath(digest)
	if _, err := os.Stat(target); err == nil {
		return digest, size, nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", 0, err
	}
	if err := os.Rename(tmpName, target); err != nil {
		return "", 0, fmt.Errorf("failed to publish blob: %w", err)
	}
	return digest, size, nil
}

// StoreBlobFile stores the contents of a regular file.
func (e *Engine) StoreBlobFile(p string) (string, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return e.StoreBlob(f)
}

// BlobPath resolves a digest to its on-disk path.
func (e *Engine) BlobPath(digest string) (string, error) {
	if err := storage.ValidateDigest(digest); err != nil {
		return "", err
	}
	p := e.layout.BlobPath(digest)
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return "", runerr.NotFound("blob", digest)
		}
		return "", err
	}
	return p, nil
}

// SnapshotOptions tunes SnapshotWorkspace.
type SnapshotOptions struct {
	// Rules overrides the workspace .rnignore. Nil loads the file.
	Rules *Ruleset

	// RunID links the snapshot to a run by writing the manifest into the
	// run's assets directory as well.
	RunID string

	// Namespace prefixes every entry path in the manifest.
	Namespace string
}

// SnapshotWorkspace walks root lexicographically, stores every non-ignored
// regular file as a blob, and publishes a manifest. Symlinks are recorded by
// target, never followed. The manifest is written only after all blobs are
// durable.
func (e *Engine) SnapshotWorkspace(root string, opts SnapshotOptions) (*Manifest, error) {
	lock := storage.NewFileLock(e.layout.AssetsLockPath())
	if err := lock.RLock(); err != nil {
		return nil, err
	}
	defer lock.Unlock()

	rules := opts.Rules
	if rules == nil {
		var err error
		if rules, err = LoadIgnoreFile(root); err != nil {
			return nil, err
		}
	}

	var entries []Entry
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if path.Base(rel) == IgnoreFileName {
			return nil
		}

		isDir := d.IsDir()
		if rules.Ignored(rel, isDir) {
			if isDir {
				return fs.SkipDir
			}
			return nil
		}
		if isDir {
			return nil
		}

		entryPath := rel
		if opts.Namespace != "" {
			entryPath = path.Join(opts.Namespace, rel)
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			entries = append(entries, Entry{Path: entryPath, Symlink: target})
			return nil
		}
		if !d.Type().IsRegular() {
			// Sockets, fifos and devices have no place in a snapshot.
			e.logger.Debug("skipping irregular file", slog.String("path", rel))
			return nil
		}

		digest, size, err := e.StoreBlobFile(p)
		if err != nil {
			return err
		}
		entries = append(entries, Entry{
			Path:   entryPath,
			Digest: digest,
			Size:   size,
			Mode:   uint32(info.Mode().Perm()),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot %s: %w", root, err)
	}

	id, err := snapshotID(filepath.Base(root), entries)
	if err != nil {
		return nil, err
	}
	m := &Manifest{
		SnapshotID: id,
		Root:       filepath.Base(root),
		CreatedAt:  time.Now().UTC(),
		Entries:    entries,
	}
	if err := e.publishManifest(m, opts.RunID); err != nil {
		return nil, err
	}
	e.logger.Info("snapshot created",
		slog.String("snapshot_id", id), slog.Int("files", len(entries)))
	return m, nil
}

func (e *Engine) publishManifest(m *Manifest, runID string) error {
	body, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	body = append(body, '\n')
	if err := storage.WriteFileAtomic(e.layout.ManifestPath(m.SnapshotID), body, 0o644); err != nil {
		return fmt.Errorf("failed to publish manifest: %w", err)
	}
	if runID == "" {
		return nil
	}
	dir := e.layout.RunFile(runID, storage.AssetsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return storage.WriteFileAtomic(filepath.Join(dir, storage.ManifestFile), body, 0o644)
}

// LoadManifest reads a published manifest by snapshot id.
func (e *Engine) LoadManifest(snapshotID string) (*Manifest, error) {
	if err := storage.ValidateDigest(snapshotID); err != nil {
		return nil, err
	}
	body, err := os.ReadFile(e.layout.ManifestPath(snapshotID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, runerr.NotFound("snapshot", snapshotID)
		}
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", snapshotID, err)
	}
	return &m, nil
}

// RestoreManifest rebuilds a manifest's tree under targetDir. Blobs are
// hard-linked when the filesystem allows it and copied otherwise. An entry
// already present with the right digest is left in place.
func (e *Engine) RestoreManifest(m *Manifest, targetDir string) error {
	for _, entry := range m.Entries {
		if strings.Contains(entry.Path, "..") {
			return &runerr.PathEscapeError{Path: entry.Path}
		}
		target := filepath.Join(targetDir, filepath.FromSlash(entry.Path))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}

		if entry.Symlink != "" {
			if existing, err := os.Readlink(target); err == nil && existing == entry.Symlink {
				continue
			}
			os.Remove(target)
			if err := os.Symlink(entry.Symlink, target); err != nil {
				return fmt.Errorf("failed to restore symlink %s: %w", entry.Path, err)
			}
			continue
		}

		if ok, err := fileHasDigest(target, entry.Digest); err == nil && ok {
			continue
		}
		blob := e.layout.BlobPath(entry.Digest)
		if _, err := os.Stat(blob); err != nil {
			return runerr.NotFound("blob", entry.Digest)
		}
		os.Remove(target)
		if err := os.Link(blob, target); err != nil {
			if err := copyFile(blob, target); err != nil {
				return fmt.Errorf("failed to restore %s: %w", entry.Path, err)
			}
		}
		if err := os.Chmod(target, fs.FileMode(entry.Mode)); err != nil {
			return err
		}
	}
	return nil
}

func fileHasDigest(p, digest string) (bool, error) {
	f, err := os.Open(p)
	if err != nil {
		return false, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, err
	}
	return hex.EncodeToString(h.Sum(nil)) == digest, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// ArchiveFile snapshots a single file and returns its manifest.
func (e *Engine) ArchiveFile(p, namespace string) (*Manifest, error) {
	info, err := os.Lstat(p)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, runerr.Validation("path", fmt.Sprintf("%s is not a regular file", p))
	}

	lock := storage.NewFileLock(e.layout.AssetsLockPath())
	if err := lock.RLock(); err != nil {
		return nil, err
	}
	defer lock.Unlock()

	digest, size, err := e.StoreBlobFile(p)
	if err != nil {
		return nil, err
	}
	entryPath := filepath.Base(p)
	if namespace != "" {
		entryPath = path.Join(namespace, entryPath)
	}
	entries := []Entry{{
		Path:   entryPath,
		Digest: digest,
		Size:   size,
		Mode:   uint32(info.Mode().Perm()),
	}}
	id, err := snapshotID(filepath.Base(p), entries)
	if err != nil {
		return nil, err
	}
	m := &Manifest{
		SnapshotID: id,
		Root:       filepath.Base(p),
		CreatedAt:  time.Now().UTC(),
		Entries:    entries,
	}
	if err := e.publishManifest(m, ""); err != nil {
		return nil, err
	}
	return m, nil
}

// ArchiveDir snapshots a directory and returns its manifest.
func (e *Engine) ArchiveDir(p, namespace string) (*Manifest, error) {
	return e.SnapshotWorkspace(p, SnapshotOptions{Namespace: namespace})
}

// CleanupOrphanedBlobs removes blobs no manifest or run references.
// The sweep holds the assets lock exclusively, so the reachable set cannot
// change underneath it; in-flight snapshots finish first.
func (e *Engine) CleanupOrphanedBlobs() (int, error) {
	lock := storage.NewFileLock(e.layout.AssetsLockPath())
	if err := lock.Lock(); err != nil {
		return 0, err
	}
	defer lock.Unlock()

	reachable, err := e.reachableDigests()
	if err != nil {
		return 0, err
	}

	removed := 0
	err = filepath.WalkDir(e.layout.BlobsDir(), func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		name := d.Name()
		// Stray temp files from crashed writers are garbage too.
		if !strings.HasPrefix(name, ".tmp-") && reachable[name] {
			return nil
		}
		if err := os.Remove(p); err != nil {
			return err
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, err
	}
	e.logger.Info("blob sweep complete", slog.Int("removed", removed), slog.Int("reachable", len(reachable)))
	return removed, nil
}

// reachableDigests unions the digests of every published manifest and every
// run's asset reference.
func (e *Engine) reachableDigests() (map[string]bool, error) {
	reachable := map[string]bool{}

	collect := func(manifestPath string) error {
		body, err := os.ReadFile(manifestPath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		var m Manifest
		if err := json.Unmarshal(body, &m); err != nil {
			// An unreadable manifest must not cause blob loss.
			return fmt.Errorf("unreadable manifest %s: %w", manifestPath, err)
		}
		for _, entry := range m.Entries {
			if entry.Digest != "" {
				reachable[entry.Digest] = true
			}
		}
		return nil
	}

	published, err := filepath.Glob(filepath.Join(e.layout.ManifestsDir(), "*.json"))
	if err != nil {
		return nil, err
	}
	for _, p := range published {
		if err := collect(p); err != nil {
			return nil, err
		}
	}

	runDirs, err := os.ReadDir(e.layout.RunsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return reachable, nil
		}
		return nil, err
	}
	for _, d := range runDirs {
		if !d.IsDir() {
			continue
		}
		ref := filepath.Join(e.layout.RunDir(d.Name()), storage.AssetsDir, storage.ManifestFile)
		if err := collect(ref); err != nil {
			return nil, err
		}
	}
	return reachable, nil
}
