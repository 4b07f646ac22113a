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

// Package storage implements the run storage engine: durable append-only
// recording of runs, metric events, and text logs under the data root.
//
// Layout:
//
//	<root>/
//	  runs/<run_id>/
//	    meta.json
//	    status.json
//	    summary.json
//	    events.jsonl
//	    logs.txt
//	    media/<key>
//	    assets/manifest.json
//	    .lock
//	  blobs/<aa>/<bb>/<digest>
//	  manifests/<snapshot_id>.json
//	  index.db
//	  known_hosts
//	  .assets.lock
package storage

import "path/filepath"

// File names inside a run directory.
const (
	MetaFile     = "meta.json"
	StatusFile   = "status.json"
	SummaryFile  = "summary.json"
	EventsFile   = "events.jsonl"
	LogsFile     = "logs.txt"
	MediaDir     = "media"
	AssetsDir    = "assets"
	ManifestFile = "manifest.json"
	LockFile     = ".lock"
)

// Top-level entries under the data root.
const (
	RunsDirName      = "runs"
	BlobsDirName     = "blobs"
	ManifestsDirName = "manifests"
	IndexFileName    = "index.db"
	KnownHostsName   = "known_hosts"
	AssetsLockName   = ".assets.lock"
)

// Layout computes paths under a data root.
type Layout struct {
	Root string
}

// RunsDir returns <root>/runs.
func (l Layout) RunsDir() string {
	return filepath.Join(l.Root, RunsDirName)
}

// RunDir returns the directory owned by a run.
func (l Layout) RunDir(runID string) string {
	return filepath.Join(l.Root, RunsDirName, runID)
}

// RunFile returns a named file inside a run directory.
func (l Layout) RunFile(runID, name string) string {
	return filepath.Join(l.RunDir(runID), name)
}

// MediaPath returns the media directory of a run.
func (l Layout) MediaPath(runID string) string {
	return filepath.Join(l.RunDir(runID), MediaDir)
}

// BlobsDir returns <root>/blobs.
func (l Layout) BlobsDir() string {
	return filepath.Join(l.Root, BlobsDirName)
}

// BlobPath returns the two-level sharded path for a digest.
// The digest must already be validated against DigestRe.
func (l Layout) BlobPath(digest string) string {
	return filepath.Join(l.BlobsDir(), digest[0:2], digest[2:4], digest)
}

// ManifestsDir returns <root>/manifests, where published snapshot
// manifests live.
func (l Layout) ManifestsDir() string {
	return filepath.Join(l.Root, ManifestsDirName)
}

// ManifestPath returns the published path of a snapshot manifest.
func (l Layout) ManifestPath(snapshotID string) string {
	return filepath.Join(l.ManifestsDir(), snapshotID+".json")
}

// AssetsLockPath returns the global assets lock file. Snapshots hold it
// shared, blob garbage collection exclusive.
func (l Layout) AssetsLockPath() string {
	return filepath.Join(l.Root, AssetsLockName)
}

// IndexPath returns <root>/index.db.
func (l Layout) IndexPath() string {
	return filepath.Join(l.Root, IndexFileName)
}

// KnownHostsPath returns the private known-hosts store under the data root.
func (l Layout) KnownHostsPath() string {
	return filepath.Join(l.Root, KnownHostsName)
}
