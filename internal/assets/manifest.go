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

package assets

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Entry is one file, directory marker, or symlink of a snapshot.
// Paths are slash-separated and relative to the snapshot root.
type Entry struct {
	Path    string `json:"path"`
	Digest  string `json:"digest,omitempty"`
	Size    int64  `json:"size"`
	Mode    uint32 `json:"mode"`
	Symlink string `json:"symlink,omitempty"`
}

// Manifest is the ordered inventory of a snapshot. Together with the blob
// store it reconstructs the tree exactly.
type Manifest struct {
	SnapshotID string    `json:"snapshot_id"`
	Root       string    `json:"root"`
	CreatedAt  time.Time `json:"created_at"`
	Entries    []Entry   `json:"entries"`
}

// snapshotID hashes the content of a manifest: the root name and the ordered
// entries. The creation timestamp stays out so that identical inputs always
// produce the same id.
func snapshotID(root string, entries []Entry) (string, error) {
	h := sha256.New()
	body := struct {
		Root    string  `json:"root"`
		Entries []Entry `json:"entries"`
	}{Root: root, Entries: entries}
	if err := json.NewEncoder(h).Encode(body); err != nil {
		return "", fmt.Errorf("failed to hash manifest: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
