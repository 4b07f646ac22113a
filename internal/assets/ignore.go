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
	"bufio"
	"io"
	"os"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// IgnoreFileName is the per-workspace ignore file read by snapshots.
const IgnoreFileName = ".rnignore"

type ignoreRule struct {
	pattern  string
	negate   bool
	dirOnly  bool
	anchored bool
}

// Ruleset is an ordered set of gitignore-style patterns. Later rules
// override earlier ones; `!` re-includes a previously ignored path.
type Ruleset struct {
	rules []ignoreRule
}

// ParseIgnoreLines compiles rules from raw lines. Blank lines and `#`
// comments are dropped.
func ParseIgnoreLines(lines []string) *Ruleset {
	rs := &Ruleset{}
	for _, line := range lines {
		line = strings.TrimRight(line, " \t\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		r := ignoreRule{}
		if strings.HasPrefix(line, "!") {
			r.negate = true
			line = line[1:]
		}
		if strings.HasSuffix(line, "/") {
			r.dirOnly = true
			line = strings.TrimSuffix(line, "/")
		}
		if strings.HasPrefix(line, "/") {
			r.anchored = true
			line = line[1:]
		} else if strings.Contains(line, "/") {
			// A slash anywhere anchors the pattern to the root,
			// same as gitignore.
			r.anchored = true
		}
		if line == "" {
			continue
		}
		r.pattern = line
		rs.rules = append(rs.rules, r)
	}
	return rs
}

// ParseIgnoreReader compiles rules from an ignore file body.
func ParseIgnoreReader(r io.Reader) (*Ruleset, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return ParseIgnoreLines(lines), nil
}

// LoadIgnoreFile reads root/.rnignore if present. A missing file yields an
// empty ruleset.
func LoadIgnoreFile(root string) (*Ruleset, error) {
	f, err := os.Open(path.Join(root, IgnoreFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return &Ruleset{}, nil
		}
		return nil, err
	}
	defer f.Close()
	return ParseIgnoreReader(f)
}

// Ignored reports whether the slash-separated path relative to the snapshot
// root is excluded. The last matching rule decides.
func (rs *Ruleset) Ignored(relPath string, isDir bool) bool {
	ignored := false
	for _, r := range rs.rules {
		if r.dirOnly && !isDir {
			continue
		}
		if r.matches(relPath) {
			ignored = !r.negate
		}
	}
	return ignored
}

func (r ignoreRule) matches(relPath string) bool {
	if r.anchored {
		ok, err := doublestar.Match(r.pattern, relPath)
		return err == nil && ok
	}
	// Unanchored patterns match the basename at any depth.
	ok, err := doublestar.Match(r.pattern, path.Base(relPath))
	if err == nil && ok {
		return true
	}
	ok, err = doublestar.Match("**/"+r.pattern, relPath)
	return err == nil && ok
}
