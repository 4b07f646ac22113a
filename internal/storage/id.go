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
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	runerr "github.com/runicorn/runicorn/pkg/errors"
)

var (
	// RunIDRe matches run identifiers: UTC timestamp plus 6 random hex chars.
	RunIDRe = regexp.MustCompile(`^[0-9]{8}_[0-9]{6}_[0-9a-f]{6}$`)

	// PathSegmentRe matches one segment of a user-assigned run path.
	PathSegmentRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

	// DigestRe matches a lowercase hex SHA-256 digest.
	DigestRe = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// MaxRunPathLen bounds the overall user-assigned run path.
const MaxRunPathLen = 200

// NewRunID allocates a collision-resistant, sortable run id of the form
// YYYYMMDD_HHMMSS_xxxxxx. The timestamp is UTC.
func NewRunID(now time.Time) (string, error) {
	var suffix [3]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", fmt.Errorf("generating run id: %w", err)
	}
	return fmt.Sprintf("%s_%s", now.UTC().Format("20060102_150405"), hex.EncodeToString(suffix[:])), nil
}

// ValidateRunID returns a ValidationError unless id matches RunIDRe.
func ValidateRunID(id string) error {
	if !RunIDRe.MatchString(id) {
		return runerr.Validation("run_id", fmt.Sprintf("malformed run id %q", id))
	}
	return nil
}

// ValidateRunPath checks a slash-delimited run path: every segment must match
// PathSegmentRe and the whole path must not exceed MaxRunPathLen characters.
func ValidateRunPath(path string) error {
	if path == "" {
		return runerr.Validation("path", "path must not be empty")
	}
	if len(path) > MaxRunPathLen {
		return runerr.Validation("path", fmt.Sprintf("path exceeds %d characters", MaxRunPathLen))
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			return &runerr.PathEscapeError{Path: path}
		}
		if !PathSegmentRe.MatchString(seg) {
			return runerr.Validation("path", fmt.Sprintf("invalid path segment %q", seg))
		}
	}
	return nil
}

// ValidateDigest returns a ValidationError unless digest matches DigestRe.
func ValidateDigest(digest string) error {
	if !DigestRe.MatchString(digest) {
		return runerr.Validation("digest", fmt.Sprintf("malformed digest %q", digest))
	}
	return nil
}

// SanitizeKey rewrites a media key so it is safe as a single filename
// component. Anything outside [A-Za-z0-9._-] becomes an underscore.
func SanitizeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := b.String()
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
