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

// Package errors defines the typed error taxonomy shared by the storage
// engine, the assets engine, the remote controller, and the HTTP layer.
package errors

import (
	"fmt"
	"time"
)

// ValidationError represents user input validation failures.
// Use this for invalid user input, malformed data, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "run", "blob", "connection")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// PathEscapeError represents a request path that resolves outside the data
// root or contains parent-directory segments.
type PathEscapeError struct {
	// Path is the offending path as supplied by the client
	Path string
}

// Error implements the error interface.
func (e *PathEscapeError) Error() string {
	return fmt.Sprintf("path escapes data root: %s", e.Path)
}

// HostKeyReason describes why a presented host key could not be accepted.
type HostKeyReason string

const (
	// HostKeyUnknown means the host has no entry in the known-hosts store.
	HostKeyUnknown HostKeyReason = "unknown"
	// HostKeyChanged means the presented key differs from the stored one.
	HostKeyChanged HostKeyReason = "changed"
)

// HostKeyProblem carries everything a client needs to decide whether to
// accept a remote host key. It is serialized into 409 responses verbatim.
type HostKeyProblem struct {
	Host              string        `json:"host"`
	Port              int           `json:"port"`
	KeyType           string        `json:"key_type"`
	FingerprintSHA256 string        `json:"fingerprint_sha256"`
	PublicKey         []byte        `json:"public_key_bytes"`
	Reason            HostKeyReason `json:"reason"`
	Expected          string        `json:"expected,omitempty"`
}

// HostKeyError is returned when a connection is aborted because the remote
// host key requires explicit confirmation. It is never recoverable by
// falling back to another transport.
type HostKeyError struct {
	Problem HostKeyProblem
}

// Error implements the error interface.
func (e *HostKeyError) Error() string {
	return fmt.Sprintf("host key %s for %s:%d (%s %s)",
		e.Problem.Reason, e.Problem.Host, e.Problem.Port,
		e.Problem.KeyType, e.Problem.FingerprintSHA256)
}

// RateLimitError represents quota exhaustion on an endpoint class.
type RateLimitError struct {
	// Limit is the per-window quota for the endpoint class
	Limit int

	// RetryAfter is how long the client should wait before retrying
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded (limit %d, retry after %s)", e.Limit, e.RetryAfter)
}

// RemoteErrorCode identifies a class of remote controller failure.
type RemoteErrorCode string

const (
	RemoteSSHAuthFailed       RemoteErrorCode = "ssh_auth_failed"
	RemoteConnectionTimeout   RemoteErrorCode = "connection_timeout"
	RemoteEnvironmentNotFound RemoteErrorCode = "environment_not_found"
	RemoteViewerStartFailed   RemoteErrorCode = "viewer_start_failed"
	RemoteTunnelFailed        RemoteErrorCode = "tunnel_failed"
)

// RemoteError represents SSH, environment discovery, peer launch, or tunnel
// failures. It carries enough context for the user to act without exposing
// credentials.
type RemoteError struct {
	// Code is the machine-readable failure class
	Code RemoteErrorCode

	// Message is the human-readable error description
	Message string

	// Host is the remote host the failure relates to
	Host string

	// Stderr holds the tail of remote command stderr, capped at 4 KiB
	Stderr string

	// RetryAfter suggests a wait before retrying, when the failure is transient
	RetryAfter time.Duration

	// Suggestions lists actionable next steps
	Suggestions []string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	msg := fmt.Sprintf("remote error (%s)", e.Code)
	if e.Host != "" {
		msg = fmt.Sprintf("%s on %s", msg, e.Host)
	}
	return fmt.Sprintf("%s: %s", msg, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *RemoteError) Unwrap() error {
	return e.Cause
}

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "data_root")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}
