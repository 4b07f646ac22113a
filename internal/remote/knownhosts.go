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

package remote

import (
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/runicorn/runicorn/internal/storage"
	runerr "github.com/runicorn/runicorn/pkg/errors"
)

// KnownHosts is the private host-key store under the data root. The file is
// OpenSSH known_hosts text, so users can inspect or edit it with standard
// tooling. Mutations hold an exclusive file lock.
type KnownHosts struct {
	path string
	lock *storage.FileLock
}

// NewKnownHosts opens the store at path, creating an empty file if needed.
func NewKnownHosts(path string) (*KnownHosts, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open known hosts store: %w", err)
	}
	f.Close()
	return &KnownHosts{path: path, lock: storage.NewFileLock(path + ".lock")}, nil
}

// hostPattern is the address form OpenSSH uses in known_hosts lines:
// bare host for port 22, [host]:port otherwise.
func hostPattern(host string, port int) string {
	if port == 0 || port == 22 {
		return host
	}
	return fmt.Sprintf("[%s]:%d", host, port)
}

// Add upserts a host key. publicKey is the base64 body of the key as it
// appears on the wire (without the key-type prefix).
func (k *KnownHosts) Add(host string, port int, keyType, publicKey string) error {
	raw, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		return runerr.Validation("public_key", "not valid base64")
	}
	parsed, err := ssh.ParsePublicKey(raw)
	if err != nil {
		return runerr.Validation("public_key", fmt.Sprintf("not a valid SSH key: %v", err))
	}
	if parsed.Type() != keyType {
		return runerr.Validation("key_type",
			fmt.Sprintf("key type %s does not match key body (%s)", keyType, parsed.Type()))
	}

	if err := k.lock.Lock(); err != nil {
		return err
	}
	defer k.lock.Unlock()

	pattern := hostPattern(host, port)
	lines, err := k.readLines()
	if err != nil {
		return err
	}

	// Replace any existing entry of the same type for this address.
	kept := lines[:0]
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) >= 3 && fields[0] == pattern && fields[1] == keyType {
			continue
		}
		kept = append(kept, line)
	}
	kept = append(kept, fmt.Sprintf("%s %s %s", pattern, keyType, publicKey))

	body := strings.Join(kept, "\n") + "\n"
	return storage.WriteFileAtomic(k.path, []byte(body), 0o600)
}

// Remove drops every entry for the given address.
func (k *KnownHosts) Remove(host string, port int) error {
	if err := k.lock.Lock(); err != nil {
		return err
	}
	defer k.lock.Unlock()

	pattern := hostPattern(host, port)
	lines, err := k.readLines()
	if err != nil {
		return err
	}
	kept := lines[:0]
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) >= 3 && fields[0] == pattern {
			continue
		}
		kept = append(kept, line)
	}
	if len(kept) == 0 {
		return storage.WriteFileAtomic(k.path, nil, 0o600)
	}
	return storage.WriteFileAtomic(k.path, []byte(strings.Join(kept, "\n")+"\n"), 0o600)
}

func (k *KnownHosts) readLines() ([]string, error) {
	body, err := os.ReadFile(k.path)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, line := range strings.Split(string(body), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// Callback builds the strict host-key callback. A key missing from the store
// or differing from the stored one aborts the handshake with a HostKeyError;
// there is no interactive prompt and no silent accept.
func (k *KnownHosts) Callback() (ssh.HostKeyCallback, error) {
	check, err := knownhosts.New(k.path)
	if err != nil {
		return nil, fmt.Errorf("failed to load known hosts: %w", err)
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := check(hostname, remote, key)
		if err == nil {
			return nil
		}
		keyErr, ok := err.(*knownhosts.KeyError)
		if !ok {
			return err
		}

		host, port := splitHostPort(hostname)
		problem := runerr.HostKeyProblem{
			Host:              host,
			Port:              port,
			KeyType:           key.Type(),
			FingerprintSHA256: ssh.FingerprintSHA256(key),
			PublicKey:         key.Marshal(),
			Reason:            runerr.HostKeyUnknown,
		}
		if len(keyErr.Want) > 0 {
			problem.Reason = runerr.HostKeyChanged
			problem.Expected = ssh.FingerprintSHA256(keyErr.Want[0].Key)
		}
		return &runerr.HostKeyError{Problem: problem}
	}, nil
}

func splitHostPort(hostname string) (string, int) {
	host, portStr, err := net.SplitHostPort(hostname)
	if err != nil {
		return hostname, 22
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		port = 22
	}
	return host, port
}
