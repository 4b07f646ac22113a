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
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	runerr "github.com/runicorn/runicorn/pkg/errors"
)

// stderrCap bounds how much remote stderr is carried in errors.
const stderrCap = 4 * 1024

// transport is the minimal SSH surface the manager needs. Tests substitute
// a fake; production uses sshTransport.
type transport interface {
	// run executes a command and returns stdout. Remote stderr rides on the
	// returned error.
	run(ctx context.Context, cmd string) (string, error)

	// dial opens a forwarded connection from the remote side.
	dial(network, addr string) (net.Conn, error)

	// alive probes the transport with a cheap request.
	alive() bool

	close() error
}

type sshTransport struct {
	client *ssh.Client
}

// dialSSH opens an authenticated SSH connection with strict host-key
// verification against the private store. Host-key failures surface as
// HostKeyError and must never be retried on another backend.
func dialSSH(ctx context.Context, req ConnectRequest, hosts *KnownHosts) (*sshTransport, error) {
	callback, err := hosts.Callback()
	if err != nil {
		return nil, err
	}
	methods, err := authMethods(req.Auth)
	if err != nil {
		return nil, err
	}

	port := req.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(req.Host, fmt.Sprint(port))
	cfg := &ssh.ClientConfig{
		User:            req.Username,
		Auth:            methods,
		HostKeyCallback: callback,
		Timeout:         15 * time.Second,
	}

	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &runerr.RemoteError{
			Code:    runerr.RemoteConnectionTimeout,
			Message: fmt.Sprintf("cannot reach %s", addr),
			Host:    req.Host,
			Cause:   err,
			Suggestions: []string{
				"check that the host is reachable and the SSH port is open",
			},
		}
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		var hk *runerr.HostKeyError
		if errors.As(err, &hk) {
			return nil, hk
		}
		return nil, &runerr.RemoteError{
			Code:    runerr.RemoteSSHAuthFailed,
			Message: "SSH handshake failed",
			Host:    req.Host,
			Cause:   err,
			Suggestions: []string{
				"verify the username and credentials",
				"check that the chosen auth method is enabled on the server",
			},
		}
	}
	return &sshTransport{client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

func authMethods(a Auth) ([]ssh.AuthMethod, error) {
	switch a.Method {
	case AuthAgent, "":
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, &runerr.RemoteError{
				Code:        runerr.RemoteSSHAuthFailed,
				Message:     "SSH agent not available (SSH_AUTH_SOCK unset)",
				Suggestions: []string{"start ssh-agent or use key/password auth"},
			}
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, &runerr.RemoteError{
				Code: runerr.RemoteSSHAuthFailed, Message: "cannot reach SSH agent", Cause: err,
			}
		}
		return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)}, nil

	case AuthPrivateKey:
		body, err := os.ReadFile(a.KeyPath)
		if err != nil {
			return nil, &runerr.RemoteError{
				Code: runerr.RemoteSSHAuthFailed, Message: fmt.Sprintf("cannot read key %s", a.KeyPath), Cause: err,
			}
		}
		var signer ssh.Signer
		if a.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(body, []byte(a.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(body)
		}
		if err != nil {
			return nil, &runerr.RemoteError{
				Code: runerr.RemoteSSHAuthFailed, Message: "cannot parse private key", Cause: err,
			}
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	case AuthPassword:
		return []ssh.AuthMethod{ssh.Password(a.Password)}, nil

	default:
		return nil, runerr.Validation("auth.method", fmt.Sprintf("unknown auth method %q", a.Method))
	}
}

func (t *sshTransport) run(ctx context.Context, cmd string) (string, error) {
	session, err := t.client.NewSession()
	if err != nil {
		return "", err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return stdout.String(), ctx.Err()
	case err := <-done:
		if err != nil {
			return stdout.String(), fmt.Errorf("%w: %s", err, tailString(stderr.String(), stderrCap))
		}
		return stdout.String(), nil
	}
}

func (t *sshTransport) dial(network, addr string) (net.Conn, error) {
	return t.client.Dial(network, addr)
}

func (t *sshTransport) alive() bool {
	_, _, err := t.client.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

func (t *sshTransport) close() error {
	return t.client.Close()
}

func tailString(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
