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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	runerr "github.com/runicorn/runicorn/pkg/errors"
)

// Tunnel backend names, in fallback order.
const (
	BackendOpenSSH   = "openssh"
	BackendLibrary   = "library"
	BackendTransport = "transport"
)

// tunnel is a live local-to-remote port forward.
type tunnel interface {
	localPort() int
	backend() string
	alive() bool
	close() error
}

// findLocalPort claims a free port from the configured range by binding it.
// The listener is closed again; the caller re-binds through the tunnel.
func findLocalPort(from, to int) (int, error) {
	for port := from; port <= to; port++ {
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		l.Close()
		return port, nil
	}
	return 0, &runerr.RemoteError{
		Code:    runerr.RemoteTunnelFailed,
		Message: fmt.Sprintf("no free local port in %d-%d", from, to),
		Suggestions: []string{
			"close other tunnels or widen remote.local_port_range in the config",
		},
	}
}

// openTunnel walks the backend chain: native ssh subprocess, then a
// dedicated in-process SSH forward, then a forward over the existing control
// transport. Host-key failures abort the whole chain immediately.
func openTunnel(ctx context.Context, m *Manager, req ConnectRequest, control transport, localPort, remotePort int) (tunnel, error) {
	var firstErr error

	if m.cfg.SSHPath != "" && req.Auth.Method != AuthPassword {
		t, err := newOpenSSHTunnel(ctx, m, req, localPort, remotePort)
		if err == nil {
			return t, nil
		}
		var hk *runerr.HostKeyError
		if errors.As(err, &hk) {
			return nil, err
		}
		firstErr = err
		m.logger.Warn("openssh tunnel backend failed, falling back",
			slog.String("host", req.Host), slog.Any("error", err))
	}

	t, err := newForwardTunnel(ctx, m, req, control, localPort, remotePort)
	if err == nil {
		return t, nil
	}
	var hk *runerr.HostKeyError
	if errors.As(err, &hk) {
		return nil, err
	}
	if firstErr == nil {
		firstErr = err
	}
	return nil, &runerr.RemoteError{
		Code:    runerr.RemoteTunnelFailed,
		Message: "all tunnel backends failed",
		Host:    req.Host,
		Cause:   firstErr,
	}
}

// --- backend 1: native ssh subprocess ---

type opensshTunnel struct {
	port int
	cmd  *exec.Cmd
	done chan struct{}
}

func newOpenSSHTunnel(ctx context.Context, m *Manager, req ConnectRequest, localPort, remotePort int) (tunnel, error) {
	port := req.Port
	if port == 0 {
		port = 22
	}
	args := []string{
		"-N",
		"-L", fmt.Sprintf("127.0.0.1:%d:127.0.0.1:%d", localPort, remotePort),
		"-p", fmt.Sprint(port),
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=yes",
		"-o", "UserKnownHostsFile=" + m.hosts.path,
		"-o", "ExitOnForwardFailure=yes",
		"-o", "ServerAliveInterval=15",
		fmt.Sprintf("%s@%s", req.Username, req.Host),
	}
	if req.Auth.Method == AuthPrivateKey {
		args = append([]string{"-i", req.Auth.KeyPath, "-o", "IdentitiesOnly=yes"}, args...)
	}

	cmd := exec.Command(m.cfg.SSHPath, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", m.cfg.SSHPath, err)
	}
	t := &opensshTunnel{port: localPort, cmd: cmd, done: make(chan struct{})}
	go func() {
		cmd.Wait()
		close(t.done)
	}()

	if err := waitForPort(ctx, localPort, 5*time.Second); err != nil {
		t.close()
		return nil, fmt.Errorf("forwarded port never came up: %w", err)
	}
	return t, nil
}

func (t *opensshTunnel) localPort() int  { return t.port }
func (t *opensshTunnel) backend() string { return BackendOpenSSH }

func (t *opensshTunnel) alive() bool {
	select {
	case <-t.done:
		return false
	default:
	}
	return portDialable(t.port)
}

func (t *opensshTunnel) close() error {
	if t.cmd.Process != nil {
		t.cmd.Process.Kill()
	}
	<-t.done
	return nil
}

// --- backends 2 and 3: in-process forwarding ---

// forwardTunnel accepts local connections and pipes each through an SSH
// direct-tcpip channel. Backend 2 runs over a dedicated SSH connection,
// backend 3 over the shared control transport.
type forwardTunnel struct {
	port     int
	name     string
	listener net.Listener
	dial     func(network, addr string) (net.Conn, error)
	owned    transport // non-nil when this tunnel owns its SSH connection

	mu     sync.Mutex
	closed bool
}

func newForwardTunnel(ctx context.Context, m *Manager, req ConnectRequest, control transport, localPort, remotePort int) (tunnel, error) {
	// Backend 2: dedicated SSH connection so forwarding load cannot stall
	// control-channel commands.
	name := BackendLibrary
	var owned transport
	dedicated, err := dialSSH(ctx, req, m.hosts)
	if err != nil {
		var hk *runerr.HostKeyError
		if errors.As(err, &hk) {
			return nil, err
		}
		// Backend 3: reuse the control transport.
		m.logger.Warn("dedicated forward connection failed, using control transport",
			slog.String("host", req.Host), slog.Any("error", err))
		name = BackendTransport
	} else {
		owned = dedicated
	}

	dial := control.dial
	if owned != nil {
		dial = owned.dial
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
	if err != nil {
		if owned != nil {
			owned.close()
		}
		return nil, fmt.Errorf("failed to bind local port %d: %w", localPort, err)
	}

	t := &forwardTunnel{
		port:     localPort,
		name:     name,
		listener: listener,
		dial:     dial,
		owned:    owned,
	}
	go t.acceptLoop(m.logger, remotePort)
	return t, nil
}

func (t *forwardTunnel) acceptLoop(logger *slog.Logger, remotePort int) {
	for {
		local, err := t.listener.Accept()
		if err != nil {
			return
		}
		go func() {
			defer local.Close()
			remote, err := t.dial("tcp", fmt.Sprintf("127.0.0.1:%d", remotePort))
			if err != nil {
				logger.Debug("tunnel dial failed", slog.Any("error", err))
				return
			}
			defer remote.Close()

			var g errgroup.Group
			g.Go(func() error {
				_, err := io.Copy(remote, local)
				remote.Close()
				return err
			})
			g.Go(func() error {
				_, err := io.Copy(local, remote)
				local.Close()
				return err
			})
			g.Wait()
		}()
	}
}

func (t *forwardTunnel) localPort() int  { return t.port }
func (t *forwardTunnel) backend() string { return t.name }

func (t *forwardTunnel) alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

func (t *forwardTunnel) close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	err := t.listener.Close()
	if t.owned != nil {
		t.owned.close()
	}
	return err
}

func portDialable(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func waitForPort(ctx context.Context, port int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if portDialable(port) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return fmt.Errorf("port %d not reachable after %s", port, timeout)
}
