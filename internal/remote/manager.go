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

// Package remote runs peer viewers on remote hosts over SSH: verified
// connections, environment discovery, detached peer launch, and local port
// forwarding with a layered health loop.
package remote

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	runerr "github.com/runicorn/runicorn/pkg/errors"
)

// Config tunes the manager. Zero values pick the documented defaults.
type Config struct {
	// SSHPath is the native ssh binary for the subprocess tunnel backend.
	// Empty means look up "ssh" on PATH; the backend is skipped only when
	// that lookup also fails.
	SSHPath string

	// LocalPortRange bounds local forward ports. Default 8081-8099.
	LocalPortRange [2]int

	// HealthInterval is the per-connection health cadence. Default 30s.
	HealthInterval time.Duration

	// CommandTimeout bounds individual remote commands. Default 30s.
	CommandTimeout time.Duration

	// ReconnectBackoff is the first reconnect delay; it doubles per
	// attempt. Default 1s.
	ReconnectBackoff time.Duration

	// Version is the local release, used for peer compatibility.
	Version string
}

func (c Config) withDefaults() Config {
	if c.SSHPath == "" {
		if path, err := exec.LookPath("ssh"); err == nil {
			c.SSHPath = path
		}
	}
	if c.LocalPortRange == [2]int{} {
		c.LocalPortRange = [2]int{8081, 8099}
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 30 * time.Second
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = time.Second
	}
	return c
}

// conn is one managed connection. Its mutex guards every mutable field.
type conn struct {
	mu sync.Mutex

	id        string
	req       ConnectRequest
	state     State
	createdAt time.Time

	transport transport
	tun       tunnel

	env      Environment
	peerPID  int
	peerPort int
	peerLog  string
	taskID   string

	lastHealth   HealthReport
	cancelHealth context.CancelFunc
}

// Manager owns every remote connection and its health loop.
type Manager struct {
	cfg    Config
	hosts  *KnownHosts
	logger *slog.Logger

	// dialFn is swapped out in tests.
	dialFn func(ctx context.Context, req ConnectRequest, hosts *KnownHosts) (transport, error)

	mu    sync.Mutex
	conns map[string]*conn
}

// NewManager builds a manager whose host keys live at knownHostsPath.
func NewManager(cfg Config, knownHostsPath string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	hosts, err := NewKnownHosts(knownHostsPath)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:    cfg.withDefaults(),
		hosts:  hosts,
		logger: logger.With("component", "remote"),
		dialFn: func(ctx context.Context, req ConnectRequest, hosts *KnownHosts) (transport, error) {
			return dialSSH(ctx, req, hosts)
		},
		conns: map[string]*conn{},
	}, nil
}

// KnownHosts exposes the host-key store for the accept API.
func (m *Manager) KnownHosts() *KnownHosts { return m.hosts }

func (c *conn) setState(logger *slog.Logger, to State) error {
	if c.state == to {
		return nil
	}
	if !CanTransition(c.state, to) {
		return fmt.Errorf("illegal connection state transition %s -> %s", c.state, to)
	}
	logger.Info("connection state changed",
		slog.String("connection_id", c.id),
		slog.String("from", string(c.state)), slog.String("to", string(to)))
	c.state = to
	return nil
}

func (c *conn) view() Connection {
	v := Connection{
		ID:        c.id,
		Host:      c.req.Host,
		Port:      c.req.Port,
		Username:  c.req.Username,
		State:     c.state,
		CreatedAt: c.createdAt,
	}
	if c.tun != nil {
		v.ViewerURL = fmt.Sprintf("http://127.0.0.1:%d", c.tun.localPort())
	}
	return v
}

// Connect authenticates against a remote host and registers the connection.
// A HostKeyError passes through untouched so the API layer can return the
// 409 confirmation flow.
func (m *Manager) Connect(ctx context.Context, req ConnectRequest) (Connection, error) {
	if req.Host == "" {
		return Connection{}, runerr.Validation("host", "host is required")
	}
	if req.Username == "" {
		return Connection{}, runerr.Validation("username", "username is required")
	}

	c := &conn{
		id:        uuid.NewString(),
		req:       req,
		state:     StateIdle,
		createdAt: time.Now().UTC(),
	}
	c.setState(m.logger, StateAuthenticating)

	t, err := m.dialFn(ctx, req, m.hosts)
	if err != nil {
		return Connection{}, err
	}
	c.transport = t
	c.setState(m.logger, StateConnected)

	m.mu.Lock()
	m.conns[c.id] = c
	m.mu.Unlock()

	healthCtx, cancel := context.WithCancel(context.Background())
	c.cancelHealth = cancel
	go m.healthLoop(healthCtx, c)

	m.logger.Info("connected",
		slog.String("connection_id", c.id), slog.String("host", req.Host))
	return c.view(), nil
}

// Connections lists every registered connection, oldest first.
func (m *Manager) Connections() []Connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Connection, 0, len(m.conns))
	for _, c := range m.conns {
		c.mu.Lock()
		out = append(out, c.view())
		c.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Manager) get(id string) (*conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return nil, runerr.NotFound("connection", id)
	}
	return c, nil
}

// Environments discovers compatible installations on the remote host.
func (m *Manager) Environments(ctx context.Context, id string) ([]Environment, error) {
	c, err := m.get(id)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.CommandTimeout)
	defer cancel()

	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	return discoverEnvironments(ctx, t, m.cfg.Version, m.logger)
}

// StartViewer launches the peer in the named environment and forwards a
// local port to it.
func (m *Manager) StartViewer(ctx context.Context, id, envName string) (ViewerStatus, error) {
	c, err := m.get(id)
	if err != nil {
		return ViewerStatus{}, err
	}

	envs, err := m.Environments(ctx, id)
	if err != nil {
		return ViewerStatus{}, err
	}
	var env *Environment
	for i := range envs {
		if envs[i].Name == envName {
			env = &envs[i]
			break
		}
	}
	if env == nil {
		return ViewerStatus{}, &runerr.RemoteError{
			Code:    runerr.RemoteEnvironmentNotFound,
			Message: fmt.Sprintf("no compatible environment named %q", envName),
			Host:    c.req.Host,
			Suggestions: []string{
				"list environments to see compatible candidates",
				fmt.Sprintf("install version %s in the target environment", m.cfg.Version),
			},
		}
	}

	c.mu.Lock()
	if c.state != StateConnected && c.state != StateDegraded {
		c.mu.Unlock()
		return ViewerStatus{}, runerr.Validation("connection_id",
			fmt.Sprintf("connection is %s, expected connected", c.state))
	}
	if err := c.setState(m.logger, StatePeerStarting); err != nil {
		c.mu.Unlock()
		return ViewerStatus{}, err
	}
	t := c.transport
	req := c.req
	c.mu.Unlock()

	// The launch and the tunnel run without the connection lock so status
	// reads, health checks, and Disconnect stay responsive while the remote
	// commands grind. The state is re-checked before committing.
	fail := func(err error) (ViewerStatus, error) {
		c.mu.Lock()
		if serr := c.setState(m.logger, StateFailed); serr != nil {
			m.logger.Warn("cannot mark connection failed",
				slog.String("connection_id", c.id), slog.Any("error", serr))
		}
		c.mu.Unlock()
		return ViewerStatus{}, err
	}

	remotePort, err := pickRemotePort(t)
	if err != nil {
		return fail(err)
	}

	launchCtx, cancel := context.WithTimeout(ctx, m.cfg.CommandTimeout)
	defer cancel()
	pid, logPath, err := launchPeer(launchCtx, t, *env, c.id, remotePort)
	if err != nil {
		return fail(err)
	}

	localPort, err := findLocalPort(m.cfg.LocalPortRange[0], m.cfg.LocalPortRange[1])
	if err != nil {
		stopPeer(context.Background(), t, pid)
		return fail(err)
	}
	tun, err := openTunnel(ctx, m, req, t, localPort, remotePort)
	if err != nil {
		stopPeer(context.Background(), t, pid)
		return fail(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePeerStarting {
		// Disconnect won the race while the lock was released.
		tun.close()
		stopPeer(context.Background(), t, pid)
		return ViewerStatus{}, runerr.Validation("connection_id",
			fmt.Sprintf("connection is %s, expected %s", c.state, StatePeerStarting))
	}
	c.env = *env
	c.peerPID = pid
	c.peerPort = remotePort
	c.peerLog = logPath
	c.taskID = uuid.NewString()
	c.tun = tun
	if err := c.setState(m.logger, StatePeerRunning); err != nil {
		return ViewerStatus{}, err
	}

	m.logger.Info("viewer started",
		slog.String("connection_id", c.id),
		slog.Int("peer_pid", pid), slog.Int("local_port", localPort),
		slog.String("backend", tun.backend()))
	return m.viewerStatusLocked(c), nil
}

func (m *Manager) viewerStatusLocked(c *conn) ViewerStatus {
	st := ViewerStatus{
		Status:  c.state,
		TaskID:  c.taskID,
		PeerPID: c.peerPID,
	}
	if c.tun != nil {
		st.ViewerURL = fmt.Sprintf("http://127.0.0.1:%d", c.tun.localPort())
		st.LocalPort = c.tun.localPort()
		st.Backend = c.tun.backend()
	}
	return st
}

// ViewerStatus reports the peer state for one connection.
func (m *Manager) ViewerStatus(id string) (ViewerStatus, error) {
	c, err := m.get(id)
	if err != nil {
		return ViewerStatus{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return m.viewerStatusLocked(c), nil
}

// StopViewer tears down the peer and its tunnel but keeps the connection.
func (m *Manager) StopViewer(ctx context.Context, id string) error {
	c, err := m.get(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return m.stopViewerLocked(ctx, c)
}

func (m *Manager) stopViewerLocked(ctx context.Context, c *conn) error {
	if c.tun != nil {
		c.tun.close()
		c.tun = nil
	}
	if c.peerPID > 0 {
		if err := stopPeer(ctx, c.transport, c.peerPID); err != nil {
			m.logger.Warn("failed to stop peer",
				slog.String("connection_id", c.id), slog.Any("error", err))
		}
		c.peerPID = 0
	}
	if c.state == StatePeerRunning || c.state == StateDegraded || c.state == StatePeerStarting {
		// Back to plain connected via the closing edge is not what we
		// want here: stopping the viewer keeps the SSH session.
		c.state = StateConnected
	}
	return nil
}

// Disconnect tears the connection down completely. cleanupPeer also kills
// the remote viewer; otherwise it is left running for later reattach.
func (m *Manager) Disconnect(ctx context.Context, id string, cleanupPeer bool) error {
	c, err := m.get(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.cancelHealth != nil {
		c.cancelHealth()
	}
	c.setState(m.logger, StateClosing)
	if cleanupPeer {
		m.stopViewerLocked(ctx, c)
		c.state = StateClosing
	} else if c.tun != nil {
		c.tun.close()
		c.tun = nil
	}
	if c.transport != nil {
		c.transport.close()
	}
	c.setState(m.logger, StateClosed)
	c.mu.Unlock()

	m.mu.Lock()
	delete(m.conns, id)
	m.mu.Unlock()

	m.logger.Info("disconnected", slog.String("connection_id", id))
	return nil
}

// Health runs the layered health check for one connection on demand.
func (m *Manager) Health(ctx context.Context, id string) (HealthReport, error) {
	c, err := m.get(id)
	if err != nil {
		return HealthReport{}, err
	}
	m.checkHealth(ctx, c)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHealth, nil
}

// Shutdown disconnects everything, peers included.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error { return m.Disconnect(ctx, id, true) })
	}
	return g.Wait()
}

// healthLoop drives the periodic check until the connection closes.
func (m *Manager) healthLoop(ctx context.Context, c *conn) {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkHealth(ctx, c)
		}
	}
}

// checkHealth performs the three-layer probe and applies the recovery
// policy: SSH loss → bounded reconnect, peer death → degraded without
// restart, tunnel-only loss → rebuild.
func (m *Manager) checkHealth(ctx context.Context, c *conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosing || c.state == StateClosed {
		return
	}

	report := HealthReport{State: c.state, CheckedAt: time.Now().UTC()}
	report.SSH = c.transport != nil && c.transport.alive()

	if !report.SSH {
		report.Detail = "ssh transport unreachable"
		c.lastHealth = report
		m.reconnectLocked(ctx, c)
		c.lastHealth.State = c.state
		return
	}

	if c.peerPID > 0 {
		report.Peer = m.probePeerLocked(c)
		report.Tunnel = c.tun != nil && c.tun.alive() && portDialable(c.tun.localPort())

		switch {
		case !report.Peer:
			report.Detail = "peer viewer not responding"
			if c.state == StatePeerRunning {
				c.setState(m.logger, StateDegraded)
			}
		case !report.Tunnel:
			report.Detail = "tunnel down, rebuilding"
			m.rebuildTunnelLocked(ctx, c)
			report.Tunnel = c.tun != nil && c.tun.alive()
		case c.state == StateDegraded:
			// Peer came back.
			c.setState(m.logger, StatePeerRunning)
		}
	}

	report.State = c.state
	c.lastHealth = report
}

// probePeerLocked checks the peer through the tunnel when one exists, and
// over the SSH transport otherwise.
func (m *Manager) probePeerLocked(c *conn) bool {
	if c.tun != nil {
		client := http.Client{Timeout: 3 * time.Second}
		resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/api/health", c.tun.localPort()))
		if err == nil {
			resp.Body.Close()
			return resp.StatusCode == http.StatusOK
		}
	}
	return probePeerOnce(c.transport, c.peerPort) == nil
}

// reconnectLocked retries the SSH dial with 1s/2s/4s backoff.
func (m *Manager) reconnectLocked(ctx context.Context, c *conn) {
	if err := c.setState(m.logger, StateReconnecting); err != nil {
		return
	}
	backoff := m.cfg.ReconnectBackoff
	for attempt := 1; attempt <= 3; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2

		dialCtx, cancel := context.WithTimeout(ctx, m.cfg.CommandTimeout)
		t, err := m.dialFn(dialCtx, c.req, m.hosts)
		cancel()
		if err != nil {
			m.logger.Warn("reconnect attempt failed",
				slog.String("connection_id", c.id),
				slog.Int("attempt", attempt), slog.Any("error", err))
			continue
		}
		if c.transport != nil {
			c.transport.close()
		}
		c.transport = t
		if c.peerPID > 0 {
			m.rebuildTunnelLocked(ctx, c)
			c.setState(m.logger, StatePeerRunning)
		} else {
			c.setState(m.logger, StateConnected)
		}
		m.logger.Info("reconnected", slog.String("connection_id", c.id))
		return
	}
	c.setState(m.logger, StateFailed)
}

// rebuildTunnelLocked replaces a dead tunnel over the live transport.
func (m *Manager) rebuildTunnelLocked(ctx context.Context, c *conn) {
	if c.tun != nil {
		c.tun.close()
		c.tun = nil
	}
	localPort, err := findLocalPort(m.cfg.LocalPortRange[0], m.cfg.LocalPortRange[1])
	if err != nil {
		m.logger.Warn("tunnel rebuild failed", slog.String("connection_id", c.id), slog.Any("error", err))
		return
	}
	tun, err := openTunnel(ctx, m, c.req, c.transport, localPort, c.peerPort)
	if err != nil {
		m.logger.Warn("tunnel rebuild failed", slog.String("connection_id", c.id), slog.Any("error", err))
		return
	}
	c.tun = tun
}
