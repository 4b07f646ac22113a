package remote

import (
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	runerr "github.com/runicorn/runicorn/pkg/errors"
)

type fakeTransport struct {
	mu        sync.Mutex
	cmds      []string
	responses map[string]string // matched by prefix
	aliveFlag bool
	closed    bool

	// Commands matching blockPrefix park on gate until it is closed.
	blockPrefix string
	gate        chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{responses: map[string]string{}, aliveFlag: true}
}

func (f *fakeTransport) run(_ context.Context, cmd string) (string, error) {
	f.mu.Lock()
	f.cmds = append(f.cmds, cmd)
	out, found := "", false
	for prefix, resp := range f.responses {
		if strings.HasPrefix(cmd, prefix) {
			out, found = resp, true
			break
		}
	}
	block := f.gate != nil && f.blockPrefix != "" && strings.HasPrefix(cmd, f.blockPrefix)
	f.mu.Unlock()

	if block {
		<-f.gate
	}
	if found {
		return out, nil
	}
	return "", &runerr.RemoteError{Code: runerr.RemoteViewerStartFailed, Message: "no such command"}
}

func (f *fakeTransport) sawCommand(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cmd := range f.cmds {
		if strings.HasPrefix(cmd, prefix) {
			return true
		}
	}
	return false
}

func (f *fakeTransport) dial(string, string) (net.Conn, error) {
	return nil, &runerr.RemoteError{Code: runerr.RemoteTunnelFailed, Message: "dial refused"}
}

func (f *fakeTransport) alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aliveFlag
}

func (f *fakeTransport) close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func newTestManager(t *testing.T, ft *fakeTransport) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		Version:          "0.3.1",
		HealthInterval:   time.Hour, // keep the loop quiet during tests
		CommandTimeout:   200 * time.Millisecond,
		ReconnectBackoff: time.Millisecond,
	}, filepath.Join(t.TempDir(), "known_hosts"), slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	m.dialFn = func(context.Context, ConnectRequest, *KnownHosts) (transport, error) {
		return ft, nil
	}
	return m
}

func TestStateMachineEdges(t *testing.T) {
	assert.True(t, CanTransition(StateIdle, StateAuthenticating))
	assert.True(t, CanTransition(StateAuthenticating, StateConnected))
	assert.True(t, CanTransition(StateConnected, StatePeerStarting))
	assert.True(t, CanTransition(StatePeerStarting, StatePeerRunning))
	assert.True(t, CanTransition(StatePeerRunning, StateDegraded))
	assert.True(t, CanTransition(StateDegraded, StatePeerRunning))
	assert.True(t, CanTransition(StateDegraded, StateFailed))
	assert.True(t, CanTransition(StateClosing, StateClosed))

	assert.False(t, CanTransition(StateIdle, StatePeerRunning))
	assert.False(t, CanTransition(StateClosed, StateConnected))
	assert.False(t, CanTransition(StateFailed, StatePeerRunning))
}

func TestConnectDisconnect(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, ft)

	c, err := m.Connect(context.Background(), ConnectRequest{
		Host: "gpu01.example.com", Username: "ml", Auth: Auth{Method: AuthPassword, Password: "x"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, StateConnected, c.State)

	list := m.Connections()
	require.Len(t, list, 1)
	assert.Equal(t, c.ID, list[0].ID)

	require.NoError(t, m.Disconnect(context.Background(), c.ID, false))
	assert.Empty(t, m.Connections())
	assert.True(t, ft.closed)

	err = m.Disconnect(context.Background(), c.ID, false)
	assert.True(t, runerr.IsNotFound(err))
}

func TestConnectValidation(t *testing.T) {
	m := newTestManager(t, newFakeTransport())
	_, err := m.Connect(context.Background(), ConnectRequest{Username: "ml"})
	assert.True(t, runerr.IsValidation(err))
	_, err = m.Connect(context.Background(), ConnectRequest{Host: "h"})
	assert.True(t, runerr.IsValidation(err))
}

func TestEnvironmentsFiltersIncompatible(t *testing.T) {
	ft := newFakeTransport()
	// System install at a compatible version, one conda env too old.
	ft.responses["command -v runicorn"] = "/usr/local/bin/runicorn\n"
	ft.responses[`"/usr/local/bin/runicorn" version --short`] = "0.3.9\n"
	ft.responses["conda env list"] = "# conda environments:\nbase * /opt/conda\nml /opt/conda/envs/ml\n"
	ft.responses[`"/opt/conda/bin/runicorn" version --short`] = "0.2.0\n"
	ft.responses[`"/opt/conda/envs/ml/bin/runicorn" version --short`] = "0.3.1\n"

	m := newTestManager(t, ft)
	c, err := m.Connect(context.Background(), ConnectRequest{Host: "h", Username: "u", Auth: Auth{Method: AuthPassword}})
	require.NoError(t, err)

	envs, err := m.Environments(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, envs, 2)

	names := []string{envs[0].Name, envs[1].Name}
	assert.Contains(t, names, "system")
	assert.Contains(t, names, "ml")
	for _, env := range envs {
		assert.NotEqual(t, "base", env.Name, "incompatible env must be filtered")
	}
}

func TestStartViewerUnknownEnvironment(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, ft)
	c, err := m.Connect(context.Background(), ConnectRequest{Host: "h", Username: "u", Auth: Auth{Method: AuthPassword}})
	require.NoError(t, err)

	_, err = m.StartViewer(context.Background(), c.ID, "nope")
	re, ok := runerr.AsRemote(err)
	require.True(t, ok)
	assert.Equal(t, runerr.RemoteEnvironmentNotFound, re.Code)
}

func TestConfigDefaultsResolveSSHPath(t *testing.T) {
	dir := t.TempDir()
	fake := filepath.Join(dir, "ssh")
	require.NoError(t, os.WriteFile(fake, []byte("#!/bin/sh\nexit 0\n"), 0o755))

	t.Setenv("PATH", dir)
	cfg := Config{}.withDefaults()
	assert.Equal(t, fake, cfg.SSHPath)

	// An explicit path wins over the lookup.
	cfg = Config{SSHPath: "/opt/openssh/bin/ssh"}.withDefaults()
	assert.Equal(t, "/opt/openssh/bin/ssh", cfg.SSHPath)

	// Without ssh anywhere on PATH the subprocess backend stays disabled.
	t.Setenv("PATH", filepath.Join(dir, "does-not-exist"))
	cfg = Config{}.withDefaults()
	assert.Empty(t, cfg.SSHPath)
}

func TestOpenTunnelTriesNativeSSHFirst(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "invoked")
	script := "#!/bin/sh\n: > \"" + marker + "\"\nexec sleep 30\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ssh"), []byte(script), 0o755))
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))

	ft := newFakeTransport()
	m := newTestManager(t, ft) // empty SSHPath resolves against PATH

	localPort, err := findLocalPort(8081, 8099)
	require.NoError(t, err)

	// The fake ssh never brings the forward up, so the chain falls through
	// to the control transport once the context expires. The unreadable key
	// also keeps the dedicated library backend from dialing out.
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	req := ConnectRequest{
		Host: "h", Username: "u",
		Auth: Auth{Method: AuthPrivateKey, KeyPath: filepath.Join(dir, "missing_key")},
	}
	tun, err := openTunnel(ctx, m, req, ft, localPort, 8601)
	require.NoError(t, err)
	defer tun.close()

	assert.Equal(t, BackendTransport, tun.backend())
	_, statErr := os.Stat(marker)
	assert.NoError(t, statErr, "native ssh must be attempted before any fallback")
}

func TestStartViewerDoesNotBlockStatusReads(t *testing.T) {
	ft := newFakeTransport()
	ft.responses["command -v runicorn"] = "/usr/local/bin/runicorn\n"
	ft.responses[`"/usr/local/bin/runicorn" version --short`] = "0.3.1\n"
	ft.responses["nohup"] = "4242\n"
	ft.blockPrefix = "nohup"
	ft.gate = make(chan struct{})

	m := newTestManager(t, ft)
	c, err := m.Connect(context.Background(), ConnectRequest{
		Host: "h", Username: "u", Auth: Auth{Method: AuthPassword},
	})
	require.NoError(t, err)

	started := make(chan error, 1)
	go func() {
		_, err := m.StartViewer(context.Background(), c.ID, "system")
		started <- err
	}()

	require.Eventually(t, func() bool { return ft.sawCommand("nohup") },
		2*time.Second, 10*time.Millisecond, "launch command never issued")

	// Status reads must not queue behind the in-flight remote launch.
	type result struct {
		st  ViewerStatus
		err error
	}
	read := make(chan result, 1)
	go func() {
		st, err := m.ViewerStatus(c.ID)
		read <- result{st, err}
	}()
	select {
	case r := <-read:
		require.NoError(t, r.err)
		assert.Equal(t, StatePeerStarting, r.st.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("viewer status blocked behind the remote launch")
	}

	// Release the launch; the peer never answers its health probe, so the
	// start fails and the connection is marked accordingly.
	close(ft.gate)
	assert.Error(t, <-started)

	st, err := m.ViewerStatus(c.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, st.Status)
}

func TestViewerStatusNotFound(t *testing.T) {
	m := newTestManager(t, newFakeTransport())
	_, err := m.ViewerStatus("missing")
	assert.True(t, runerr.IsNotFound(err))
}

func TestHealthReportsSSHDown(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, ft)
	c, err := m.Connect(context.Background(), ConnectRequest{Host: "h", Username: "u", Auth: Auth{Method: AuthPassword}})
	require.NoError(t, err)

	report, err := m.Health(context.Background(), c.ID)
	require.NoError(t, err)
	assert.True(t, report.SSH)

	// Drop the transport; the dial also fails, so after three backoff
	// attempts the connection lands in failed.
	ft.mu.Lock()
	ft.aliveFlag = false
	ft.mu.Unlock()
	m.dialFn = func(context.Context, ConnectRequest, *KnownHosts) (transport, error) {
		return nil, &runerr.RemoteError{Code: runerr.RemoteConnectionTimeout, Message: "down"}
	}

	report, err = m.Health(context.Background(), c.ID)
	require.NoError(t, err)
	assert.False(t, report.SSH)
	assert.Equal(t, StateFailed, report.State)
}

func TestShutdownClosesEverything(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, ft)
	for i := 0; i < 3; i++ {
		_, err := m.Connect(context.Background(), ConnectRequest{Host: "h", Username: "u", Auth: Auth{Method: AuthPassword}})
		require.NoError(t, err)
	}
	require.NoError(t, m.Shutdown(context.Background()))
	assert.Empty(t, m.Connections())
}

func TestVersionCompatibility(t *testing.T) {
	assert.True(t, versionsCompatible("0.3.1", "0.3.9"))
	assert.True(t, versionsCompatible("v0.3.1", "0.3.1"))
	assert.False(t, versionsCompatible("0.3.1", "0.4.0"))
	assert.False(t, versionsCompatible("0.3.1", "1.3.1"))
	assert.False(t, versionsCompatible("dev", "dev"))
}

func TestParseCondaList(t *testing.T) {
	out := `# conda environments:
#
base                  *  /opt/conda
ml                       /opt/conda/envs/ml
                         /home/u/.conda/envs/unnamed
`
	envs := parseCondaList(out)
	require.Len(t, envs, 3)
	assert.Equal(t, "base", envs[0].Name)
	assert.Equal(t, "/opt/conda", envs[0].Path)
	assert.Equal(t, "ml", envs[1].Name)
	assert.Equal(t, "unnamed", envs[2].Name)
}

func TestFindLocalPort(t *testing.T) {
	port, err := findLocalPort(8081, 8099)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, port, 8081)
	assert.LessOrEqual(t, port, 8099)

	// Occupy a single-port range to force exhaustion.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	busy := l.Addr().(*net.TCPAddr).Port
	_, err = findLocalPort(busy, busy)
	assert.Error(t, err)
}
