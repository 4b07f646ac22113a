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
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	runerr "github.com/runicorn/runicorn/pkg/errors"
)

// Remote port range the peer binds inside. Distinct from the local forward
// range so a loopback-forwarded port never collides with a local daemon.
const (
	remotePortFrom = 8601
	remotePortTo   = 8699
)

// peerStartPollWindow bounds how long a freshly launched peer gets to bind
// its port.
const peerStartPollWindow = 3 * time.Second

// pickRemotePort finds a remote loopback port nothing is listening on, by
// dialing through the SSH transport.
func pickRemotePort(t transport) (int, error) {
	for port := remotePortFrom; port <= remotePortTo; port++ {
		conn, err := t.dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			return port, nil
		}
		conn.Close()
	}
	return 0, &runerr.RemoteError{
		Code:    runerr.RemoteViewerStartFailed,
		Message: fmt.Sprintf("no free remote port in %d-%d", remotePortFrom, remotePortTo),
	}
}

// launchPeer starts the viewer on the remote host, detached from the SSH
// session, and returns its PID once the health endpoint answers.
func launchPeer(ctx context.Context, t transport, env Environment, connID string, remotePort int) (int, string, error) {
	logPath := fmt.Sprintf("/tmp/runicorn-%s.log", connID)
	cmd := fmt.Sprintf(
		"nohup %q viewer --host 127.0.0.1 --port %d >%q 2>&1 & echo $!",
		env.Path, remotePort, logPath,
	)
	out, err := t.run(ctx, cmd)
	if err != nil {
		return 0, logPath, &runerr.RemoteError{
			Code:    runerr.RemoteViewerStartFailed,
			Message: "failed to launch remote viewer",
			Stderr:  tailString(err.Error(), stderrCap),
			Cause:   err,
		}
	}
	pid, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, logPath, &runerr.RemoteError{
			Code:    runerr.RemoteViewerStartFailed,
			Message: fmt.Sprintf("viewer launch returned no pid: %q", strings.TrimSpace(out)),
		}
	}

	if err := pollPeerHealth(ctx, t, remotePort, peerStartPollWindow); err != nil {
		logTail, _ := t.run(ctx, fmt.Sprintf("tail -c %d %q 2>/dev/null", stderrCap, logPath))
		return pid, logPath, &runerr.RemoteError{
			Code:    runerr.RemoteViewerStartFailed,
			Message: fmt.Sprintf("viewer did not become healthy on port %d", remotePort),
			Stderr:  tailString(logTail, stderrCap),
			Cause:   err,
			Suggestions: []string{
				fmt.Sprintf("inspect the remote log at %s", logPath),
			},
		}
	}
	return pid, logPath, nil
}

// pollPeerHealth probes /api/health on the remote loopback through the SSH
// transport until it answers 200 or the window closes.
func pollPeerHealth(ctx context.Context, t transport, remotePort int, window time.Duration) error {
	deadline := time.Now().Add(window)
	var lastErr error
	for time.Now().Before(deadline) {
		if err := probePeerOnce(t, remotePort); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(300 * time.Millisecond):
		}
	}
	return lastErr
}

func probePeerOnce(t transport, remotePort int) error {
	conn, err := t.dial("tcp", fmt.Sprintf("127.0.0.1:%d", remotePort))
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("http://127.0.0.1:%d/api/health", remotePort), nil)
	if err != nil {
		return err
	}
	if err := req.Write(conn); err != nil {
		return err
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("peer health returned %d", resp.StatusCode)
	}
	return nil
}

// peerAlive reports whether the recorded PID still exists remotely.
func peerAlive(ctx context.Context, t transport, pid int) bool {
	_, err := t.run(ctx, fmt.Sprintf("kill -0 %d", pid))
	return err == nil
}

// stopPeer terminates the remote viewer: SIGTERM, then SIGKILL after a
// 5 second grace window.
func stopPeer(ctx context.Context, t transport, pid int) error {
	if pid <= 0 {
		return nil
	}
	if _, err := t.run(ctx, fmt.Sprintf("kill -TERM %d", pid)); err != nil {
		// Already gone.
		return nil
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !peerAlive(ctx, t, pid) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
	_, err := t.run(ctx, fmt.Sprintf("kill -KILL %d", pid))
	return err
}
