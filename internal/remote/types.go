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

import "time"

// State is the lifecycle phase of a remote connection.
type State string

const (
	StateIdle           State = "idle"
	StateAuthenticating State = "authenticating"
	StateConnected      State = "connected"
	StatePeerStarting   State = "peer_starting"
	StatePeerRunning    State = "peer_running"
	StateDegraded       State = "degraded"
	StateReconnecting   State = "reconnecting"
	StateFailed         State = "failed"
	StateClosing        State = "closing"
	StateClosed         State = "closed"
)

// validTransitions is the edge set of the connection state machine.
var validTransitions = map[State][]State{
	StateIdle:           {StateAuthenticating},
	StateAuthenticating: {StateConnected, StateFailed, StateClosing},
	StateConnected:      {StatePeerStarting, StateReconnecting, StateClosing, StateFailed},
	StatePeerStarting:   {StatePeerRunning, StateFailed, StateClosing},
	StatePeerRunning:    {StateDegraded, StateReconnecting, StateClosing},
	StateDegraded:       {StatePeerRunning, StateReconnecting, StateFailed, StateClosing},
	StateReconnecting:   {StateConnected, StatePeerRunning, StateFailed, StateClosing},
	StateFailed:         {StateClosing},
	StateClosing:        {StateClosed},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AuthMethod selects how the SSH connection authenticates.
type AuthMethod string

const (
	AuthAgent      AuthMethod = "agent"
	AuthPrivateKey AuthMethod = "key"
	AuthPassword   AuthMethod = "password"
)

// Auth carries SSH credentials. Secrets are never serialized back out.
type Auth struct {
	Method     AuthMethod `json:"method"`
	Password   string     `json:"password,omitempty"`
	KeyPath    string     `json:"key_path,omitempty"`
	Passphrase string     `json:"passphrase,omitempty"`
}

// ConnectRequest describes a remote host to connect to.
type ConnectRequest struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Auth     Auth   `json:"auth"`
}

// Connection is the externally visible view of a managed connection.
type Connection struct {
	ID        string    `json:"connection_id"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Username  string    `json:"username"`
	State     State     `json:"state"`
	ViewerURL string    `json:"viewer_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EnvKind classifies how a discovered environment is activated.
type EnvKind string

const (
	EnvConda  EnvKind = "conda"
	EnvVenv   EnvKind = "venv"
	EnvSystem EnvKind = "system"
)

// Environment is one runnable installation found on the remote host.
type Environment struct {
	Name    string  `json:"name"`
	Kind    EnvKind `json:"kind"`
	Path    string  `json:"path"`
	Version string  `json:"version"`
}

// ViewerStatus reports the remote peer and its tunnel.
type ViewerStatus struct {
	Status    State  `json:"status"`
	ViewerURL string `json:"viewer_url,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	PeerPID   int    `json:"peer_pid,omitempty"`
	LocalPort int    `json:"local_port,omitempty"`
	Backend   string `json:"backend,omitempty"`
}

// HealthReport is the layered health view of one connection.
type HealthReport struct {
	State     State     `json:"state"`
	SSH       bool      `json:"ssh"`
	Peer      bool      `json:"peer"`
	Tunnel    bool      `json:"tunnel"`
	CheckedAt time.Time `json:"checked_at"`
	Detail    string    `json:"detail,omitempty"`
}
