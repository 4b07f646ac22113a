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

package server

import (
	"encoding/json"
	"net/http"

	"github.com/runicorn/runicorn/internal/remote"
	runerr "github.com/runicorn/runicorn/pkg/errors"
)

func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		WriteErr(w, runerr.Validation("body", "invalid JSON body"))
		return false
	}
	return true
}

func (s *Server) connectionID(w http.ResponseWriter, raw string) (string, bool) {
	if raw == "" {
		WriteErr(w, runerr.Validation("connection_id", "connection_id is required"))
		return "", false
	}
	return raw, true
}

func (s *Server) handleRemoteConnect(w http.ResponseWriter, r *http.Request) {
	var req remote.ConnectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	conn, err := s.remotes.Connect(r.Context(), req)
	if err != nil {
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, conn)
}

func (s *Server) handleRemoteConnections(w http.ResponseWriter, r *http.Request) {
	conns := s.remotes.Connections()
	if conns == nil {
		conns = []remote.Connection{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"connections": conns})
}

func (s *Server) handleRemoteDisconnect(w http.ResponseWriter, r *http.Request) {
	id, ok := s.connectionID(w, r.PathValue("id"))
	if !ok {
		return
	}
	cleanup := r.URL.Query().Get("cleanup_peer") == "true"
	if err := s.remotes.Disconnect(r.Context(), id, cleanup); err != nil {
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

func (s *Server) handleRemoteEnvironments(w http.ResponseWriter, r *http.Request) {
	id, ok := s.connectionID(w, r.URL.Query().Get("connection_id"))
	if !ok {
		return
	}
	envs, err := s.remotes.Environments(r.Context(), id)
	if err != nil {
		WriteErr(w, err)
		return
	}
	if envs == nil {
		envs = []remote.Environment{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"environments": envs})
}

func (s *Server) handleViewerStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ConnectionID string `json:"connection_id"`
		EnvName      string `json:"env_name"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	id, ok := s.connectionID(w, body.ConnectionID)
	if !ok {
		return
	}
	if body.EnvName == "" {
		WriteErr(w, runerr.Validation("env_name", "env_name is required"))
		return
	}
	status, err := s.remotes.StartViewer(r.Context(), id, body.EnvName)
	if err != nil {
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

func (s *Server) handleViewerStop(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ConnectionID string `json:"connection_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	id, ok := s.connectionID(w, body.ConnectionID)
	if !ok {
		return
	}
	if err := s.remotes.StopViewer(r.Context(), id); err != nil {
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleViewerStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.connectionID(w, r.URL.Query().Get("connection_id"))
	if !ok {
		return
	}
	status, err := s.remotes.ViewerStatus(id)
	if err != nil {
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

func (s *Server) handleRemoteHealth(w http.ResponseWriter, r *http.Request) {
	id, ok := s.connectionID(w, r.URL.Query().Get("connection_id"))
	if !ok {
		return
	}
	report, err := s.remotes.Health(r.Context(), id)
	if err != nil {
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, report)
}

func (s *Server) handleKnownHostAdd(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Host      string `json:"host"`
		Port      int    `json:"port"`
		KeyType   string `json:"key_type"`
		PublicKey string `json:"public_key"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Host == "" {
		WriteErr(w, runerr.Validation("host", "host is required"))
		return
	}
	if body.KeyType == "" || body.PublicKey == "" {
		WriteErr(w, runerr.Validation("public_key", "key_type and public_key are required"))
		return
	}
	if err := s.remotes.KnownHosts().Add(body.Host, body.Port, body.KeyType, body.PublicKey); err != nil {
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}
