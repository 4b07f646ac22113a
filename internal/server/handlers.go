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
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/runicorn/runicorn/internal/index"
	"github.com/runicorn/runicorn/internal/metrics"
	"github.com/runicorn/runicorn/internal/storage"
	runerr "github.com/runicorn/runicorn/pkg/errors"
)

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := index.ListFilter{
		PathPrefix: q.Get("path_prefix"),
		SortBy:     q.Get("sort_by"),
		SortDir:    q.Get("sort_dir"),
		Deleted:    q.Get("deleted") == "true",
	}
	if filter.PathPrefix != "" {
		if err := storage.ValidateRunPath(filter.PathPrefix); err != nil {
			WriteErr(w, err)
			return
		}
	}
	if statuses := q.Get("status"); statuses != "" {
		for _, st := range strings.Split(statuses, ",") {
			filter.StatusIn = append(filter.StatusIn, storage.RunStatus(st))
		}
	}
	var err error
	if filter.Page, err = intParam(q.Get("page"), 1); err != nil {
		WriteErr(w, runerr.Validation("page", err.Error()))
		return
	}
	if filter.PerPage, err = intParam(q.Get("per_page"), 0); err != nil {
		WriteErr(w, runerr.Validation("per_page", err.Error()))
		return
	}

	page, err := s.idx.ListRuns(r.Context(), filter)
	if err != nil {
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, page)
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("not a non-negative integer: %q", raw)
	}
	return v, nil
}

func (s *Server) runID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if err := storage.ValidateRunID(id); err != nil {
		WriteErr(w, err)
		return "", false
	}
	return id, true
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}
	run, err := s.store.GetRun(id)
	if err != nil {
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunMetrics(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetRun(id); err != nil {
		WriteErr(w, err)
		return
	}

	q := r.URL.Query()
	xAxis := q.Get("x")
	if xAxis == "" {
		xAxis = metrics.XStep
	}
	target, err := intParam(q.Get("downsample"), 0)
	if err != nil {
		WriteErr(w, runerr.Validation("downsample", err.Error()))
		return
	}

	events, err := s.cache.Events(id)
	if err != nil {
		WriteErr(w, err)
		return
	}
	table, err := metrics.BuildTable(events, xAxis, target)
	if err != nil {
		WriteErr(w, runerr.Validation("x", err.Error()))
		return
	}

	w.Header().Set("X-Row-Count", fmt.Sprint(table.Sampled))
	w.Header().Set("X-Total-Count", fmt.Sprint(table.Total))
	if table.LastStep != nil {
		w.Header().Set("X-Last-Step", fmt.Sprint(*table.LastStep))
	}
	WriteJSON(w, http.StatusOK, table)
}

func (s *Server) handleRunLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	from, err := intParam(q.Get("from"), 0)
	if err != nil {
		WriteErr(w, runerr.Validation("from", err.Error()))
		return
	}
	to, err := intParam(q.Get("to"), 0)
	if err != nil {
		WriteErr(w, runerr.Validation("to", err.Error()))
		return
	}

	body, err := s.store.ReadLogRange(id, int64(from), int64(to))
	if err != nil {
		WriteErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(body)
}

func (s *Server) handleListPaths(w http.ResponseWriter, r *http.Request) {
	includeStats := r.URL.Query().Get("include_stats") == "true"
	paths, err := s.idx.ListPaths(r.Context(), includeStats)
	if err != nil {
		WriteErr(w, err)
		return
	}
	if paths == nil {
		paths = []index.PathStat{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"paths": paths})
}

func (s *Server) handlePathTree(w http.ResponseWriter, r *http.Request) {
	tree, err := s.idx.PathTree(r.Context())
	if err != nil {
		WriteErr(w, err)
		return
	}
	if tree == nil {
		tree = []*index.PathNode{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"tree": tree})
}

func (s *Server) handlePathRuns(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		WriteErr(w, runerr.Validation("prefix", "prefix is required"))
		return
	}
	if err := storage.ValidateRunPath(prefix); err != nil {
		WriteErr(w, err)
		return
	}
	page, err := s.idx.ListRuns(r.Context(), index.ListFilter{PathPrefix: prefix})
	if err != nil {
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, page)
}

func (s *Server) handleSoftDelete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prefix string `json:"prefix"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteErr(w, runerr.Validation("body", "invalid JSON body"))
		return
	}
	if body.Prefix == "" {
		WriteErr(w, runerr.Validation("prefix", "prefix is required"))
		return
	}
	if err := storage.ValidateRunPath(body.Prefix); err != nil {
		WriteErr(w, err)
		return
	}

	n, err := s.store.SoftDeletePrefix(body.Prefix)
	if err != nil {
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		WriteErr(w, runerr.Validation("prefix", "prefix is required"))
		return
	}
	if err := storage.ValidateRunPath(prefix); err != nil {
		WriteErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", strings.ReplaceAll(prefix, "/", "_")+".tar.gz"))
	if _, err := s.store.ExportPrefix(prefix, w); err != nil {
		// Headers are gone; all we can do is log and cut the stream.
		s.logger.Error("export failed", "prefix", prefix, "error", err)
	}
}

func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	digest := r.PathValue("digest")
	p, err := s.engine.BlobPath(digest)
	if err != nil {
		WriteErr(w, err)
		return
	}

	etag := fmt.Sprintf("%q", digest)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	// Content is immutable: the digest IS the identity.
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeFile(w, r, p)
}
