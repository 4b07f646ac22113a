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

package storage

import (
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	runerr "github.com/runicorn/runicorn/pkg/errors"
)

// maxEventBytes bounds one serialized event record. Records at or below this
// size are written in a single write call, which keeps appends atomic at the
// filesystem level.
const maxEventBytes = 4096

// Observer receives change notifications after file writes succeed. The
// index subscribes here; failures on the observer side never fail the write
// (the next scan-and-heal pass recovers).
type Observer interface {
	RunUpserted(run *Run)
	EventAppended(runID string, ev Event)
	RunRemoved(runID string)
}

// Store is the run storage engine rooted at a data directory.
// File contents are the source of truth; everything else is derived.
type Store struct {
	layout Layout
	logger *slog.Logger

	obsMu    sync.RWMutex
	observer Observer

	// Per-run in-process write serialization. Cross-process writers
	// additionally coordinate via the run's .lock file.
	mu       sync.Mutex
	runLocks map[string]*sync.Mutex
}

// Open initializes the data root and returns a Store.
func Open(root string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := Layout{Root: root}
	for _, dir := range []string{l.RunsDir(), l.BlobsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating data root: %w", err)
		}
	}
	return &Store{
		layout:   l,
		logger:   logger.With("component", "storage"),
		runLocks: make(map[string]*sync.Mutex),
	}, nil
}

// Layout exposes path computation under this store's root.
func (s *Store) Layout() Layout {
	return s.layout
}

// SetObserver registers the change observer. Pass nil to detach.
func (s *Store) SetObserver(o Observer) {
	s.obsMu.Lock()
	s.observer = o
	s.obsMu.Unlock()
}

func (s *Store) notifyRun(run *Run) {
	s.obsMu.RLock()
	o := s.observer
	s.obsMu.RUnlock()
	if o != nil {
		o.RunUpserted(run)
	}
}

func (s *Store) notifyEvent(runID string, ev Event) {
	s.obsMu.RLock()
	o := s.observer
	s.obsMu.RUnlock()
	if o != nil {
		o.EventAppended(runID, ev)
	}
}

func (s *Store) notifyRemoved(runID string) {
	s.obsMu.RLock()
	o := s.observer
	s.obsMu.RUnlock()
	if o != nil {
		o.RunRemoved(runID)
	}
}

// runLock returns the in-process mutex for a run.
func (s *Store) runLock(runID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.runLocks[runID]
	if !ok {
		m = &sync.Mutex{}
		s.runLocks[runID] = m
	}
	return m
}

// fileLock returns the cross-process lock for a run.
func (s *Store) fileLock(runID string) *FileLock {
	return NewFileLock(s.layout.RunFile(runID, LockFile))
}

// CreateOptions carries optional attributes for CreateRun.
type CreateOptions struct {
	Alias string

	// PID is the writer process id; defaults to os.Getpid().
	PID int

	// Now overrides the clock (tests).
	Now time.Time
}

// CreateRun allocates a run id, creates the run directory, and writes the
// initial metadata files. On an id collision the allocation is retried.
func (s *Store) CreateRun(path string, opts CreateOptions) (*Run, error) {
	if err := ValidateRunPath(path); err != nil {
		return nil, err
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	pid := opts.PID
	if pid == 0 {
		pid = os.Getpid()
	}

	var runID, dir string
	for attempt := 0; ; attempt++ {
		id, err := NewRunID(now)
		if err != nil {
			return nil, err
		}
		dir = s.layout.RunDir(id)
		if err := os.Mkdir(s.layout.RunsDir(), 0755); err != nil && !os.IsExist(err) {
			return nil, err
		}
		err = os.Mkdir(dir, 0755)
		if err == nil {
			runID = id
			break
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("creating run directory: %w", err)
		}
		if attempt >= 5 {
			return nil, fmt.Errorf("run id collision persisted after %d attempts", attempt+1)
		}
	}

	hostname, _ := os.Hostname()
	meta := Meta{
		ID:        runID,
		Path:      path,
		Alias:     opts.Alias,
		CreatedAt: now.UTC(),
		Hostname:  hostname,
		OS:        runtime.GOOS,
	}
	status := Status{
		Status:    StatusRunning,
		PID:       pid,
		UpdatedAt: now.UTC(),
	}

	if err := os.MkdirAll(s.layout.MediaPath(runID), 0755); err != nil {
		return nil, err
	}
	if err := writeJSONAtomic(s.layout.RunFile(runID, MetaFile), &meta); err != nil {
		return nil, err
	}
	if err := writeJSONAtomic(s.layout.RunFile(runID, StatusFile), &status); err != nil {
		return nil, err
	}
	for _, name := range []string{EventsFile, LogsFile} {
		f, err := os.OpenFile(s.layout.RunFile(runID, name), os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		f.Close()
	}

	run := &Run{Meta: meta, Status: status}
	s.logger.Info("run created", slog.String("run_id", runID), slog.String("path", path))
	s.notifyRun(run)
	return run, nil
}

// GetRun loads the combined detail view of a run from its files.
func (s *Store) GetRun(runID string) (*Run, error) {
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}
	var run Run
	if err := readJSON(s.layout.RunFile(runID, MetaFile), &run.Meta); err != nil {
		if os.IsNotExist(err) {
			return nil, runerr.NotFound("run", runID)
		}
		return nil, err
	}
	if err := readJSON(s.layout.RunFile(runID, StatusFile), &run.Status); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	// summary.json is optional
	if err := readJSON(s.layout.RunFile(runID, SummaryFile), &run.Summary); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return &run, nil
}

// ListRunIDs enumerates run directories in lexicographic (= chronological) order.
func (s *Store) ListRunIDs() ([]string, error) {
	entries, err := os.ReadDir(s.layout.RunsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && RunIDRe.MatchString(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// AppendEvent appends one metric row to events.jsonl and, when the new value
// strictly improves the primary metric, updates status.json. The event write
// happens before the status update; a reader never sees the best value ahead
// of the event that produced it.
func (s *Store) AppendEvent(runID string, step *int64, stage string, fields map[string]float64) error {
	if err := ValidateRunID(runID); err != nil {
		return err
	}
	if len(fields) == 0 {
		return runerr.Validation("fields", "at least one metric is required")
	}

	ev := Event{
		Time:   time.Now().UnixMilli(),
		Step:   step,
		Stage:  stage,
		Fields: fields,
	}

	mu := s.runLock(runID)
	mu.Lock()
	defer mu.Unlock()

	fl := s.fileLock(runID)
	if err := fl.Lock(); err != nil {
		return err
	}
	defer fl.Unlock()

	if err := appendEvent(s.layout.RunFile(runID, EventsFile), ev); err != nil {
		if os.IsNotExist(err) {
			return runerr.NotFound("run", runID)
		}
		return err
	}

	if err := s.maybeUpdatePrimaryLocked(runID, ev); err != nil {
		// The event is durable; the primary-metric projection heals on the
		// next improving append.
		s.logger.Warn("primary metric update failed", slog.String("run_id", runID), slog.Any("error", err))
	}

	s.notifyEvent(runID, ev)
	return nil
}

// maybeUpdatePrimaryLocked updates status.json.primary_metric if the event
// improves it. Caller holds both the in-process and the file lock.
func (s *Store) maybeUpdatePrimaryLocked(runID string, ev Event) error {
	var status Status
	if err := readJSON(s.layout.RunFile(runID, StatusFile), &status); err != nil {
		return err
	}
	pm := status.PrimaryMetric
	if pm == nil {
		return nil
	}
	value, ok := ev.Fields[pm.Name]
	if !ok {
		return nil
	}
	if pm.Best != nil && !pm.Mode.Improves(value, *pm.Best) {
		return nil
	}

	v := value
	pm.Best = &v
	pm.Step = ev.Step
	status.UpdatedAt = time.Now().UTC()
	if err := writeJSONAtomic(s.layout.RunFile(runID, StatusFile), &status); err != nil {
		return err
	}
	if run, err := s.GetRun(runID); err == nil {
		s.notifyRun(run)
	}
	return nil
}

// AppendLog appends raw bytes to logs.txt. ANSI escapes and carriage-return
// progress updates pass through untouched.
func (s *Store) AppendLog(runID string, b []byte) error {
	if err := ValidateRunID(runID); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	f, err := os.OpenFile(s.layout.RunFile(runID, LogsFile), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return runerr.NotFound("run", runID)
		}
		return err
	}
	defer f.Close()
	_, err = f.Write(b)
	return err
}

// LogImage stores media bytes under media/ with the filename
// {step}_{sanitized_key}.{ext}. Returns the stored filename.
func (s *Store) LogImage(runID, key string, data []byte, step *int64) (string, error) {
	if err := ValidateRunID(runID); err != nil {
		return "", err
	}
	if key == "" {
		return "", runerr.Validation("key", "media key must not be empty")
	}

	ext := filepath.Ext(key)
	base := SanitizeKey(strings.TrimSuffix(key, ext))
	if ext == "" || mime.TypeByExtension(ext) == "" && len(ext) > 5 {
		ext = ".bin"
	}
	var name string
	if step != nil {
		name = fmt.Sprintf("%d_%s%s", *step, base, ext)
	} else {
		name = base + ext
	}

	dir := s.layout.MediaPath(runID)
	if _, err := os.Stat(s.layout.RunDir(runID)); err != nil {
		if os.IsNotExist(err) {
			return "", runerr.NotFound("run", runID)
		}
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	if err := WriteFileAtomic(filepath.Join(dir, name), data, 0644); err != nil {
		return "", err
	}
	return name, nil
}

// SetPrimaryMetric records the primary metric name and mode. Idempotent; the
// best value carries over only when the name is unchanged.
func (s *Store) SetPrimaryMetric(runID, name string, mode MetricMode) error {
	if err := ValidateRunID(runID); err != nil {
		return err
	}
	if name == "" {
		return runerr.Validation("name", "metric name must not be empty")
	}
	if mode != ModeMax && mode != ModeMin {
		return runerr.Validation("mode", fmt.Sprintf("mode must be max or min, got %q", mode))
	}

	return s.updateStatus(runID, func(status *Status) {
		if status.PrimaryMetric != nil && status.PrimaryMetric.Name == name && status.PrimaryMetric.Mode == mode {
			return
		}
		status.PrimaryMetric = &PrimaryMetric{Name: name, Mode: mode}
	})
}

// UpdateSummary merges update into summary.json.
func (s *Store) UpdateSummary(runID string, update map[string]any) error {
	if err := ValidateRunID(runID); err != nil {
		return err
	}
	mu := s.runLock(runID)
	mu.Lock()
	defer mu.Unlock()

	fl := s.fileLock(runID)
	if err := fl.Lock(); err != nil {
		return err
	}
	defer fl.Unlock()

	if _, err := os.Stat(s.layout.RunDir(runID)); err != nil {
		if os.IsNotExist(err) {
			return runerr.NotFound("run", runID)
		}
		return err
	}

	summary := map[string]any{}
	path := s.layout.RunFile(runID, SummaryFile)
	if err := readJSON(path, &summary); err != nil && !os.IsNotExist(err) {
		return err
	}
	for k, v := range update {
		summary[k] = v
	}
	return writeJSONAtomic(path, summary)
}

// Finish writes a terminal status. Whatever terminal status the writer
// supplies is preserved verbatim; finishing an already terminal run is a
// no-op when the status matches and an error otherwise.
func (s *Store) Finish(runID string, final RunStatus) error {
	if err := ValidateRunID(runID); err != nil {
		return err
	}
	if !final.Terminal() {
		return runerr.Validation("status", fmt.Sprintf("%q is not a terminal status", final))
	}

	var conflict error
	err := s.updateStatus(runID, func(status *Status) {
		if status.Status.Terminal() {
			if status.Status != final {
				conflict = runerr.Validation("status", fmt.Sprintf("run already %s", status.Status))
			}
			return
		}
		status.Status = final
	})
	if err != nil {
		return err
	}
	if conflict != nil {
		return conflict
	}
	s.logger.Info("run finished", slog.String("run_id", runID), slog.String("status", string(final)))
	return nil
}

// MarkStale transitions a running run to stale. Used by the liveness sweep.
func (s *Store) MarkStale(runID string) error {
	return s.updateStatus(runID, func(status *Status) {
		if status.Status == StatusRunning {
			status.Status = StatusStale
		}
	})
}

// SoftDelete flags the run as deleted without touching its files.
func (s *Store) SoftDelete(runID string) error {
	now := time.Now().UTC()
	return s.updateStatus(runID, func(status *Status) {
		if status.DeletedAt == nil {
			status.DeletedAt = &now
		}
	})
}

// SoftDeletePrefix soft-deletes every non-deleted run whose path equals the
// prefix or lives under it. Returns the number of runs flagged.
func (s *Store) SoftDeletePrefix(prefix string) (int, error) {
	if err := ValidateRunPath(prefix); err != nil {
		return 0, err
	}
	ids, err := s.ListRunIDs()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, id := range ids {
		run, err := s.GetRun(id)
		if err != nil {
			continue
		}
		if run.Deleted() || !PathHasPrefix(run.Meta.Path, prefix) {
			continue
		}
		if err := s.SoftDelete(id); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// HardDelete removes the run directory permanently. Blobs the run uniquely
// referenced become orphans and are collected by the assets sweep.
func (s *Store) HardDelete(runID string) error {
	if err := ValidateRunID(runID); err != nil {
		return err
	}
	dir := s.layout.RunDir(runID)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return runerr.NotFound("run", runID)
		}
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.runLocks, runID)
	s.mu.Unlock()
	s.notifyRemoved(runID)
	s.logger.Info("run deleted", slog.String("run_id", runID))
	return nil
}

// updateStatus applies fn to status.json under both locks and persists the
// result atomically.
func (s *Store) updateStatus(runID string, fn func(*Status)) error {
	mu := s.runLock(runID)
	mu.Lock()
	defer mu.Unlock()

	fl := s.fileLock(runID)
	if err := fl.Lock(); err != nil {
		if os.IsNotExist(err) {
			return runerr.NotFound("run", runID)
		}
		return err
	}
	defer fl.Unlock()

	path := s.layout.RunFile(runID, StatusFile)
	var status Status
	if err := readJSON(path, &status); err != nil {
		if os.IsNotExist(err) {
			return runerr.NotFound("run", runID)
		}
		return err
	}

	before := status
	fn(&status)
	if status == before {
		return nil
	}
	status.UpdatedAt = time.Now().UTC()
	if err := writeJSONAtomic(path, &status); err != nil {
		return err
	}
	if run, err := s.GetRun(runID); err == nil {
		s.notifyRun(run)
	}
	return nil
}

// PathHasPrefix reports whether run path p equals prefix or is nested under it.
func PathHasPrefix(p, prefix string) bool {
	if p == prefix {
		return true
	}
	return strings.HasPrefix(p, prefix+"/")
}
