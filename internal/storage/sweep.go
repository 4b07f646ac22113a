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
	"context"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"
)

// SweeperConfig configures the liveness sweep.
type SweeperConfig struct {
	// Interval is how often the sweep runs. Default: 30s.
	Interval time.Duration

	// IdleThreshold is how long a running run may go without a status
	// update before it is considered abandoned. Default: 120s.
	IdleThreshold time.Duration
}

// Sweeper periodically transitions abandoned running runs to stale.
// A run is abandoned when its recorded writer pid is gone AND its status has
// not been updated within the idle threshold. Either signal alone is not
// enough: a live writer may idle between epochs, and pid reuse can make a
// dead writer look alive.
type Sweeper struct {
	store  *Store
	cfg    SweeperConfig
	logger *slog.Logger
}

// NewSweeper creates a sweeper over the given store.
func NewSweeper(store *Store, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = 120 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: store, cfg: cfg, logger: logger.With("component", "sweeper")}
}

// Run blocks, sweeping on every tick until the context is cancelled.
func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sw.SweepOnce(); n > 0 {
				sw.logger.Info("marked stale runs", slog.Int("count", n))
			}
		}
	}
}

// SweepOnce scans all runs once and returns how many were marked stale.
func (sw *Sweeper) SweepOnce() int {
	ids, err := sw.store.ListRunIDs()
	if err != nil {
		sw.logger.Warn("sweep scan failed", slog.Any("error", err))
		return 0
	}

	marked := 0
	cutoff := time.Now().Add(-sw.cfg.IdleThreshold)
	for _, id := range ids {
		run, err := sw.store.GetRun(id)
		if err != nil {
			continue
		}
		if run.Status.Status != StatusRunning {
			continue
		}
		if run.Status.UpdatedAt.After(cutoff) {
			continue
		}
		if run.Status.PID > 0 && pidAlive(run.Status.PID) {
			continue
		}
		if err := sw.store.MarkStale(id); err != nil {
			sw.logger.Warn("marking stale failed", slog.String("run_id", id), slog.Any("error", err))
			continue
		}
		marked++
	}
	return marked
}

// pidAlive probes a pid with signal 0.
func pidAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return err == unix.EPERM
}
