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

// Package index maintains the SQLite projection of run metadata and metric
// points. The projection is derived: the run directories stay the source of
// truth, and a missing or stale index is rebuilt by scanning them.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/runicorn/runicorn/internal/storage"
)

// DB is the SQLite-backed index.
type DB struct {
	db     *sql.DB
	logger *slog.Logger

	// SQLite allows one writer; write transactions are serialized here so
	// readers (WAL mode) never block.
	writeMu sync.Mutex
}

// Open opens (or creates) the index database at path.
// Special value ":memory:" creates an in-memory database.
func Open(path string, logger *slog.Logger) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	// WAL mode for concurrent readers alongside the single writer.
	connStr := path
	if path != ":memory:" {
		connStr += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// Each pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(5)
		db.SetMaxIdleConns(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	d := &DB{db: db, logger: logger.With("component", "index")}
	if err := d.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return d, nil
}

// migrate creates the database schema.
func (d *DB) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			alias TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			status TEXT NOT NULL,
			pid INTEGER,
			primary_metric_name TEXT,
			primary_metric_mode TEXT,
			primary_metric_best REAL,
			primary_metric_step INTEGER,
			deleted_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_path ON runs(path)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_deleted_at ON runs(deleted_at)`,

		`CREATE TABLE IF NOT EXISTS metrics (
			run_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			name TEXT NOT NULL,
			value REAL NOT NULL,
			step INTEGER,
			stage TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_run_name_step ON metrics(run_id, name, step)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// RunUpserted implements storage.Observer. Index write failures are logged,
// never propagated: the scan-and-heal pass recovers them.
func (d *DB) RunUpserted(run *storage.Run) {
	if err := d.UpsertRun(context.Background(), run); err != nil {
		d.logger.Warn("index upsert failed", slog.String("run_id", run.Meta.ID), slog.Any("error", err))
	}
}

// EventAppended implements storage.Observer.
func (d *DB) EventAppended(runID string, ev storage.Event) {
	if err := d.InsertEvent(context.Background(), runID, ev); err != nil {
		d.logger.Warn("index metric insert failed", slog.String("run_id", runID), slog.Any("error", err))
	}
}

// RunRemoved implements storage.Observer.
func (d *DB) RunRemoved(runID string) {
	if err := d.DeleteRun(context.Background(), runID); err != nil {
		d.logger.Warn("index delete failed", slog.String("run_id", runID), slog.Any("error", err))
	}
}

// UpsertRun mirrors a run's current metadata into the index.
func (d *DB) UpsertRun(ctx context.Context, run *storage.Run) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	var pmName, pmMode *string
	var pmBest *float64
	var pmStep *int64
	if pm := run.Status.PrimaryMetric; pm != nil {
		name, mode := pm.Name, string(pm.Mode)
		pmName, pmMode = &name, &mode
		pmBest = pm.Best
		pmStep = pm.Step
	}
	var deletedAt *int64
	if run.Status.DeletedAt != nil {
		v := run.Status.DeletedAt.UnixMilli()
		deletedAt = &v
	}

	query := `
		INSERT INTO runs (id, path, alias, created_at, updated_at, status, pid,
			primary_metric_name, primary_metric_mode, primary_metric_best, primary_metric_step, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			path = excluded.path,
			alias = excluded.alias,
			updated_at = excluded.updated_at,
			status = excluded.status,
			pid = excluded.pid,
			primary_metric_name = excluded.primary_metric_name,
			primary_metric_mode = excluded.primary_metric_mode,
			primary_metric_best = excluded.primary_metric_best,
			primary_metric_step = excluded.primary_metric_step,
			deleted_at = excluded.deleted_at
	`
	_, err := d.db.ExecContext(ctx, query,
		run.Meta.ID, run.Meta.Path, run.Meta.Alias,
		run.Meta.CreatedAt.UnixMilli(), run.Status.UpdatedAt.UnixMilli(),
		string(run.Status.Status), run.Status.PID,
		pmName, pmMode, pmBest, pmStep, deletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert run: %w", err)
	}
	return nil
}

// InsertEvent mirrors one metric event (one row per field).
func (d *DB) InsertEvent(ctx context.Context, runID string, ev storage.Event) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metrics (run_id, ts, name, value, step, stage) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	var stage *string
	if ev.Stage != "" {
		stage = &ev.Stage
	}
	for name, value := range ev.Fields {
		if _, err := stmt.ExecContext(ctx, runID, ev.Time, name, value, ev.Step, stage); err != nil {
			return fmt.Errorf("failed to insert metric row: %w", err)
		}
	}
	return tx.Commit()
}

// DeleteRun drops a run and its metric rows from the index.
func (d *DB) DeleteRun(ctx context.Context, runID string) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	if _, err := d.db.ExecContext(ctx, `DELETE FROM metrics WHERE run_id = ?`, runID); err != nil {
		return err
	}
	_, err := d.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, runID)
	return err
}

// Rebuild scans the run directories and heals the projection: every run is
// re-upserted, runs missing from disk are dropped, and metric rows are
// re-derived for runs whose row count no longer matches the event log.
func (d *DB) Rebuild(ctx context.Context, store *storage.Store) error {
	ids, err := store.ListRunIDs()
	if err != nil {
		return err
	}
	onDisk := make(map[string]bool, len(ids))

	for _, id := range ids {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		run, err := store.GetRun(id)
		if err != nil {
			d.logger.Warn("skipping unreadable run during rebuild", slog.String("run_id", id), slog.Any("error", err))
			continue
		}
		onDisk[id] = true
		if err := d.UpsertRun(ctx, run); err != nil {
			return err
		}

		events, err := store.ReadRunEvents(id)
		if err != nil {
			continue
		}
		want := 0
		for _, ev := range events {
			want += len(ev.Fields)
		}
		var have int
		if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM metrics WHERE run_id = ?`, id).Scan(&have); err != nil {
			return err
		}
		if have == want {
			continue
		}
		if err := d.reinsertMetrics(ctx, id, events); err != nil {
			return err
		}
	}

	// Drop index entries for runs that no longer exist on disk.
	rows, err := d.db.QueryContext(ctx, `SELECT id FROM runs`)
	if err != nil {
		return err
	}
	var gone []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		if !onDisk[id] {
			gone = append(gone, id)
		}
	}
	rows.Close()
	for _, id := range gone {
		if err := d.DeleteRun(ctx, id); err != nil {
			return err
		}
	}

	d.logger.Info("index rebuilt", slog.Int("runs", len(onDisk)), slog.Int("removed", len(gone)))
	return nil
}

// reinsertMetrics replaces all metric rows of one run in a single transaction.
func (d *DB) reinsertMetrics(ctx context.Context, runID string, events []storage.Event) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM metrics WHERE run_id = ?`, runID); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metrics (run_id, ts, name, value, step, stage) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ev := range events {
		var stage *string
		if ev.Stage != "" {
			s := ev.Stage
			stage = &s
		}
		for name, value := range ev.Fields {
			if _, err := stmt.ExecContext(ctx, runID, ev.Time, name, value, ev.Step, stage); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}
