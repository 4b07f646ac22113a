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

package index

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/runicorn/runicorn/internal/storage"
	runerr "github.com/runicorn/runicorn/pkg/errors"
)

// Pagination bounds for list queries.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Sort keys accepted by ListRuns.
const (
	SortByCreatedAt     = "created_at"
	SortByPrimaryMetric = "primary_metric"
)

// ListFilter narrows and orders a run listing.
type ListFilter struct {
	// PathPrefix keeps runs whose path equals the prefix or nests under it.
	PathPrefix string

	// StatusIn keeps runs whose status is one of these. Empty means all.
	StatusIn []storage.RunStatus

	// Deleted selects soft-deleted runs instead of live ones.
	Deleted bool

	// SortBy is created_at (default) or primary_metric.
	SortBy string

	// SortDesc reverses the sort order. Default: true for created_at.
	SortDir string

	Page    int
	PerPage int
}

// RunSummary is one row of a run listing.
type RunSummary struct {
	ID            string                 `json:"id"`
	Path          string                 `json:"path"`
	Alias         string                 `json:"alias,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	Status        storage.RunStatus      `json:"status"`
	PID           int                    `json:"pid,omitempty"`
	PrimaryMetric *storage.PrimaryMetric `json:"primary_metric,omitempty"`
	DeletedAt     *time.Time             `json:"deleted_at,omitempty"`
}

// Page is one page of run summaries.
type Page struct {
	Items   []RunSummary `json:"items"`
	Total   int          `json:"total"`
	Page    int          `json:"page"`
	PerPage int          `json:"per_page"`
	HasNext bool         `json:"has_next"`
	HasPrev bool         `json:"has_prev"`
}

// ListRuns returns one page of runs matching the filter, sorted by the
// requested key with a stable tie-break on id.
func (d *DB) ListRuns(ctx context.Context, filter ListFilter) (*Page, error) {
	page := filter.Page
	if page < 1 {
		page = 1
	}
	perPage := filter.PerPage
	if perPage <= 0 {
		perPage = DefaultPageSize
	}
	if perPage > MaxPageSize {
		perPage = MaxPageSize
	}

	where := []string{}
	args := []any{}

	if filter.Deleted {
		where = append(where, "deleted_at IS NOT NULL")
	} else {
		where = append(where, "deleted_at IS NULL")
	}
	if filter.PathPrefix != "" {
		where = append(where, "(path = ? OR path LIKE ?)")
		args = append(args, filter.PathPrefix, filter.PathPrefix+"/%")
	}
	if len(filter.StatusIn) > 0 {
		placeholders := make([]string, len(filter.StatusIn))
		for i, s := range filter.StatusIn {
			if !s.Valid() {
				return nil, runerr.Validation("status", fmt.Sprintf("unknown status %q", s))
			}
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ", ")))
	}
	whereClause := "WHERE " + strings.Join(where, " AND ")

	var total int
	countQuery := "SELECT COUNT(*) FROM runs " + whereClause
	if err := d.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}

	dir := "DESC"
	switch strings.ToLower(filter.SortDir) {
	case "asc":
		dir = "ASC"
	case "", "desc":
	default:
		return nil, runerr.Validation("sort_dir", fmt.Sprintf("unknown sort direction %q", filter.SortDir))
	}

	var orderBy string
	switch filter.SortBy {
	case "", SortByCreatedAt:
		orderBy = fmt.Sprintf("created_at %s, id %s", dir, dir)
	case SortByPrimaryMetric:
		// NULL best values sort last regardless of direction.
		orderBy = fmt.Sprintf("primary_metric_best IS NULL, primary_metric_best %s, id %s", dir, dir)
	default:
		return nil, runerr.Validation("sort_by", fmt.Sprintf("unknown sort key %q", filter.SortBy))
	}

	query := fmt.Sprintf(
		"SELECT id, path, alias, created_at, updated_at, status, pid, primary_metric_name, primary_metric_mode, primary_metric_best, primary_metric_step, deleted_at FROM runs %s ORDER BY %s LIMIT ? OFFSET ?",
		whereClause, orderBy)
	args = append(args, perPage, (page-1)*perPage)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	items := make([]RunSummary, 0, perPage)
	for rows.Next() {
		var (
			item            RunSummary
			alias           *string
			createdAt       int64
			updatedAt       int64
			pid             *int
			pmName, pmMode  *string
			pmBest          *float64
			pmStep          *int64
			deletedAtMillis *int64
		)
		if err := rows.Scan(&item.ID, &item.Path, &alias, &createdAt, &updatedAt,
			&item.Status, &pid, &pmName, &pmMode, &pmBest, &pmStep, &deletedAtMillis); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if alias != nil {
			item.Alias = *alias
		}
		if pid != nil {
			item.PID = *pid
		}
		item.CreatedAt = time.UnixMilli(createdAt).UTC()
		item.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		if pmName != nil {
			item.PrimaryMetric = &storage.PrimaryMetric{
				Name: *pmName,
				Mode: storage.MetricMode(strOr(pmMode, "max")),
				Best: pmBest,
				Step: pmStep,
			}
		}
		if deletedAtMillis != nil {
			t := time.UnixMilli(*deletedAtMillis).UTC()
			item.DeletedAt = &t
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &Page{
		Items:   items,
		Total:   total,
		Page:    page,
		PerPage: perPage,
		HasNext: page*perPage < total,
		HasPrev: page > 1,
	}, nil
}

func strOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}

// PathStat is one row of the flat path listing.
type PathStat struct {
	Path       string `json:"path"`
	RunCount   int    `json:"run_count"`
	HasRunning bool   `json:"has_running"`
}

// PathNode is one node of the nested path tree.
type PathNode struct {
	Name       string      `json:"name"`
	Path       string      `json:"path"`
	RunCount   int         `json:"run_count"`
	TotalCount int         `json:"total_count"`
	HasRunning bool        `json:"has_running"`
	Children   []*PathNode `json:"children,omitempty"`
}

// ListPaths returns each distinct run path with its direct run count.
// Soft-deleted runs never contribute. Stats can be skipped for a cheap
// name-only listing.
func (d *DB) ListPaths(ctx context.Context, includeStats bool) ([]PathStat, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT path, COUNT(*), SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END)
		FROM runs WHERE deleted_at IS NULL
		GROUP BY path ORDER BY path ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list paths: %w", err)
	}
	defer rows.Close()

	var stats []PathStat
	for rows.Next() {
		var st PathStat
		var running int
		if err := rows.Scan(&st.Path, &st.RunCount, &running); err != nil {
			return nil, err
		}
		st.HasRunning = running > 0
		if !includeStats {
			st.RunCount, st.HasRunning = 0, false
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// PathTree aggregates run paths into a nested tree. Each node carries the
// count of runs directly at the node, the total in its subtree, and whether
// any descendant run is still running.
func (d *DB) PathTree(ctx context.Context) ([]*PathNode, error) {
	stats, err := d.ListPaths(ctx, true)
	if err != nil {
		return nil, err
	}

	byPath := map[string]*PathNode{}
	var roots []*PathNode

	node := func(path string) *PathNode {
		if n, ok := byPath[path]; ok {
			return n
		}
		segs := strings.Split(path, "/")
		n := &PathNode{Name: segs[len(segs)-1], Path: path}
		byPath[path] = n
		if len(segs) == 1 {
			roots = append(roots, n)
		}
		return n
	}

	for _, st := range stats {
		segs := strings.Split(st.Path, "/")
		for i := 1; i <= len(segs); i++ {
			node(strings.Join(segs[:i], "/"))
		}
		leaf := byPath[st.Path]
		leaf.RunCount = st.RunCount

		// Propagate totals and the running flag up the chain.
		for i := 1; i <= len(segs); i++ {
			n := byPath[strings.Join(segs[:i], "/")]
			n.TotalCount += st.RunCount
			if st.HasRunning {
				n.HasRunning = true
			}
		}
	}

	// Attach children, sorted by name for a deterministic shape.
	for path, n := range byPath {
		if i := strings.LastIndex(path, "/"); i >= 0 {
			parent := byPath[path[:i]]
			parent.Children = append(parent.Children, n)
		}
	}
	var sortChildren func(nodes []*PathNode)
	sortChildren = func(nodes []*PathNode) {
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
		for _, n := range nodes {
			sortChildren(n.Children)
		}
	}
	sortChildren(roots)
	return roots, nil
}
