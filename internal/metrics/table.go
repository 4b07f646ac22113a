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

package metrics

import (
	"fmt"
	"sort"

	"github.com/runicorn/runicorn/internal/storage"
)

// X axes accepted by BuildTable.
const (
	XStep = "step"
	XTime = "time"
)

// Table is the chartable view of a run's metrics: one row per retained
// event, one column per metric name (union across events), missing cells nil.
type Table struct {
	Columns []string     `json:"columns"`
	Rows    [][]*float64 `json:"rows"`
	Total   int          `json:"total"`
	Sampled int          `json:"sampled"`

	// LastStep is the step of the last raw event carrying one, nil if none.
	LastStep *int64 `json:"last_step,omitempty"`
}

// BuildTable assembles events into a table on the given x axis. A positive
// target smaller than the raw row count downsamples each series with LTTB
// independently; the returned rows are the union of the retained x values.
func BuildTable(events []storage.Event, xAxis string, target int) (*Table, error) {
	if xAxis != XStep && xAxis != XTime {
		return nil, fmt.Errorf("unknown x axis %q", xAxis)
	}

	// Events without a step cannot sit on a step axis.
	usable := events
	if xAxis == XStep {
		usable = make([]storage.Event, 0, len(events))
		for _, ev := range events {
			if ev.Step != nil {
				usable = append(usable, ev)
			}
		}
	}

	var lastStep *int64
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Step != nil {
			v := *events[i].Step
			lastStep = &v
			break
		}
	}

	nameSet := map[string]bool{}
	for _, ev := range usable {
		for name := range ev.Fields {
			nameSet[name] = true
		}
	}
	names := make([]string, 0, len(nameSet))
	for name := range nameSet {
		names = append(names, name)
	}
	sort.Strings(names)

	xOf := func(ev storage.Event) float64 {
		if xAxis == XStep {
			return float64(*ev.Step)
		}
		return float64(ev.Time)
	}

	total := len(usable)
	t := &Table{Columns: append([]string{xAxis}, names...), Total: total, LastStep: lastStep}

	// Which x values survive. Without downsampling, all of them.
	keep := map[float64][]storage.Event(nil)
	var xs []float64
	if target > 0 && target < total {
		kept := map[float64]bool{}
		for _, name := range names {
			series := make([]Point, 0, total)
			for _, ev := range usable {
				if v, ok := ev.Fields[name]; ok {
					series = append(series, Point{X: xOf(ev), Y: v})
				}
			}
			for _, p := range Downsample(series, target) {
				kept[p.X] = true
			}
		}
		keep = map[float64][]storage.Event{}
		for _, ev := range usable {
			x := xOf(ev)
			if kept[x] {
				if _, seen := keep[x]; !seen {
					xs = append(xs, x)
				}
				keep[x] = append(keep[x], ev)
			}
		}
	} else {
		keep = map[float64][]storage.Event{}
		for _, ev := range usable {
			x := xOf(ev)
			if _, seen := keep[x]; !seen {
				xs = append(xs, x)
			}
			keep[x] = append(keep[x], ev)
		}
	}
	sort.Float64s(xs)

	colIdx := make(map[string]int, len(names))
	for i, name := range names {
		colIdx[name] = i + 1
	}

	t.Rows = make([][]*float64, 0, len(xs))
	for _, x := range xs {
		row := make([]*float64, len(t.Columns))
		xv := x
		row[0] = &xv
		// Later events at the same x win.
		for _, ev := range keep[x] {
			for name, v := range ev.Fields {
				vv := v
				row[colIdx[name]] = &vv
			}
		}
		t.Rows = append(t.Rows, row)
	}
	t.Sampled = len(t.Rows)
	return t, nil
}
