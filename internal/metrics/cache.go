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

// Package metrics turns a run's event log into query tables: an incremental
// parse cache over events.jsonl plus LTTB downsampling for charting.
package metrics

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/runicorn/runicorn/internal/storage"
)

// DefaultCacheCapacity is how many runs the cache holds before evicting.
const DefaultCacheCapacity = 64

type entry struct {
	mu     sync.Mutex
	events []storage.Event
	offset int64
}

// Cache is a process-wide LRU over parsed event logs. An entry remembers the
// byte offset it consumed, so a hit on a grown file only parses the tail.
// A file smaller than the consumed offset means the log was replaced; the
// entry is reparsed from scratch.
type Cache struct {
	layout storage.Layout
	logger *slog.Logger

	mu  sync.Mutex // guards entry creation
	lru *lru.Cache[string, *entry]
}

// NewCache builds a cache over the event logs under layout. capacity <= 0
// selects DefaultCacheCapacity.
func NewCache(layout storage.Layout, capacity int, logger *slog.Logger) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	l, err := lru.New[string, *entry](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics cache: %w", err)
	}
	return &Cache{layout: layout, logger: logger.With("component", "metrics"), lru: l}, nil
}

// Events returns the parsed events of a run, reading only what the cache has
// not seen yet. The returned slice is shared; callers must not mutate it.
func (c *Cache) Events(runID string) ([]storage.Event, error) {
	path := c.layout.RunFile(runID, storage.EventsFile)

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	size := info.Size()

	c.mu.Lock()
	e, ok := c.lru.Get(runID)
	if !ok {
		e = &entry{}
		c.lru.Add(runID, e)
	}
	c.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if size < e.offset {
		// Shrunk or replaced file: drop the stale parse.
		c.logger.Debug("event log shrank, reparsing",
			slog.String("run_id", runID), slog.Int64("size", size), slog.Int64("offset", e.offset))
		e.events, e.offset = nil, 0
	}
	if size == e.offset {
		return e.events, nil
	}

	tail, newOffset, err := storage.ReadEvents(path, e.offset)
	if err != nil {
		return nil, err
	}
	e.events = append(e.events, tail...)
	e.offset = newOffset
	return e.events, nil
}

// Invalidate drops a run's cache entry.
func (c *Cache) Invalidate(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(runID)
}
