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

// Package service assembles the full viewer stack: storage, index, metrics
// cache, assets engine, remote controller, and the HTTP server. Both the
// CLI viewer command and the standalone daemon build on it.
package service

import (
	"context"
	"log/slog"

	"github.com/runicorn/runicorn/internal/assets"
	"github.com/runicorn/runicorn/internal/config"
	"github.com/runicorn/runicorn/internal/index"
	"github.com/runicorn/runicorn/internal/metrics"
	"github.com/runicorn/runicorn/internal/remote"
	"github.com/runicorn/runicorn/internal/server"
	"github.com/runicorn/runicorn/internal/storage"
)

// Options are the caller's overrides on top of the loaded configuration.
// Zero values defer to the config file, environment, and defaults.
type Options struct {
	Host     string
	Port     int
	DataRoot string

	// Version is the release reported by /api/health and used for remote
	// peer compatibility.
	Version string

	// DisableRemote turns off the remote controller and its API. Peers run
	// with it off: a peer forwarding to further peers is not supported.
	DisableRemote bool
}

// Run starts the viewer service and blocks until ctx is cancelled or the
// server fails. All components shut down before it returns.
func Run(ctx context.Context, opts Options, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if opts.DataRoot != "" {
		cfg.DataRoot = opts.DataRoot
	}
	if opts.Host != "" {
		cfg.Host = opts.Host
	}
	if opts.Port != 0 {
		cfg.Port = opts.Port
	}

	store, err := storage.Open(cfg.DataRoot, logger)
	if err != nil {
		return err
	}

	idx, err := index.Open(store.Layout().IndexPath(), logger)
	if err != nil {
		return err
	}
	defer idx.Close()
	store.SetObserver(idx)

	// Heal the index from the files before serving; the files are the
	// source of truth and the index may be missing or behind.
	if err := idx.Rebuild(ctx, store); err != nil {
		return err
	}

	cache, err := metrics.NewCache(store.Layout(), cfg.MetricsCacheCapacity, logger)
	if err != nil {
		return err
	}
	engine, err := assets.New(store.Layout(), logger)
	if err != nil {
		return err
	}

	var remotes *remote.Manager
	if !opts.DisableRemote {
		remotes, err = remote.NewManager(remote.Config{
			SSHPath:        cfg.Remote.SSHPath,
			LocalPortRange: cfg.Remote.LocalPortRange,
			HealthInterval: cfg.Remote.HealthInterval,
			CommandTimeout: cfg.Remote.CommandTimeout,
			Version:        opts.Version,
		}, store.Layout().KnownHostsPath(), logger)
		if err != nil {
			return err
		}
	}

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	sweeper := storage.NewSweeper(store, storage.SweeperConfig{
		Interval:      cfg.StaleSweepInterval,
		IdleThreshold: cfg.StaleIdleThreshold,
	}, logger)
	go sweeper.Run(sweepCtx)

	srv := server.New(server.Config{
		Host:    cfg.Host,
		Port:    cfg.Port,
		Version: opts.Version,
	}, store, idx, cache, engine, remotes, logger)

	logger.Info("viewer starting",
		slog.String("data_root", cfg.DataRoot),
		slog.String("version", opts.Version))
	return srv.Run(ctx)
}
