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

// runicornd runs the viewer service without the CLI wrapper, for systemd
// and container deployments.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/runicorn/runicorn/internal/log"
	"github.com/runicorn/runicorn/internal/service"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		host        = flag.String("host", "", "Address to bind (default 127.0.0.1)")
		port        = flag.Int("port", 0, "Port to listen on (default 8000)")
		dataRoot    = flag.String("data-root", "", "Data root directory override")
		noRemote    = flag.Bool("no-remote", false, "Disable the remote viewer controller")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("runicornd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := service.Run(ctx, service.Options{
		Host:          *host,
		Port:          *port,
		DataRoot:      *dataRoot,
		Version:       version,
		DisableRemote: *noRemote,
	}, logger); err != nil {
		logger.Error("service failed", slog.Any("error", err))
		os.Exit(1)
	}
}
