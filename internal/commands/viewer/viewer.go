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

package viewer

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/runicorn/runicorn/internal/cli"
	runlog "github.com/runicorn/runicorn/internal/log"
	"github.com/runicorn/runicorn/internal/service"
)

// NewCommand creates the viewer command, which runs the HTTP service.
// This is also the entry point a remote controller launches as the peer.
func NewCommand() *cobra.Command {
	var (
		host     string
		port     int
		dataRoot string
		noRemote bool
	)

	cmd := &cobra.Command{
		Use:   "viewer",
		Short: "Start the local viewer service",
		Long: `Start the HTTP+WebSocket service that serves recorded runs: listing,
metric tables, live log tailing, asset downloads, and the remote viewer
control API.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := runlog.New(runlog.FromEnv())
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			v, _, _ := cli.GetVersion()
			return service.Run(ctx, service.Options{
				Host:          host,
				Port:          port,
				DataRoot:      dataRoot,
				Version:       v,
				DisableRemote: noRemote,
			}, logger)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Address to bind (default 127.0.0.1)")
	cmd.Flags().IntVar(&port, "port", 0, "Port to listen on (default 8000)")
	cmd.Flags().StringVar(&dataRoot, "data-root", "", "Data root directory override")
	cmd.Flags().BoolVar(&noRemote, "no-remote", false, "Disable the remote viewer controller")
	return cmd
}
