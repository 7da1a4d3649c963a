/*
Copyright 2026 Anomaly Co.
SPDX-License-Identifier: Apache-2.0
*/

// archon is the event-triggered agent orchestration engine: it turns GitHub
// events into agent sessions whose results come back as commits, pull
// requests, and comments.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"
)

func main() {
	logger := clog.New(slog.Default().Handler())
	ctx := clog.WithLogger(context.Background(), logger)

	root := &cobra.Command{
		Use:           "archon",
		Short:         "Event-triggered GitHub agent orchestration",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(githubCommand(), serveCommand())

	if err := root.ExecuteContext(ctx); err != nil {
		clog.FromContext(ctx).With("error", err).Error("Command failed")
		os.Exit(1)
	}
}
