// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

// Command forge-queue-runner runs the queue monitor and build-graph
// resolver: it watches a Postgres-backed queue of pending builds,
// materializes each into the shared step DAG, and publishes newly
// runnable steps to a worker pool.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/lib/pq"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"zombiezen.com/go/bass/sigterm"
	"zombiezen.com/go/log"
	"zombiezen.com/go/xcontext"

	"forgequeue.dev/pkg/internal/drv"
	"forgequeue.dev/pkg/internal/failurecache"
	"forgequeue.dev/pkg/internal/machine"
	"forgequeue.dev/pkg/internal/metrics"
	"forgequeue.dev/pkg/internal/queue"
	"forgequeue.dev/pkg/internal/sets"
	"forgequeue.dev/pkg/internal/store"
)

func main() {
	rootCommand := &cobra.Command{
		Use:           "forge-queue-runner",
		Short:         "queue monitor and build-graph resolver",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
	}

	opts := newOptions()
	opts.registerFlags(rootCommand.Flags())
	showDebug := rootCommand.Flags().Bool("debug", false, "show debugging output")

	rootCommand.RunE = func(cmd *cobra.Command, args []string) error {
		initLogging(*showDebug)
		opts.hasBuildOnly = cmd.Flags().Changed("build-only")
		return run(cmd.Context(), opts)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), sigterm.Signals()...)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(*showDebug)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *options) error {
	if opts.queueDSN == "" {
		return fmt.Errorf("--queue-dsn is required")
	}

	db, err := sql.Open("postgres", opts.queueDSN)
	if err != nil {
		return fmt.Errorf("open queue database: %w", err)
	}
	defer xcontext.CloseWhenDone(ctx, db).Close()

	localStore := store.New(drv.Directory(opts.storeDir), opts.storeRealDir, opts.cacheDB)
	defer func() {
		if err := localStore.Close(); err != nil {
			log.Errorf(ctx, "close store cache: %v", err)
		}
	}()

	reg := prom.NewRegistry()
	recorder := metrics.NewRecorder(reg)

	mon := queue.New()
	mon.Store = localStore
	mon.Machines = machine.New()
	mon.Failures = failurecache.New(opts.failureTTL)
	mon.Sink = newChannelSink(64)
	mon.Recorder = queue.NewPGBuildRecorder(db)
	mon.DB = queue.NewPGQueueDB(db)
	mon.Metrics = recorder
	mon.LocalPlatforms = sets.New(opts.localPlatforms...)
	if opts.hasBuildOnly {
		id := queue.BuildID(opts.buildOnly)
		mon.BuildOnly = &id
	}

	srv := &http.Server{
		Addr:    opts.listenAddr,
		Handler: newStatusServer(reg, mon),
	}
	go func() {
		log.Infof(ctx, "status server listening on %s", opts.listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf(ctx, "status server: %v", err)
		}
	}()
	defer srv.Close()

	dial := func() *queue.Listener {
		return queue.NewListener(opts.queueDSN, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Errorf(ctx, "queue listener: %v", err)
			}
		})
	}

	return mon.Run(ctx, dial)
}
