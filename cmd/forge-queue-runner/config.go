// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package main

import (
	"path/filepath"
	"time"

	"github.com/spf13/pflag"
)

// options holds the runner's configuration, populated from flags
// (spec.md has no CLI of its own; this is ambient infrastructure the
// core needs to be deployable).
type options struct {
	queueDSN       string
	storeDir       string
	storeRealDir   string
	cacheDB        string
	listenAddr     string
	failureTTL     time.Duration
	buildOnly      int64
	hasBuildOnly   bool
	localPlatforms []string
}

func newOptions() *options {
	return &options{
		storeDir:   "/opt/forgequeue/store",
		cacheDB:    filepath.Join(cacheDir(), "forge-queue-runner", "store-cache.db"),
		listenAddr: "localhost:8222",
		failureTTL: time.Hour,
	}
}

func (o *options) registerFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.queueDSN, "queue-dsn", o.queueDSN, "Postgres connection string for the queue database (required)")
	fs.StringVar(&o.storeDir, "store", o.storeDir, "path to the content store `dir`ectory")
	fs.StringVar(&o.storeRealDir, "store-real-dir", o.storeRealDir, "physical `dir`ectory backing the store, if different from --store")
	fs.StringVar(&o.cacheDB, "cache", o.cacheDB, "`path` to the local store-validity cache database")
	fs.StringVar(&o.listenAddr, "listen", o.listenAddr, "`address` to serve status and Prometheus metrics on")
	fs.DurationVar(&o.failureTTL, "failure-ttl", o.failureTTL, "how long a cached build failure blocks retries")
	fs.Int64Var(&o.buildOnly, "build-only", 0, "if set, only process the single build with this `id` (debugging aid)")
	fs.StringSliceVar(&o.localPlatforms, "local-platform", nil, "platform `tuple`s this daemon's own machines build for (may be repeated); gates a derivation's preferLocalBuild attribute")
}
