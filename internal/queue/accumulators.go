// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package queue

import (
	"forgequeue.dev/pkg/internal/drv"
)

// accumulators are the three mutable sets the Step Resolver and Build
// Loader thread through a single scan (spec.md §4.C/§4.D). They are not
// safe for concurrent use: a scan runs on one goroutine at a time.
type accumulators struct {
	// newSteps collects every Step newly created during this scan, in
	// creation order, so the Build Loader can walk them for transitive
	// build absorption (spec.md §4.C step 3).
	newSteps []*Step
	// newRunnable collects every Step that became runnable (created,
	// with no deps) during this scan, ready to hand to the worker sink.
	newRunnable []*Step
	// finishedDrvs is the set of derivation paths discovered, during
	// this scan, to have every output already valid in the store.
	finishedDrvs map[drv.Path]bool
	// nrAdded counts the builds added to the in-memory index this scan,
	// mirroring the source's nrAdded counter.
	nrAdded int
}

func newAccumulators() *accumulators {
	return &accumulators{finishedDrvs: make(map[drv.Path]bool)}
}
