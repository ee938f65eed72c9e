// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

// Package queue implements the queue monitor and build-graph resolver: it
// watches a database of pending build requests, materializes each one
// into a shared DAG of build steps, determines which steps are already
// satisfied, and hands the rest to an external worker pool.
package queue

import (
	"sync/atomic"

	"forgequeue.dev/pkg/internal/drv"
	"forgequeue.dev/pkg/internal/sets"
)

// A Monitor owns the in-memory Build/Step graph and the collaborators
// the queue monitor reads from and writes to (spec.md §6). Its methods
// are safe to call concurrently; the concurrency model is described in
// spec.md §5.
type Monitor struct {
	Store     Store
	Machines  MachineRegistry
	Failures  FailureCache
	Sink      WorkerSink
	Recorder  BuildRecorder
	DB        QueueDB
	Metrics   Metrics
	BuildOnly *BuildID // if non-nil, the Queue Scanner ignores every other build id

	// LocalPlatforms is the configured set of platform tuples this
	// daemon's own machines build for. A derivation's preferLocalBuild
	// attribute only takes effect when its platform is a member
	// (spec.md §3; queue-monitor.cc ANDs preferLocalBuild with
	// `has(localPlatforms, step->drv.platform)`). A nil or empty set
	// means preferLocalBuild never applies.
	LocalPlatforms sets.Set[string]

	steps  *stepsIndex
	builds *buildsIndex

	// lastBuildID is only ever touched by the Notification Loop's single
	// goroutine (the Queue Scanner runs on that same goroutine), so it
	// needs no lock of its own; it is an atomic purely so tests and
	// status endpoints can read it without racing the detector.
	lastBuildID atomic.Int64
}

// New returns a Monitor with empty in-memory indices. The collaborator
// fields of the returned Monitor must be set before [Monitor.Run] is
// called.
func New() *Monitor {
	return &Monitor{
		steps:  newStepsIndex(),
		builds: newBuildsIndex(),
	}
}

// LastBuildID returns the high-water mark the Queue Scanner last
// advanced to.
func (m *Monitor) LastBuildID() BuildID {
	return BuildID(m.lastBuildID.Load())
}

// resetLastBuildID forces the next scan to consider every unfinished
// build, matching spec.md §4.A step 5's "restarted" handling.
func (m *Monitor) resetLastBuildID() {
	m.lastBuildID.Store(0)
}

func (m *Monitor) advanceLastBuildID(id BuildID) {
	for {
		cur := m.lastBuildID.Load()
		if int64(id) <= cur {
			return
		}
		if m.lastBuildID.CompareAndSwap(cur, int64(id)) {
			return
		}
	}
}

// hasBuild reports whether id is already tracked in the builds index,
// used by the Queue Scanner to skip rows it has already loaded.
func (m *Monitor) hasBuild(id BuildID) bool {
	return m.builds.has(id)
}

// stepFor exposes the current Step for drvPath, if one is live, for
// tests and status reporting.
func (m *Monitor) stepFor(drvPath drv.Path) *Step {
	return m.steps.lookup(drvPath)
}
