// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package queue

import (
	"fmt"
	"sync"
	"sync/atomic"
	"weak"

	"forgequeue.dev/pkg/internal/drv"
)

// BuildID is the stable integer key the database assigns a build row.
type BuildID int64

// A Build is a scheduled build request: the in-memory counterpart of an
// unfinished row in the Builds table.
type Build struct {
	ID            BuildID
	DrvPath       drv.Path
	FullJobName   string
	MaxSilentTime int
	BuildTimeout  int

	// finishedInDB is set at most once, right after a terminal row is
	// written for this build. It is an atomic Bool: markFinished sets it
	// with a compare-and-swap without taking buildsIndex's lock, and
	// buildsIndex.insert reads it under that lock before committing.
	finishedInDB atomic.Bool

	// toplevel is the root Step once the Build Loader has fully wired it
	// into the graph. It is nil while the build is loading.
	toplevel *Step
}

func (b *Build) String() string {
	return fmt.Sprintf("build %d (%s)", b.ID, b.FullJobName)
}

// FinishedInDB reports whether a terminal database row has been written
// for this build.
func (b *Build) FinishedInDB() bool {
	return b.finishedInDB.Load()
}

// markFinished sets finishedInDB and reports whether this call was the one
// that transitioned it from false to true. A caller that receives false
// must not write a second terminal row (spec.md §3 invariant 4).
func (b *Build) markFinished() (transitioned bool) {
	return b.finishedInDB.CompareAndSwap(false, true)
}

// buildsIndex is the global BuildID -> *Build map (spec.md §3). It owns
// live build objects strongly until they finish in the database or are
// evicted by the Cancellation Reaper.
type buildsIndex struct {
	mu sync.Mutex
	m  map[BuildID]*Build
}

func newBuildsIndex() *buildsIndex {
	return &buildsIndex{m: make(map[BuildID]*Build)}
}

func (idx *buildsIndex) get(id BuildID) (*Build, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	b, ok := idx.m[id]
	return b, ok
}

func (idx *buildsIndex) has(id BuildID) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, ok := idx.m[id]
	return ok
}

// insert records b under its ID unless it is already finished, matching
// spec.md §4.C step 6's "if not already finished, insert the Build".
// It reports whether the insert happened.
func (idx *buildsIndex) insert(b *Build) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if b.FinishedInDB() {
		return false
	}
	idx.m[b.ID] = b
	return true
}

func (idx *buildsIndex) delete(id BuildID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.m, id)
}

// snapshotIDs returns the IDs of every build currently tracked.
func (idx *buildsIndex) snapshotIDs() []BuildID {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	ids := make([]BuildID, 0, len(idx.m))
	for id := range idx.m {
		ids = append(ids, id)
	}
	return ids
}

// evictMissing removes every build whose ID is not in current, calling
// onEvict for each (used for logging). Implements the Cancellation
// Reaper's diff step (spec.md §4.E).
func (idx *buildsIndex) evictMissing(current map[BuildID]struct{}, onEvict func(*Build)) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for id, b := range idx.m {
		if _, ok := current[id]; !ok {
			delete(idx.m, id)
			if onEvict != nil {
				onEvict(b)
			}
		}
	}
}

// weakBuildRef is a non-owning reference to a Build, used for Step.builds
// (spec.md §3: "builds: list of Build references that need this step;
// weak").
type weakBuildRef = weak.Pointer[Build]
