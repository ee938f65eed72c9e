// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package queue

import (
	"forgequeue.dev/pkg/internal/deque"
	"forgequeue.dev/pkg/internal/drv"
)

// buildMultimap is the Queue Scanner's per-scan working set: builds
// freshly read from the database, keyed by root derivation path so that
// several queued builds sharing one root (e.g. after a restart re-enqueues
// an identical build) are found together (spec.md §4.B). Insertion order
// is kept in a deque so [buildMultimap.drain] can pop from the front
// without shifting a backing slice.
//
// It is not safe for concurrent use; a scan drains it from the single
// Notification Loop goroutine.
type buildMultimap struct {
	order  deque.Deque[*Build]
	byPath map[drv.Path][]*Build
}

func newBuildMultimap() *buildMultimap {
	return &buildMultimap{byPath: make(map[drv.Path][]*Build)}
}

// insert records b, preserving insertion order for [buildMultimap.drain].
func (mm *buildMultimap) insert(b *Build) {
	mm.order.PushBack(b)
	mm.byPath[b.DrvPath] = append(mm.byPath[b.DrvPath], b)
}

// popAll removes and returns every build still queued under drvPath, in
// the order they were inserted. Used by transitive build absorption
// (spec.md §4.C step 3) when a dependency Step turns out to also be the
// root of one or more queued builds.
func (mm *buildMultimap) popAll(drvPath drv.Path) []*Build {
	bs := mm.byPath[drvPath]
	delete(mm.byPath, drvPath)
	return bs
}

// drain yields every build still present, in original insertion order,
// skipping any already removed by [buildMultimap.popAll]. The caller may
// call popAll during iteration (e.g. from deep within the Build Loader);
// drain re-checks presence before yielding.
func (mm *buildMultimap) drain(yield func(*Build) bool) {
	for mm.order.Len() > 0 {
		b, _ := mm.order.Front()
		mm.order.PopFront(1)

		bs := mm.byPath[b.DrvPath]
		idx := -1
		for i, x := range bs {
			if x == b {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}
		mm.byPath[b.DrvPath] = append(bs[:idx:idx], bs[idx+1:]...)
		if len(mm.byPath[b.DrvPath]) == 0 {
			delete(mm.byPath, b.DrvPath)
		}
		if !yield(b) {
			return
		}
	}
}
