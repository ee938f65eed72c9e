// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package queue

import "testing"

func TestBuildMultimapPopAll(t *testing.T) {
	mm := newBuildMultimap()
	p := testPath("shared.drv")
	b1 := &Build{ID: 1, DrvPath: p}
	b2 := &Build{ID: 2, DrvPath: p}
	other := &Build{ID: 3, DrvPath: testPath("other.drv")}
	mm.insert(b1)
	mm.insert(b2)
	mm.insert(other)

	got := mm.popAll(p)
	if len(got) != 2 || got[0] != b1 || got[1] != b2 {
		t.Fatalf("popAll(%s) = %v, want [b1 b2] in insertion order", p, got)
	}
	if got := mm.popAll(p); got != nil {
		t.Fatalf("second popAll(%s) = %v, want nil", p, got)
	}
}

func TestBuildMultimapDrainSkipsPopped(t *testing.T) {
	mm := newBuildMultimap()
	p1 := testPath("a.drv")
	p2 := testPath("b.drv")
	b1 := &Build{ID: 1, DrvPath: p1}
	b2 := &Build{ID: 2, DrvPath: p2}
	mm.insert(b1)
	mm.insert(b2)

	mm.popAll(p1)

	var drained []BuildID
	mm.drain(func(b *Build) bool {
		drained = append(drained, b.ID)
		return true
	})
	if len(drained) != 1 || drained[0] != 2 {
		t.Fatalf("drain() visited %v, want [2]", drained)
	}
}

func TestBuildMultimapDrainAllowsPopDuringIteration(t *testing.T) {
	mm := newBuildMultimap()
	p1 := testPath("a.drv")
	p2 := testPath("b.drv")
	b1 := &Build{ID: 1, DrvPath: p1}
	b2 := &Build{ID: 2, DrvPath: p2}
	mm.insert(b1)
	mm.insert(b2)

	var drained []BuildID
	mm.drain(func(b *Build) bool {
		drained = append(drained, b.ID)
		if b == b1 {
			mm.popAll(p2)
		}
		return true
	})
	if len(drained) != 1 || drained[0] != 1 {
		t.Fatalf("drain() visited %v, want [1] (b2 popped mid-iteration)", drained)
	}
}

func TestBuildMultimapDrainStopsWhenYieldReturnsFalse(t *testing.T) {
	mm := newBuildMultimap()
	b1 := &Build{ID: 1, DrvPath: testPath("a.drv")}
	b2 := &Build{ID: 2, DrvPath: testPath("b.drv")}
	mm.insert(b1)
	mm.insert(b2)

	var drained []BuildID
	mm.drain(func(b *Build) bool {
		drained = append(drained, b.ID)
		return false
	})
	if len(drained) != 1 || drained[0] != 1 {
		t.Fatalf("drain() visited %v, want [1] (stopped after first)", drained)
	}
}
