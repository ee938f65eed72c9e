// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package queue

import "testing"

func TestRemoveCancelledBuildsEvictsMissingIDs(t *testing.T) {
	m, store, _, _, _, _, db, _ := newTestMonitor()
	ctx, cancel := newTestCtx(t)
	defer cancel()

	_, p1 := newDerivation(store, "one", "x86_64-linux")
	_, p2 := newDerivation(store, "two", "x86_64-linux")
	store.setValid(p1, true)
	store.setValid(p2, true)
	db.addRow(QueueRow{ID: 1, DrvPath: p1})
	db.addRow(QueueRow{ID: 2, DrvPath: p2})

	if err := m.scanQueue(ctx); err != nil {
		t.Fatal(err)
	}
	if !m.hasBuild(1) || !m.hasBuild(2) {
		t.Fatal("setup: expected both builds tracked before cancellation")
	}

	db.cancel(1)
	if err := m.removeCancelledBuilds(ctx); err != nil {
		t.Fatal(err)
	}
	if m.hasBuild(1) {
		t.Fatal("removeCancelledBuilds did not evict cancelled build 1")
	}
	if !m.hasBuild(2) {
		t.Fatal("removeCancelledBuilds evicted an unrelated, still-queued build")
	}
}
