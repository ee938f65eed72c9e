// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package queue

import "testing"

func TestScanQueueLoadsAndPublishesRunnableSteps(t *testing.T) {
	m, store, _, _, sink, _, db, metrics := newTestMonitor()
	ctx, cancel := newTestCtx(t)
	defer cancel()

	_, drvPath := newDerivation(store, "leaf", "x86_64-linux")
	store.setValid(drvPath, true)
	db.addRow(QueueRow{ID: 1, Project: "p", Jobset: "j", Job: "leaf", DrvPath: drvPath})

	if err := m.scanQueue(ctx); err != nil {
		t.Fatal(err)
	}

	if !m.hasBuild(1) {
		t.Fatal("scanQueue did not commit build 1")
	}
	if len(sink.runnable()) != 1 {
		t.Fatalf("sink got %d runnable steps, want 1", len(sink.runnable()))
	}
	if m.LastBuildID() != 1 {
		t.Fatalf("LastBuildID() = %d, want 1", m.LastBuildID())
	}
	if metrics.buildsRead != 1 {
		t.Fatalf("buildsRead = %d, want 1", metrics.buildsRead)
	}
}

func TestScanQueueSkipsAlreadyTrackedBuilds(t *testing.T) {
	m, store, _, _, _, _, db, _ := newTestMonitor()
	ctx, cancel := newTestCtx(t)
	defer cancel()

	_, drvPath := newDerivation(store, "leaf", "x86_64-linux")
	store.setValid(drvPath, true)
	db.addRow(QueueRow{ID: 1, DrvPath: drvPath})

	if err := m.scanQueue(ctx); err != nil {
		t.Fatal(err)
	}
	existing, _ := m.builds.get(1)

	// A second scan of the same row must not recreate build 1's Step graph.
	if err := m.scanQueue(ctx); err != nil {
		t.Fatal(err)
	}
	again, ok := m.builds.get(1)
	if !ok || again != existing {
		t.Fatal("scanQueue re-created an already-tracked build")
	}
}

func TestScanQueueHonorsBuildOnly(t *testing.T) {
	m, store, _, _, _, _, db, _ := newTestMonitor()
	ctx, cancel := newTestCtx(t)
	defer cancel()

	_, p1 := newDerivation(store, "one", "x86_64-linux")
	_, p2 := newDerivation(store, "two", "x86_64-linux")
	store.setValid(p1, true)
	store.setValid(p2, true)
	db.addRow(QueueRow{ID: 1, DrvPath: p1})
	db.addRow(QueueRow{ID: 2, DrvPath: p2})

	only := BuildID(2)
	m.BuildOnly = &only

	if err := m.scanQueue(ctx); err != nil {
		t.Fatal(err)
	}
	if m.hasBuild(1) {
		t.Fatal("scanQueue loaded a build excluded by BuildOnly")
	}
	if !m.hasBuild(2) {
		t.Fatal("scanQueue did not load the BuildOnly build")
	}
}

func TestScanQueueWrapsLoadErrorWithBuildID(t *testing.T) {
	m, _, _, _, _, _, db, _ := newTestMonitor()
	ctx, cancel := newTestCtx(t)
	defer cancel()

	// No derivation registered with the fake store: ReadDerivation (via
	// IsValidPath returning false first) aborts the build instead of
	// erroring, so use a path IsValidPath reports valid but that the
	// fake store has no Derivation for, forcing ReadDerivation to fail.
	bogus := testPath("missing.drv")
	db.addRow(QueueRow{ID: 9, DrvPath: bogus})
	m.Store.(*fakeStore).setValid(bogus, true)

	err := m.scanQueue(ctx)
	if err == nil {
		t.Fatal("expected an error when the derivation cannot be read")
	}
	var loadErr *buildLoadError
	if ble, ok := err.(*buildLoadError); ok {
		loadErr = ble
	}
	if loadErr == nil {
		t.Fatalf("error %v is not a *buildLoadError", err)
	}
	if loadErr.buildID != 9 {
		t.Fatalf("buildLoadError.buildID = %d, want 9", loadErr.buildID)
	}
}
