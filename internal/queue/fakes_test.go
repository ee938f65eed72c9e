// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"forgequeue.dev/pkg/internal/drv"
	"forgequeue.dev/pkg/internal/testcontext"
)

func newTestCtx(t *testing.T) (context.Context, context.CancelFunc) {
	return testcontext.New(t)
}

// testDigest is a syntactically valid nixbase32 digest, reused by every
// test that needs to fabricate store paths.
const testDigest = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func testPath(name string) drv.Path {
	p, err := drv.ParsePath("/store/" + testDigest + "-" + name)
	if err != nil {
		panic(err)
	}
	return p
}

// fakeStore is an in-memory [Store] for tests: derivations and output
// validity are both pre-seeded by the test.
type fakeStore struct {
	mu    sync.Mutex
	drvs  map[drv.Path]*drv.Derivation
	valid map[drv.Path]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		drvs:  make(map[drv.Path]*drv.Derivation),
		valid: make(map[drv.Path]bool),
	}
}

func (s *fakeStore) addDerivation(d *drv.Derivation) drv.Path {
	p := testPath(d.Name + drv.DerivationExt)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drvs[p] = d
	return p
}

func (s *fakeStore) setValid(p drv.Path, valid bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.valid[p] = valid
}

func (s *fakeStore) IsValidPath(ctx context.Context, p drv.Path) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valid[p], nil
}

func (s *fakeStore) ReadDerivation(ctx context.Context, drvPath drv.Path) (*drv.Derivation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drvs[drvPath]
	if !ok {
		return nil, fmt.Errorf("fakeStore: no derivation at %s", drvPath)
	}
	return d, nil
}

func (s *fakeStore) BuildOutputFor(ctx context.Context, d *drv.Derivation) (BuildOutput, error) {
	return BuildOutput{Outputs: d.Outputs}, nil
}

// fakeMachines answers SupportsStep from a fixed set of supported systems.
type fakeMachines struct {
	supported map[string]bool
}

func newFakeMachines(systems ...string) *fakeMachines {
	m := &fakeMachines{supported: make(map[string]bool)}
	for _, s := range systems {
		m.supported[s] = true
	}
	return m
}

func (m *fakeMachines) SupportsStep(ctx context.Context, system string, requiredFeatures []string) (bool, error) {
	return m.supported[system], nil
}

// fakeFailures is a [FailureCache] that always reports the paths it was
// told to.
type fakeFailures struct {
	mu     sync.Mutex
	failed map[drv.Path]bool
}

func newFakeFailures() *fakeFailures {
	return &fakeFailures{failed: make(map[drv.Path]bool)}
}

func (f *fakeFailures) markFailed(p drv.Path) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[p] = true
}

func (f *fakeFailures) CheckCachedFailure(ctx context.Context, drvPath drv.Path) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed[drvPath], nil
}

// fakeSink records every step handed to it, in order.
type fakeSink struct {
	mu    sync.Mutex
	steps []*Step
}

func newFakeSink() *fakeSink {
	return &fakeSink{}
}

func (s *fakeSink) MakeRunnable(step *Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step)
}

func (s *fakeSink) runnable() []*Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Step(nil), s.steps...)
}

// finishedBuild is one terminal outcome recorded by [fakeRecorder].
type finishedBuild struct {
	id      BuildID
	outcome BuildFinish
}

// recordedStep is one BuildStep row recorded by [fakeRecorder].
type recordedStep struct {
	buildID BuildID
	drvPath drv.Path
	status  BuildStepStatus
}

// fakeRecorder is a [BuildRecorder] that stores every write in memory so
// tests can assert on it.
type fakeRecorder struct {
	mu       sync.Mutex
	finishes []finishedBuild
	steps    []recordedStep
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{}
}

func (r *fakeRecorder) FinishBuild(ctx context.Context, id BuildID, outcome BuildFinish) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishes = append(r.finishes, finishedBuild{id: id, outcome: outcome})
	return nil
}

func (r *fakeRecorder) RecordBuildStep(ctx context.Context, id BuildID, step *Step, status BuildStepStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, recordedStep{buildID: id, drvPath: step.DrvPath, status: status})
	return nil
}

func (r *fakeRecorder) finishFor(id BuildID) (finishedBuild, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.finishes {
		if f.id == id {
			return f, true
		}
	}
	return finishedBuild{}, false
}

// fakeQueueDB is a [QueueDB] backed by an in-memory row set, mutable
// between scans to simulate new/cancelled builds.
type fakeQueueDB struct {
	mu         sync.Mutex
	rows       []QueueRow
	unfinished map[BuildID]struct{}
}

func newFakeQueueDB() *fakeQueueDB {
	return &fakeQueueDB{unfinished: make(map[BuildID]struct{})}
}

func (db *fakeQueueDB) addRow(row QueueRow) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.rows = append(db.rows, row)
	db.unfinished[row.ID] = struct{}{}
}

func (db *fakeQueueDB) cancel(id BuildID) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.unfinished, id)
}

func (db *fakeQueueDB) UnfinishedBuildsAfter(ctx context.Context, lastBuildID BuildID) ([]QueueRow, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []QueueRow
	for _, row := range db.rows {
		if _, ok := db.unfinished[row.ID]; ok && row.ID > lastBuildID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (db *fakeQueueDB) UnfinishedBuildIDs(ctx context.Context) (map[BuildID]struct{}, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make(map[BuildID]struct{}, len(db.unfinished))
	for id := range db.unfinished {
		out[id] = struct{}{}
	}
	return out, nil
}

// fakeMetrics is a no-op [Metrics] that counts calls for assertions.
type fakeMetrics struct {
	mu                                   sync.Mutex
	queueWakeups, buildsRead, buildsDone int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{}
}

func (m *fakeMetrics) IncQueueWakeups() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueWakeups++
}

func (m *fakeMetrics) IncBuildsRead() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buildsRead++
}

func (m *fakeMetrics) IncBuildsDone() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buildsDone++
}

// newTestMonitor wires a [Monitor] against a fresh set of fakes.
func newTestMonitor() (*Monitor, *fakeStore, *fakeMachines, *fakeFailures, *fakeSink, *fakeRecorder, *fakeQueueDB, *fakeMetrics) {
	store := newFakeStore()
	machines := newFakeMachines("x86_64-linux")
	failures := newFakeFailures()
	sink := newFakeSink()
	recorder := newFakeRecorder()
	db := newFakeQueueDB()
	metrics := newFakeMetrics()

	m := New()
	m.Store = store
	m.Machines = machines
	m.Failures = failures
	m.Sink = sink
	m.Recorder = recorder
	m.DB = db
	m.Metrics = metrics
	return m, store, machines, failures, sink, recorder, db, metrics
}
