// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package queue

import (
	"fmt"
	"sync"
	"weak"

	"forgequeue.dev/pkg/internal/drv"
	"forgequeue.dev/pkg/internal/sets"
)

// A Step is one node of the build-step DAG: the work needed to realize a
// single derivation's outputs, shared across every Build that needs it
// (spec.md §3).
type Step struct {
	DrvPath                drv.Path
	Derivation             *drv.Derivation
	RequiredSystemFeatures sets.Set[string]
	PreferLocalBuild       bool

	mu sync.Mutex
	// created is set to true only after deps has its final contents, and
	// deps and created are written together under mu, so that a reader
	// holding mu can never observe created=true with a partially
	// populated deps (spec.md §9 open question 1).
	created bool
	// deps are the Steps this one strongly depends on: forward edges,
	// strongly held, forming the only ownership path into the graph
	// besides a Build's toplevel field.
	deps []*Step
	// rdeps are the Steps that depend on this one: reverse edges, held
	// weakly so that a dependency does not keep its dependents alive.
	rdeps []weak.Pointer[Step]
	// builds are the in-flight Builds that need this step, held weakly
	// (spec.md §3: "weak" in the data model).
	builds []weakBuildRef
}

// newStep constructs a Step. It does not set PreferLocalBuild even when d
// is non-nil: that requires the configured local-platform set, which only
// [Monitor.createStep] has access to, so it is the sole place that field
// is assigned.
func newStep(drvPath drv.Path, d *drv.Derivation) *Step {
	s := &Step{
		DrvPath:    drvPath,
		Derivation: d,
	}
	if d != nil {
		s.RequiredSystemFeatures = parseRequiredSystemFeatures(d.Env)
	}
	return s
}

func (s *Step) String() string {
	return fmt.Sprintf("step %s", s.DrvPath)
}

func parseRequiredSystemFeatures(env map[string]string) sets.Set[string] {
	feats := sets.New[string]()
	for _, tok := range splitFields(env["requiredSystemFeatures"]) {
		feats.Add(tok)
	}
	return feats
}

func splitFields(s string) []string {
	var out []string
	start := -1
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' || s[i] == '\t' {
			if start >= 0 {
				out = append(out, s[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		out = append(out, s[start:])
	}
	return out
}

// addBuild records build as weakly interested in s. Callers must hold
// s.mu.
func (s *Step) addBuild(b *Build) {
	w := weak.Make(b)
	for _, existing := range s.builds {
		if existing.Value() == b {
			return
		}
	}
	s.builds = append(s.builds, w)
}

// addRdep records from as weakly depending on s. Callers must hold s.mu.
func (s *Step) addRdep(from *Step) {
	w := weak.Make(from)
	for _, existing := range s.rdeps {
		if existing.Value() == from {
			return
		}
	}
	s.rdeps = append(s.rdeps, w)
}

// liveBuilds returns the Builds currently interested in s, dropping any
// weak references that have been collected. Callers must hold s.mu.
func (s *Step) liveBuilds() []*Build {
	kept := s.builds[:0]
	var out []*Build
	for _, w := range s.builds {
		if b := w.Value(); b != nil {
			kept = append(kept, w)
			out = append(out, b)
		}
	}
	s.builds = kept
	return out
}

// liveRdeps returns the Steps that depend on s, dropping any weak
// references that have been collected. Callers must hold s.mu.
func (s *Step) liveRdeps() []*Step {
	kept := s.rdeps[:0]
	var out []*Step
	for _, w := range s.rdeps {
		if r := w.Value(); r != nil {
			kept = append(kept, w)
			out = append(out, r)
		}
	}
	s.rdeps = kept
	return out
}

// stepsIndex is the global drv.Path -> *Step map (spec.md §3 invariant 1),
// implemented with [weak.Pointer] as the design notes (§9) call out: a
// stale entry is detected by Value() returning nil and is cleaned up the
// next time that key is looked up, mirroring queue-monitor.cc's
// State::createStep erasing a dead weak_ptr before inserting afresh.
type stepsIndex struct {
	mu sync.Mutex
	m  map[drv.Path]weak.Pointer[Step]
}

func newStepsIndex() *stepsIndex {
	return &stepsIndex{m: make(map[drv.Path]weak.Pointer[Step])}
}

// lookup returns the live Step for drvPath, if any, removing the entry
// first if the weak reference has already been collected.
func (idx *stepsIndex) lookup(drvPath drv.Path) *Step {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.lookupLocked(drvPath)
}

func (idx *stepsIndex) lookupLocked(drvPath drv.Path) *Step {
	w, ok := idx.m[drvPath]
	if !ok {
		return nil
	}
	s := w.Value()
	if s == nil {
		delete(idx.m, drvPath)
		return nil
	}
	return s
}

// withLock runs f while holding both idx's lock and s.mu, in that order,
// matching the package's lock-ordering rule (steps index outer, per-Step
// state inner; spec.md §3's concurrency invariants).
func (idx *stepsIndex) withLock(drvPath drv.Path, newStep *Step, f func(s *Step, inserted bool)) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	s := idx.lookupLocked(drvPath)
	inserted := s == nil
	if inserted {
		s = newStep
		idx.m[drvPath] = weak.Make(newStep)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f(s, inserted)
}
