// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package queue

import (
	"context"

	"forgequeue.dev/pkg/internal/drv"
	"zombiezen.com/go/log"
)

// createStep implements the Step Resolver (spec.md §4.D): it returns the
// shared Step for drvPath, creating it (and recursing into its input
// derivations) if the steps index holds no live Step for it, or returns
// nil if every output of drvPath is already valid.
//
// referringBuild and referringStep, when non-nil, are recorded as weak
// interested parties on the returned step before it is returned, so that
// a step never becomes observable to a second caller without already
// knowing who depends on it.
func (m *Monitor) createStep(ctx context.Context, drvPath drv.Path, referringBuild *Build, referringStep *Step, acc *accumulators) (*Step, error) {
	if acc.finishedDrvs[drvPath] {
		return nil, nil
	}

	candidate := newStep(drvPath, nil)
	var s *Step
	var isNew bool
	m.steps.withLock(drvPath, candidate, func(existing *Step, inserted bool) {
		s = existing
		isNew = inserted
		if s.created == isNew {
			fatalf("step %s observed with created=%v, isNew=%v", drvPath, s.created, isNew)
		}
		if referringBuild != nil {
			s.addBuild(referringBuild)
		}
		if referringStep != nil {
			s.addRdep(referringStep)
		}
	})

	if !isNew {
		// Pre-existing step: its subgraph is already resolved (or being
		// resolved by the call that created it, earlier in this same
		// scan). The diamond-dependency case (spec.md §4.D edge cases)
		// lands here.
		return s, nil
	}

	d, err := m.Store.ReadDerivation(ctx, drvPath)
	if err != nil {
		return nil, err
	}
	s.Derivation = d
	s.RequiredSystemFeatures = parseRequiredSystemFeatures(d.Env)
	s.PreferLocalBuild = d.Env["preferLocalBuild"] == "1" && m.LocalPlatforms.Has(d.System)

	valid, err := m.allOutputsValid(ctx, d)
	if err != nil {
		return nil, err
	}
	if valid {
		acc.finishedDrvs[drvPath] = true
		log.Debugf(ctx, "%s: all outputs valid, no step needed", drvPath)
		return nil, nil
	}

	acc.newSteps = append(acc.newSteps, s)
	var deps []*Step
	for ref := range d.InputDerivationOutputs() {
		if ref.DrvPath == drvPath {
			fatalf("derivation %s depends on itself", drvPath)
		}
		dep, err := m.createStep(ctx, ref.DrvPath, nil, s, acc)
		if err != nil {
			return nil, err
		}
		if dep != nil {
			deps = append(deps, dep)
		}
	}

	s.mu.Lock()
	if s.created {
		s.mu.Unlock()
		fatalf("step %s marked created twice", drvPath)
	}
	s.deps = deps
	s.created = true
	runnable := len(deps) == 0
	s.mu.Unlock()

	if runnable {
		acc.newRunnable = append(acc.newRunnable, s)
	}
	return s, nil
}

// allOutputsValid reports whether every output path named by d is
// already valid in the store. A derivation with no outputs is vacuously
// valid, matching queue-monitor.cc's "bool valid = true" initialization
// ahead of an empty loop.
func (m *Monitor) allOutputsValid(ctx context.Context, d *drv.Derivation) (bool, error) {
	for _, outPath := range d.Outputs {
		ok, err := m.Store.IsValidPath(ctx, outPath)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
