// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"time"

	"zombiezen.com/go/log"
)

// createBuild implements the Build Loader (spec.md §4.C): it resolves
// build's root derivation into the shared step graph, detects cached,
// unsupported, or previously-failed outcomes, and either writes a
// terminal row itself or commits the build into the in-memory index for
// the worker pool to discover.
func (m *Monitor) createBuild(ctx context.Context, b *Build, mm *buildMultimap, acc *accumulators) error {
	drvValid, err := m.Store.IsValidPath(ctx, b.DrvPath)
	if err != nil {
		return err
	}
	if !drvValid {
		now := time.Now().UTC()
		log.Warnf(ctx, "build %d: derivation %s was garbage-collected", b.ID, b.DrvPath)
		err := m.Recorder.FinishBuild(ctx, b.ID, BuildFinish{
			Status:    StatusAborted,
			StartTime: now,
			StopTime:  now,
			ErrorMsg:  "derivation was garbage-collected prior to build",
		})
		if err != nil {
			return err
		}
		b.markFinished()
		m.Metrics.IncBuildsDone()
		return nil
	}

	before := len(acc.newSteps)
	rootStep, err := m.createStep(ctx, b.DrvPath, b, nil, acc)
	if err != nil {
		return err
	}
	mySteps := append([]*Step(nil), acc.newSteps[before:]...)

	for _, s := range mySteps {
		for _, absorbed := range mm.popAll(s.DrvPath) {
			if err := m.createBuild(ctx, absorbed, mm, acc); err != nil {
				return err
			}
		}
	}

	if rootStep == nil {
		d, err := m.Store.ReadDerivation(ctx, b.DrvPath)
		if err != nil {
			return err
		}
		output, err := m.Store.BuildOutputFor(ctx, d)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		err = m.Recorder.FinishBuild(ctx, b.ID, BuildFinish{
			Status:        StatusSuccess,
			StartTime:     now,
			StopTime:      now,
			IsCachedBuild: true,
			Output:        output,
		})
		if err != nil {
			return err
		}
		b.markFinished()
		m.Metrics.IncBuildsDone()
		return nil
	}

	for _, s := range mySteps {
		failed, err := m.Failures.CheckCachedFailure(ctx, s.DrvPath)
		if err != nil {
			return err
		}
		if failed {
			status := StatusDepFailed
			if s == rootStep {
				status = StatusFailed
			}
			return m.finishFailedBuild(ctx, b, s, StepStatusFailed, status, true)
		}

		supported, err := m.Machines.SupportsStep(ctx, s.Derivation.System, collectFeatures(s))
		if err != nil {
			return err
		}
		if !supported {
			return m.finishFailedBuild(ctx, b, s, StepStatusUnsupported, StatusUnsupported, false)
		}
	}

	b.toplevel = rootStep
	if m.builds.insert(b) {
		acc.nrAdded++
	}
	return nil
}

// finishFailedBuild records stepStatus for the failing step, then writes
// build's terminal row and stops processing its remaining steps (spec.md
// §4.C step 5). The already-created Step objects are left in the steps
// index; they are collected once no live Build references them.
func (m *Monitor) finishFailedBuild(ctx context.Context, b *Build, failing *Step, stepStatus BuildStepStatus, status BuildStatus, isCachedBuild bool) error {
	if err := m.Recorder.RecordBuildStep(ctx, b.ID, failing, stepStatus); err != nil {
		return err
	}
	now := time.Now().UTC()
	err := m.Recorder.FinishBuild(ctx, b.ID, BuildFinish{
		Status:        status,
		StartTime:     now,
		StopTime:      now,
		IsCachedBuild: isCachedBuild,
	})
	if err != nil {
		return err
	}
	b.markFinished()
	m.Metrics.IncBuildsDone()
	return nil
}

func collectFeatures(s *Step) []string {
	feats := make([]string, 0, s.RequiredSystemFeatures.Len())
	for f := range s.RequiredSystemFeatures.All() {
		feats = append(feats, f)
	}
	return feats
}
