// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package queue

import (
	"context"

	"github.com/google/uuid"
	"zombiezen.com/go/log"

	"forgequeue.dev/pkg/internal/xslices"
)

// scanQueue implements the Queue Scanner (spec.md §4.B): it reads every
// unfinished build above the current high-water mark, loads each one
// through the Build Loader, and publishes newly runnable steps as each
// load completes.
func (m *Monitor) scanQueue(ctx context.Context) error {
	scanID := uuid.New()
	log.Debugf(ctx, "scan %s: starting (lastBuildID=%d)", scanID, m.LastBuildID())

	rows, err := m.DB.UnfinishedBuildsAfter(ctx, m.LastBuildID())
	if err != nil {
		return err
	}

	mm := newBuildMultimap()
	for _, row := range rows {
		m.Metrics.IncBuildsRead()
		if m.BuildOnly != nil && row.ID != *m.BuildOnly {
			continue
		}
		m.advanceLastBuildID(row.ID)
		if m.hasBuild(row.ID) {
			continue
		}
		mm.insert(&Build{
			ID:            row.ID,
			DrvPath:       row.DrvPath,
			FullJobName:   row.FullJobName(),
			MaxSilentTime: row.MaxSilentTime,
			BuildTimeout:  row.BuildTimeout,
		})
	}

	acc := newAccumulators()
	var loadErr error
	mm.drain(func(b *Build) bool {
		if err := m.createBuild(ctx, b, mm, acc); err != nil {
			loadErr = &buildLoadError{buildID: b.ID, err: err}
			return false
		}
		for _, s := range acc.newRunnable {
			m.Sink.MakeRunnable(s)
		}
		// Zero the published entries rather than just truncating, so the
		// accumulator doesn't keep already-dispatched Steps pinned in its
		// backing array for the rest of the scan.
		acc.newRunnable = xslices.Pop(acc.newRunnable, len(acc.newRunnable))
		return true
	})
	log.Debugf(ctx, "scan %s: done, %d builds added", scanID, acc.nrAdded)
	return loadErr
}
